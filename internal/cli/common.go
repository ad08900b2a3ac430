package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/orizon-lang/colorgc/internal/runtime/zstorage"
)

// Version information for all CLI tools
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-19"
	CommitSHA = "unknown" // Will be set during build
)

// VersionInfo contains version and build information
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns structured version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		BuildDate: BuildDate,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion prints version information in a consistent format
func PrintVersion(w io.Writer, toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]interface{}{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err == nil {
			fmt.Fprintln(w, string(data))
			return
		}
		fmt.Fprintf(os.Stderr, "Error: Failed to marshal version info to JSON: %v\n", err)
	}

	fmt.Fprintf(w, "%s v%s\n", toolName, info.Version)
	fmt.Fprintf(w, "Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Fprintf(w, "Commit: %s\n", info.CommitSHA)
	}
	fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
	fmt.Fprintf(w, "Platform: %s/%s\n", info.Platform, info.Arch)
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// ExitWithCode exits with the specified code and optional message
func ExitWithCode(code int, format string, args ...interface{}) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	os.Exit(code)
}

// Logger is the printf-style CLI logger. Output goes through zerolog so the
// same sink serves the runtime packages via Zerolog().
type Logger struct {
	verbose atomic.Bool
	debug   atomic.Bool
	zl      zerolog.Logger
}

// NewLogger creates a logger writing human-readable lines to stderr.
func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, verbose, debug)
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, verbose, debug bool) *Logger {
	l := &Logger{zl: zerolog.New(w).With().Timestamp().Logger()}
	l.SetLevel(verbose, debug)
	return l
}

// SetLevel switches verbosity for this logger and, through the zerolog global
// level, for every logger handed out by Zerolog. Safe to call while other
// goroutines log.
func (l *Logger) SetLevel(verbose, debug bool) {
	l.verbose.Store(verbose)
	l.debug.Store(debug)
	zerolog.SetGlobalLevel(levelFor(verbose, debug))
}

func levelFor(verbose, debug bool) zerolog.Level {
	switch {
	case debug:
		return zerolog.DebugLevel
	case verbose:
		return zerolog.InfoLevel
	default:
		return zerolog.WarnLevel
	}
}

// Zerolog returns the underlying structured logger for library packages.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.verbose.Load() || l.debug.Load() {
		l.zl.WithLevel(zerolog.InfoLevel).Msgf(format, args...)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.debug.Load() {
		l.zl.WithLevel(zerolog.DebugLevel).Msgf(format, args...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.WithLevel(zerolog.WarnLevel).Msgf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.WithLevel(zerolog.ErrorLevel).Msgf(format, args...)
}

// Config holds the simulator settings.
type Config struct {
	Verbose        bool    `json:"verbose"`
	Debug          bool    `json:"debug"`
	MaxHeapSize    uint64  `json:"max_heap_size"`
	KeepPermit     bool    `json:"keep_permit"`
	Workers        int     `json:"workers"`
	Mutators       int     `json:"mutators"`
	Cycles         int     `json:"cycles"`
	Objects        int     `json:"objects"`
	Fields         int     `json:"fields"`
	Roots          int     `json:"roots"`
	WeakFraction   float64 `json:"weak_fraction"`
	RelocateStride int     `json:"relocate_stride"`
	IntervalMS     int     `json:"interval_ms"`
	StorageMode    string  `json:"storage_mode"`
	DebugAddr      string  `json:"debug_addr"`
	HTTP3          bool    `json:"http3"`
}

// DefaultConfig returns the settings used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		MaxHeapSize:    64 << 20,
		Workers:        runtime.GOMAXPROCS(0),
		Mutators:       4,
		Cycles:         10,
		Objects:        1 << 16,
		Fields:         4096,
		Roots:          64,
		WeakFraction:   0.1,
		RelocateStride: 4,
		IntervalMS:     10,
		StorageMode:    zstorage.ModeSegments.String(),
	}
}

// Interval is the pause between cycles.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.Mutators < 0:
		return fmt.Errorf("mutators must not be negative, got %d", c.Mutators)
	case c.Cycles < 0:
		return fmt.Errorf("cycles must not be negative, got %d", c.Cycles)
	case c.Objects <= 0:
		return fmt.Errorf("objects must be positive, got %d", c.Objects)
	case c.Fields <= 0 || c.Roots <= 0:
		return fmt.Errorf("fields and roots must be positive, got %d and %d", c.Fields, c.Roots)
	case c.WeakFraction < 0 || c.WeakFraction > 1:
		return fmt.Errorf("weak_fraction must be within [0, 1], got %g", c.WeakFraction)
	case c.RelocateStride < 0 || c.IntervalMS < 0:
		return fmt.Errorf("relocate_stride and interval_ms must not be negative")
	}
	if _, err := zstorage.ParseMode(c.StorageMode); err != nil {
		return err
	}
	return nil
}

// LoadConfig loads configuration from file. A missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves configuration to file
func (c *Config) SaveConfig(configPath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// FlagInfo represents information about a command flag
type FlagInfo struct {
	Name    string
	Usage   string
	Default string
}

// PrintUsage prints a standardized usage message
func PrintUsage(w io.Writer, tool, description string, flags []FlagInfo, examples []string) {
	fmt.Fprintf(w, "%s - %s\n\n", tool, description)
	fmt.Fprintf(w, "USAGE:\n")
	fmt.Fprintf(w, "    %s [OPTIONS]\n\n", tool)

	if len(flags) > 0 {
		fmt.Fprintf(w, "OPTIONS:\n")
		for _, flag := range flags {
			fmt.Fprintf(w, "%-24s %s\n", "    --"+flag.Name, flag.Usage)
			if flag.Default != "" {
				fmt.Fprintf(w, "%-24s Default: %s\n", "", flag.Default)
			}
		}
		fmt.Fprintf(w, "\n")
	}

	if len(examples) > 0 {
		fmt.Fprintf(w, "EXAMPLES:\n")
		for _, example := range examples {
			fmt.Fprintf(w, "    %s\n", example)
		}
		fmt.Fprintf(w, "\n")
	}
}

// HandleError handles errors in a consistent way
func HandleError(err error, logger *Logger) {
	if err != nil {
		if logger != nil {
			logger.Error("%v", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
