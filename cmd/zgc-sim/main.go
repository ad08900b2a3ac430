package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orizon-lang/colorgc/internal/cli"
	"github.com/orizon-lang/colorgc/internal/runtime/zdebug"
)

const toolName = "zgc-sim"

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		showHelp    = flag.Bool("help", false, "show help information")
		jsonOutput  = flag.Bool("json", false, "print version and the final report as JSON")
		configPath  = flag.String("config", "", "JSON config file")
		saveConfig  = flag.String("save-config", "", "write the effective config to this file and exit")
		watch       = flag.Bool("watch", false, "reload log verbosity when the config file changes")
		hold        = flag.Bool("hold", false, "keep the debug server running after the last cycle until interrupted")
		cycles      = flag.Int("cycles", 0, "number of collection cycles")
		mutators    = flag.Int("mutators", 0, "number of mutator goroutines")
		workers     = flag.Int("workers", 0, "collector worker goroutines")
		objects     = flag.Int("objects", 0, "object capacity of the heap")
		keepPermit  = flag.Bool("keep-permit", false, "alternate keep bits across cycles")
		storageMode = flag.String("storage-mode", "", "roots storage enumeration: segments or locked")
		debugAddr   = flag.String("debug-addr", "", "serve debug endpoints on this address")
		http3       = flag.Bool("http3", false, "serve debug endpoints over HTTP/3")
		verbose     = flag.Bool("verbose", false, "verbose output")
		debug       = flag.Bool("debug", false, "debug output")
	)

	flag.Usage = func() {
		var flags []cli.FlagInfo
		flag.VisitAll(func(f *flag.Flag) {
			flags = append(flags, cli.FlagInfo{Name: f.Name, Usage: f.Usage, Default: f.DefValue})
		})
		cli.PrintUsage(os.Stderr, toolName, "concurrent colored-pointer collector simulator", flags, []string{
			toolName + " --cycles 20 --mutators 8",
			toolName + " --config sim.json --watch --debug-addr 127.0.0.1:6061 --hold",
			toolName + " --storage-mode locked --keep-permit --json",
		})
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if *showVersion {
		cli.PrintVersion(os.Stdout, toolName, *jsonOutput)
		os.Exit(0)
	}

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		cli.ExitWithError("%v", err)
	}

	// Flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cycles":
			cfg.Cycles = *cycles
		case "mutators":
			cfg.Mutators = *mutators
		case "workers":
			cfg.Workers = *workers
		case "objects":
			cfg.Objects = *objects
		case "keep-permit":
			cfg.KeepPermit = *keepPermit
		case "storage-mode":
			cfg.StorageMode = *storageMode
		case "debug-addr":
			cfg.DebugAddr = *debugAddr
		case "http3":
			cfg.HTTP3 = *http3
		case "verbose":
			cfg.Verbose = *verbose
		case "debug":
			cfg.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		cli.ExitWithError("invalid configuration: %v", err)
	}

	if *saveConfig != "" {
		if err := cfg.SaveConfig(*saveConfig); err != nil {
			cli.ExitWithError("%v", err)
		}
		os.Exit(0)
	}

	logger := cli.NewLogger(cfg.Verbose, cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watch {
		err := cli.WatchConfig(ctx, *configPath, func(c *cli.Config) {
			logger.SetLevel(c.Verbose, c.Debug)
			logger.Info("config reloaded (verbose=%v debug=%v)", c.Verbose, c.Debug)
		}, func(err error) {
			logger.Warn("config reload failed: %v", err)
		})
		cli.HandleError(err, logger)
	}

	report, err := run(ctx, cfg, logger, *hold)
	cli.HandleError(err, logger)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printReport(report)
	}
	if report.BadSlots > 0 {
		cli.ExitWithCode(2, "%d slots hold stale colors", report.BadSlots)
	}
}

func run(ctx context.Context, cfg *cli.Config, logger *cli.Logger, hold bool) (*Report, error) {
	sim, err := NewSimulator(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer sim.Close()

	if cfg.DebugAddr != "" {
		srv := &zdebug.DebugServer{Sources: sim.Sources(), Addr: cfg.DebugAddr, QUIC: cfg.HTTP3}
		addr, err := srv.Start()
		if err != nil {
			return nil, err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info("debug endpoints on %s://%s", srv.Scheme(), addr)
	}

	start := time.Now()
	if err := sim.Run(ctx); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("simulation failed: %w", err)
	}
	logger.Info("%d cycles in %v", sim.d.Cycles(), time.Since(start))

	bad, err := sim.Verify(context.Background())
	if err != nil {
		return nil, err
	}

	if hold && cfg.DebugAddr != "" && ctx.Err() == nil {
		logger.Info("holding debug server, press Ctrl+C to stop")
		<-ctx.Done()
	}
	return sim.Report(bad), nil
}

func printReport(r *Report) {
	fmt.Printf("cycles:      %d\n", r.Cycles)
	fmt.Printf("operations:  %d\n", r.Operations)
	fmt.Printf("bad slots:   %d\n", r.BadSlots)
	fmt.Printf("heap:        %d objects, %d marked, %d remaps, %d forwardings\n",
		r.Heap.Objects, r.Heap.Marked, r.Heap.Remaps, r.Heap.Forwardings)
	fmt.Printf("barrier:     %d slow paths, %d heals, %d retries, %d root heals\n",
		r.Barrier.SlowPaths, r.Barrier.Heals, r.Barrier.HealRetries, r.Barrier.RootHeals)
	if r.Last != nil {
		fmt.Printf("last cycle:  marked %d, relocated %d, weak cleared %d, phantom cleared %d, finalized %d, %v\n",
			r.Last.Marked, r.Last.Relocated, r.Last.WeakCleared, r.Last.PhantomCleared, r.Last.Finalized, r.Last.Duration)
	}
	for name, st := range r.Storages {
		fmt.Printf("storage %-8s %s, %d allocated, %d followers\n", name+":", st.Mode, st.Statistics.Allocated, st.Statistics.Followers)
	}
}
