package zdebug

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// DebugServer serves NewMux(Sources) on Addr, over TCP or, with QUIC set,
// over HTTP/3 with a self-signed certificate for the listen host.
type DebugServer struct {
	Sources Sources
	Addr    string
	QUIC    bool

	mu       sync.Mutex
	bound    string
	shutdown func(ctx context.Context) error
}

// Start listens and serves in the background. It returns the bound address,
// which differs from Addr when Addr uses port 0.
func (s *DebugServer) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown != nil {
		return "", fmt.Errorf("debug server already running on %s", s.bound)
	}

	listen := s.listenTCP
	if s.QUIC {
		listen = s.listenQUIC
	}
	bound, shutdown, err := listen(NewMux(s.Sources))
	if err != nil {
		return "", err
	}
	s.bound, s.shutdown = bound, shutdown
	return bound, nil
}

// Scheme is the URL scheme clients use to reach the server.
func (s *DebugServer) Scheme() string {
	if s.QUIC {
		return "https"
	}
	return "http"
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done.
// Shutting down a server that is not running is a no-op.
func (s *DebugServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	shutdown := s.shutdown
	s.shutdown, s.bound = nil, ""
	s.mu.Unlock()

	if shutdown == nil {
		return nil
	}
	return shutdown(ctx)
}

func (s *DebugServer) listenTCP(h http.Handler) (string, func(context.Context) error, error) {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return "", nil, fmt.Errorf("debug listener: %w", err)
	}
	server := &http.Server{Handler: h, ReadHeaderTimeout: 3 * time.Second}
	go func() { _ = server.Serve(ln) }()
	return ln.Addr().String(), server.Shutdown, nil
}

// StartDebugHTTP serves NewMux(src) on addr and returns the shutdown function
// along with the bound address (useful when addr uses :0).
func StartDebugHTTP(src Sources, addr string) (shutdown func(ctx context.Context) error, boundAddr string, err error) {
	s := &DebugServer{Sources: src, Addr: addr}
	if boundAddr, err = s.Start(); err != nil {
		return nil, "", err
	}
	return s.Shutdown, boundAddr, nil
}
