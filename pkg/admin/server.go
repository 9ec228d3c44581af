package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/logging"
)

// Options tune the admin server
type Options struct {
	Logger logging.Logger
	Clock  clock.Clock
	// MetricsInterval is how often process gauges are refreshed
	MetricsInterval time.Duration
}

// Server is the admin HTTP server with graceful shutdown
type Server struct {
	node    Node
	logger  logging.Logger
	clock   clock.Clock
	opts    Options
	started time.Time

	server       *http.Server
	listener     net.Listener
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates an admin server for node listening on addr
func New(addr string, node Node, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = 10 * time.Second
	}

	s := &Server{
		node:       node,
		logger:     opts.Logger.With(logging.Component("admin")),
		clock:      opts.Clock,
		opts:       opts,
		shutdownCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.RegisterHandlers(mux)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the admin routes
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = l
	s.started = s.clock.Now()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.logger.Info("admin server listening", logging.Addr(l.Addr().String()))
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", logging.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.refreshMetrics()
	}()
	return nil
}

// Addr is the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) refreshMetrics() {
	ticker := s.clock.NewTicker(s.opts.MetricsInterval)
	defer ticker.Stop()

	m := s.node.Metrics()
	m.UpdateSystemMetrics(s.started)
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C():
			m.UpdateSystemMetrics(s.started)
		}
	}
}

// Shutdown drains in-flight requests for up to timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.logger.Info("admin server shutting down", logging.Duration("timeout", timeout))
		if err = s.server.Shutdown(ctx); err != nil {
			s.logger.Warn("admin server shutdown incomplete", logging.Error(err))
		}
		s.wg.Wait()
	})
	return err
}

// IsShuttingDown reports whether Shutdown has been called
func (s *Server) IsShuttingDown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}
