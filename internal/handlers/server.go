package handlers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

// Server runs the HTTP front. Streams have no read or write deadline; only
// request headers are bounded.
type Server struct {
	server *http.Server
	logger pipeline.Logger
	errCh  chan error
}

// NewServer creates a server for handler listening on addr
func NewServer(addr string, handler http.Handler, readHeaderTimeout time.Duration, logger pipeline.Logger) *Server {
	if logger == nil {
		logger = pipeline.NullLogger()
	}

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          pipeline.StdLogger(logger),
		},
		logger: logger,
		errCh:  make(chan error, 1),
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly; later serve errors are reported on Err.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener in the background
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Starting HTTP server", pipeline.String("address", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", pipeline.Error(err))
			s.errCh <- err
		}
		close(s.errCh)
	}()
	return nil
}

// Err reports a fatal serve error; it is closed once serving stops
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open streams finish once their sessions are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
