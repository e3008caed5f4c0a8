package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/c360/termstream/errors"
)

// ServerConfig holds listener settings
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server runs the gateway handler on a TCP listener
type Server struct {
	cfg     ServerConfig
	handler http.Handler
	server  *http.Server
	addr    net.Addr
	mu      sync.Mutex
}

// NewServer creates a server for handler
func NewServer(cfg ServerConfig, handler http.Handler) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	return &Server{cfg: cfg, handler: handler}
}

// Start binds the listener and serves in the background. errc receives the
// serve error if the server stops unexpectedly.
func (s *Server) Start(errc chan<- error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start ingestion server")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.cfg.Addr)
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && errc != nil {
			errc <- errors.WrapTransient(err, "Server", "Start", "serve")
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx is done
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown ingestion server")
	}
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
