// Package server exposes the read-only status surface of a running pipeline:
// health, lifecycle reports, watchdog status, the engine heartbeat and a
// WebSocket stream of watchdog snapshots and stage progress.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/lifecycle"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/store"
	"github.com/teranos/patchspool/sym"
	"github.com/teranos/patchspool/watchdog"
)

// HealthFunc reports the health of the running components
type HealthFunc func() interface{}

// Deps are the components the server reads from
type Deps struct {
	Store    *store.Store
	Tracker  *lifecycle.Tracker
	Watchdog *watchdog.Watchdog
	Health   HealthFunc
}

// Server serves the status API
type Server struct {
	addr   string
	deps   Deps
	hub    *Hub
	mux    *http.ServeMux
	logger *zap.SugaredLogger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
}

// New creates a server listening on addr once started
func New(addr string, deps Deps, log *zap.SugaredLogger) *Server {
	s := &Server{
		addr:   addr,
		deps:   deps,
		hub:    NewHub(log.Named("hub")),
		mux:    http.NewServeMux(),
		logger: log.With(logger.FieldSymbol, sym.Server),
	}
	s.setupHTTPRoutes()
	return s
}

// Hub returns the subscriber hub so it can be wired as a publisher
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on %s", s.addr),
			"set server.addr to a free address")
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("Status server stopped", logger.FieldError, err)
		}
	}()
	s.logger.Infow("Status server listening", logger.FieldAddress, ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop disconnects subscribers and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()

	s.mu.Lock()
	srv, done := s.httpServer, s.done
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	<-done
	if err != nil {
		return errors.Wrap(err, "status server shutdown")
	}
	return nil
}
