// Package embedded runs an interlock server inside another Go process, for
// tools that want coordination without a separate daemon.
package embedded

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/config"
	httpapi "github.com/mistakeknot/interlock/internal/http"
	"github.com/mistakeknot/interlock/internal/server"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
	"github.com/mistakeknot/interlock/internal/supervisor"
	"github.com/mistakeknot/interlock/internal/tracker"
	"github.com/mistakeknot/interlock/internal/ws"
)

// Config configures the embedded server
type Config struct {
	// DBPath is the SQLite database file. Defaults to .interlock/interlock.db
	// under the working directory.
	DBPath string

	// Addr is host:port to listen on. Defaults to 127.0.0.1:7338; use port 0
	// for an ephemeral port.
	Addr string

	// Keyring enables API-key auth. Nil allows localhost callers only.
	Keyring *auth.Keyring

	Logger     *slog.Logger
	Tracker    tracker.Tracker
	Supervisor supervisor.Supervisor
}

// Server is an embedded interlock server
type Server struct {
	cfg     Config
	store   *sqlite.Store
	hub     *ws.Hub
	srv     *server.Server
	errc    chan error
	started bool
	mu      sync.Mutex
}

func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = config.DefaultStorePath
	}
	if cfg.Addr == "" {
		cfg.Addr = config.DefaultAddr
	}
	if cfg.Keyring == nil {
		cfg.Keyring = auth.NewKeyring(true, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := sqlite.New(cfg.DBPath, sqlite.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	hub := ws.NewHub()
	svc := httpapi.NewService(sqlite.NewResilient(store)).
		WithBroadcaster(hub).
		WithLogger(logger.With("component", "http"))
	if cfg.Tracker != nil {
		svc.WithTracker(cfg.Tracker)
	}
	if cfg.Supervisor != nil {
		svc.WithSupervisor(cfg.Supervisor)
	}
	router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(cfg.Keyring))

	srv, err := server.New(server.Config{Addr: cfg.Addr, Handler: router, Logger: logger})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Server{cfg: cfg, store: store, hub: hub, srv: srv, errc: make(chan error, 1)}, nil
}

// Start serves in a goroutine. The listener is already bound, so requests
// succeed as soon as Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	go func() { s.errc <- s.srv.Start() }()
	return nil
}

// Stop shuts the server down and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	if started {
		if serveErr := <-s.errc; serveErr != nil && err == nil {
			err = serveErr
		}
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Addr returns the server's bound listen address
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.srv.Addr()
}

// Store returns the underlying store for direct access if needed
func (s *Server) Store() *sqlite.Store {
	return s.store
}

// Hub exposes the event hub so the host process can publish its own events.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}
