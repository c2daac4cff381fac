// Package server assembles and runs the relying-party service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	httpapi "github.com/quellauth/quell/internal/services/rp/api/http"
	"github.com/quellauth/quell/internal/services/rp/ceremony"
	"github.com/quellauth/quell/internal/services/rp/config"
	"github.com/quellauth/quell/internal/services/rp/delegate"
	"github.com/quellauth/quell/internal/services/rp/grant"
	"github.com/quellauth/quell/internal/services/rp/storage"
	"github.com/quellauth/quell/internal/services/rp/storage/memory"
	"github.com/quellauth/quell/internal/services/rp/storage/sqlite"
)

const sweepInterval = 5 * time.Minute

// Server hosts the relying-party HTTP service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	sessions   storage.ChallengeStore
	closeStore func() error
	logger     *log.Logger
	clock      func() time.Time
}

// New creates a configured relying-party server listening on httpAddr.
func New(httpAddr string) (*Server, error) {
	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}

	logger := log.New(os.Stderr, "[RP] ", log.LstdFlags)

	sessions, credentials, users, closeStore, err := openStores()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	rpConfig := config.LoadRPFromEnv()

	backendConfig := delegate.LoadConfigFromEnv()
	source, err := openCredentialSource(backendConfig)
	if err != nil {
		_ = listener.Close()
		_ = closeStore()
		return nil, err
	}
	backend := delegate.NewClient(backendConfig, source, logger)

	var grants ceremony.GrantIssuer
	if grantConfig, grantErr := grant.LoadConfigFromEnv(nil); grantErr != nil {
		logger.Printf("session grants disabled: %v", grantErr)
	} else {
		grants = grant.NewIssuer(grantConfig)
	}

	orchestrator := ceremony.New(rpConfig, sessions, credentials, users, backend, grants, logger)
	handler := httpapi.NewHandler(orchestrator, credentials, source, rpConfig.RPOrigins, logger)

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: handler.Router()},
		sessions:   sessions,
		closeStore: closeStore,
		logger:     logger,
		clock:      time.Now,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a relying-party server until the context ends.
func Run(ctx context.Context, httpAddr string) error {
	rpServer, err := New(httpAddr)
	if err != nil {
		return err
	}
	return rpServer.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if err := s.closeStore(); err != nil {
			s.logger.Printf("close store: %v", err)
		}
	}()

	s.startSweeper(serverCtx, sweepInterval)

	s.logger.Printf("relying-party server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// startSweeper removes expired challenge sessions on an interval until the
// context ends.
func (s *Server) startSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = sweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
}

func (s *Server) sweepOnce(ctx context.Context) {
	removed, err := s.sessions.SweepExpiredChallengeSessions(ctx, s.clock().UTC())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Printf("sweep challenge sessions: %v", err)
		}
		return
	}
	if removed > 0 {
		s.logger.Printf("swept %d expired challenge sessions", removed)
	}
}

// openStores picks the storage backend from QUELL_DB_PATH. The value
// "memory" selects the in-process stores; anything else is a SQLite path,
// defaulting to data/quell.db.
func openStores() (storage.ChallengeStore, storage.CredentialStore, storage.UserStore, func() error, error) {
	path := strings.TrimSpace(os.Getenv("QUELL_DB_PATH"))
	if strings.EqualFold(path, "memory") {
		store := memory.New()
		return store, store, store, func() error { return nil }, nil
	}
	if path == "" {
		path = filepath.Join("data", "quell.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, store, store, store.Close, nil
}

// openCredentialSource builds the backend credential source: file-backed
// when a credentials file is configured, in-memory otherwise.
func openCredentialSource(cfg delegate.Config) (delegate.CredentialSource, error) {
	if strings.TrimSpace(cfg.CredentialsFile) == "" {
		return delegate.NewMemorySource(), nil
	}
	source, err := delegate.NewFileSource(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("open backend credentials file: %w", err)
	}
	return source, nil
}
