package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/logger"
	"github.com/luciuslab/concierge/internal/observability"
	"github.com/luciuslab/concierge/internal/server"
	"github.com/luciuslab/concierge/pkg/dispatch"
	"github.com/luciuslab/concierge/pkg/lifecycle"
	"github.com/luciuslab/concierge/pkg/registry"
)

// Daemon wires the whole service together: session registry, lifecycle
// controller, request dispatcher, and the HTTP boundary. Everything is
// constructed explicitly here; nothing initializes at import time.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	sessions   *registry.Registry
	controller *lifecycle.Controller
	dispatcher *dispatch.Dispatcher
	httpServer *server.Server

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a daemon instance with all components constructed in
// dependency order.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	auditPath := cfg.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.jsonl")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	sessions, err := registry.Open(filepath.Join(cfg.DataDir, "sessions.db"), cfg.Pool.MaxTrackedSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to open session registry: %w", err)
	}

	controller, err := lifecycle.New(cfg, lifecycle.Options{})
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("failed to build lifecycle controller: %w", err)
	}

	dispatcher, err := dispatch.New(cfg.Dispatch, controller.Pool(), controller.Verifier(), controller.Runner(), controller.Executor())
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("failed to build dispatcher: %w", err)
	}

	httpServer, err := server.NewServer(server.Config{
		Server:     cfg.Server,
		Auth:       cfg.Auth,
		Dispatcher: dispatcher,
		Controller: controller,
		Sessions:   sessions,
		Logger:     log.GetZerolog(),
	})
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	return &Daemon{
		config:     cfg,
		logger:     log,
		sessions:   sessions,
		controller: controller,
		dispatcher: dispatcher,
		httpServer: httpServer,
	}, nil
}

// Start brings every component up. Initialization failure is fatal to
// the caller; nothing is left half-started.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	if err := d.controller.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle controller: %w", err)
	}
	d.dispatcher.Start()

	if err := d.httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	d.startTime = time.Now()
	d.running = true

	d.logger.Info().
		Int("port", d.config.Server.Port).
		Int("workers", d.config.Dispatch.Workers).
		Msg("Daemon started")

	return nil
}

// Run starts the daemon and blocks until a termination signal arrives
// or ctx is cancelled, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("Termination signal received")
	case <-ctx.Done():
		d.logger.Info().Msg("Context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// Stop tears the daemon down in reverse dependency order: stop taking
// requests, drain the dispatcher, then release sessions and resources.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping daemon")

	var firstErr error

	if err := d.httpServer.Stop(); err != nil {
		firstErr = err
		d.logger.Warn().Err(err).Msg("HTTP server stop failed")
	}

	if err := d.dispatcher.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := d.controller.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := d.sessions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	d.logger.Info().Dur("uptime", time.Since(d.startTime)).Msg("Daemon stopped")
	return firstErr
}

// Running reports whether the daemon has started and not stopped.
func (d *Daemon) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return 0
	}
	return time.Since(d.startTime)
}
