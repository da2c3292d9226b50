package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/faults"
	"github.com/luciuslab/concierge/internal/observability"
	"github.com/luciuslab/concierge/pkg/agent"
	"github.com/luciuslab/concierge/pkg/authflow"
	"github.com/luciuslab/concierge/pkg/executor"
	"github.com/luciuslab/concierge/pkg/pool"
	"github.com/luciuslab/concierge/pkg/verify"
)

// Options allows tests and callers to swap the pieces the controller
// builds by default.
type Options struct {
	Connector       pool.Connector
	Launcher        authflow.Launcher
	ProviderFactory agent.ProviderCreator
}

// Controller owns the long-lived resources of the process: the shared
// executor, the session pool, the connection verifier, the
// authorization watcher, and the agent runner. Start and Shutdown are
// idempotent; per-session reinitialization is fenced so an older
// trigger can never clobber the work of a newer one.
type Controller struct {
	cfg *config.Config

	exec     *executor.Executor
	pool     *pool.Pool
	verifier *verify.Verifier
	watcher  *authflow.Watcher
	runner   *agent.Runner

	mu        sync.Mutex
	started   bool
	stopped   bool
	reinitGen map[string]int
}

// New builds the controller and wires the authorization watcher's
// completion hook to session reinitialization.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	observability.EnsureRegistered()

	connector := opts.Connector
	if connector == nil {
		connector = pool.NewToolServerConnector(cfg.ToolServers)
	}

	p, err := pool.New(cfg.Pool, connector)
	if err != nil {
		return nil, err
	}

	profiles := make([]agent.Profile, 0, len(cfg.AI.Profiles))
	for _, prof := range cfg.AI.Profiles {
		profiles = append(profiles, agent.Profile{
			ID:       prof.ID,
			Provider: prof.Provider,
			APIKey:   prof.APIKey,
			Priority: prof.Priority,
		})
	}

	runner, err := agent.NewRunner(agent.Options{
		Model:         cfg.AI.Model,
		Temperature:   cfg.AI.Temperature,
		MaxTokens:     cfg.AI.MaxTokens,
		MaxIterations: cfg.AI.MaxIterations,
		SystemPrompt:  cfg.AI.SystemPrompt,
	}, profiles, opts.ProviderFactory, log.Logger)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:       cfg,
		exec:      executor.New(),
		pool:      p,
		verifier:  verify.New(connector, cfg.Dispatch.InitTimeout),
		runner:    runner,
		reinitGen: make(map[string]int),
	}

	c.watcher = authflow.NewWatcher(cfg.Auth, opts.Launcher, func(sessionKey, service string) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.RequestTimeout)
		defer cancel()
		if err := c.ReinitSession(ctx, sessionKey); err != nil {
			log.Error().
				Err(err).
				Str("sessionKey", sessionKey).
				Str("service", service).
				Msg("Failed to reinitialize session after authorization")
		}
	})

	return c, nil
}

// Start brings the background machinery up. Calling it again is a no-op.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return faults.New(faults.CodeShuttingDown, "controller has been shut down")
	}
	if c.started {
		return nil
	}

	if err := c.pool.Start(); err != nil {
		return err
	}
	c.started = true

	log.Info().Msg("Lifecycle controller started")
	return nil
}

// ReinitSession rebuilds a session's resources so fresh credentials
// take effect. It waits for any in-flight request on the session, then
// replaces the handle's connections before tearing the old ones down.
// Overlapping calls are fenced: only the newest one does the work.
func (c *Controller) ReinitSession(ctx context.Context, sessionKey string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return faults.New(faults.CodeShuttingDown, "controller has been shut down")
	}
	c.reinitGen[sessionKey]++
	gen := c.reinitGen[sessionKey]
	c.mu.Unlock()

	handle, err := c.pool.Checkout(ctx, sessionKey)
	if err != nil {
		return err
	}
	defer c.pool.Return(handle)

	c.mu.Lock()
	stale := c.reinitGen[sessionKey] != gen
	c.mu.Unlock()
	if stale {
		log.Debug().Str("sessionKey", sessionKey).Msg("Skipping superseded reinitialization")
		return nil
	}

	handle.MarkDegraded("credentials updated")
	if err := c.verifier.Ensure(ctx, handle); err != nil {
		return err
	}

	observability.RecordSessionAudit(sessionKey, "session_reinitialized", "success", nil)
	log.Info().Str("sessionKey", sessionKey).Msg("Session reinitialized")
	return nil
}

// EvictSession destroys a session's resources, e.g. on logout.
func (c *Controller) EvictSession(ctx context.Context, sessionKey string) error {
	if err := c.pool.Evict(ctx, sessionKey); err != nil {
		return err
	}
	observability.RecordSessionAudit(sessionKey, "session_evicted", "success", nil)
	return nil
}

// Shutdown tears everything down in dependency order. Calling it again
// is a no-op.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	var firstErr error

	// Auth flows first so no reinit fires mid-teardown.
	if err := c.watcher.Shutdown(ctx); err != nil {
		firstErr = err
		log.Warn().Err(err).Msg("Authorization watcher shutdown incomplete")
	}

	if err := c.pool.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !c.exec.Shutdown(timeout) && firstErr == nil {
		firstErr = faults.New(faults.CodeShuttingDown, "executor did not drain in time")
	}

	log.Info().Msg("Lifecycle controller shut down")
	return firstErr
}

// Pool returns the session pool.
func (c *Controller) Pool() *pool.Pool { return c.pool }

// Verifier returns the connection verifier.
func (c *Controller) Verifier() *verify.Verifier { return c.verifier }

// Watcher returns the authorization watcher.
func (c *Controller) Watcher() *authflow.Watcher { return c.watcher }

// Executor returns the shared executor.
func (c *Controller) Executor() *executor.Executor { return c.exec }

// Runner returns the agent runner.
func (c *Controller) Runner() *agent.Runner { return c.runner }
