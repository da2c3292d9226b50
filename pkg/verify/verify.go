package verify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/faults"
	"github.com/luciuslab/concierge/pkg/pool"
)

// Verifier makes sure a checked-out handle is usable before a request
// runs on it. The health probe inspects metadata stored at initialize
// time and local process state; it performs no network traffic.
type Verifier struct {
	connector   pool.Connector
	initTimeout time.Duration
}

// New creates a verifier.
func New(connector pool.Connector, initTimeout time.Duration) *Verifier {
	if initTimeout <= 0 {
		initTimeout = 15 * time.Second
	}
	return &Verifier{
		connector:   connector,
		initTimeout: initTimeout,
	}
}

// Ensure returns once the handle is Ready. An uninitialized handle is
// initialized; a degraded or unhealthy handle is fully reinitialized.
// Either path is bounded by the init timeout.
func (v *Verifier) Ensure(ctx context.Context, handle *pool.Handle) error {
	switch handle.State() {
	case pool.StateReady:
		if handle.Healthy() {
			return nil
		}
		log.Warn().
			Str("sessionKey", handle.SessionKey()).
			Msg("Handle failed health probe, reinitializing")
		handle.MarkDegraded("health probe failed")
		return v.reinit(ctx, handle)

	case pool.StateDegraded:
		log.Info().
			Str("sessionKey", handle.SessionKey()).
			Msg("Reinitializing degraded handle")
		return v.reinit(ctx, handle)

	default:
		return v.initialize(ctx, handle)
	}
}

func (v *Verifier) initialize(ctx context.Context, handle *pool.Handle) error {
	initCtx, cancel := context.WithTimeout(ctx, v.initTimeout)
	defer cancel()

	if err := handle.Init(initCtx, v.connector); err != nil {
		if initCtx.Err() != nil && ctx.Err() == nil {
			return faults.Wrap(err, faults.CodeInitFailed, "session initialization timed out")
		}
		return err
	}
	return nil
}

// reinit tears the old connections down and builds fresh ones. Init
// replaces before destroying, so a failed attempt leaves nothing half
// torn down.
func (v *Verifier) reinit(ctx context.Context, handle *pool.Handle) error {
	if err := v.initialize(ctx, handle); err != nil {
		return faults.Wrap(err, faults.CodeConnectionStale, "failed to restore stale session")
	}
	return nil
}
