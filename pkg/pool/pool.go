package pool

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/faults"
	"github.com/luciuslab/concierge/internal/observability"
)

var sessionKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{8,64}$`)

// ValidateSessionKey checks a session key against the allowed format.
func ValidateSessionKey(key string) error {
	if !sessionKeyPattern.MatchString(key) {
		return faults.New(faults.CodeInvalidInput,
			"session key must be 8-64 characters of letters, digits, hyphen or underscore")
	}
	return nil
}

// entry tracks one session. The semaphore enforces the exclusivity
// guarantee: at most one checked-out handle per session key.
type entry struct {
	handle *Handle
	sem    chan struct{}
}

// Pool tracks sessions and hands out exclusive per-session handles.
// Live handles are capped; the least recently used idle handle is
// destroyed to make room, and a sweeper destroys handles idle past the
// configured window. Busy handles are never evicted.
type Pool struct {
	cfg       config.PoolConfig
	connector Connector

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	sweeper *cron.Cron
}

// New creates a session pool.
func New(cfg config.PoolConfig, connector Connector) (*Pool, error) {
	observability.EnsureRegistered()

	if connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if cfg.MaxLiveHandles <= 0 {
		return nil, fmt.Errorf("max live handles must be positive")
	}
	if cfg.MaxTrackedSessions < cfg.MaxLiveHandles {
		return nil, fmt.Errorf("max tracked sessions must be >= max live handles")
	}

	return &Pool{
		cfg:       cfg,
		connector: connector,
		entries:   make(map[string]*entry),
	}, nil
}

// Start begins the idle-eviction sweep.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sweeper != nil {
		return fmt.Errorf("pool sweeper is already running")
	}

	interval := p.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), p.sweep); err != nil {
		return fmt.Errorf("failed to schedule pool sweep: %w", err)
	}
	c.Start()
	p.sweeper = c

	log.Info().
		Dur("idleWindow", p.cfg.IdleWindow).
		Dur("sweepInterval", interval).
		Int("maxLiveHandles", p.cfg.MaxLiveHandles).
		Msg("Pool sweeper started")
	return nil
}

// Connector returns the connector handles initialize through.
func (p *Pool) Connector() Connector {
	return p.connector
}

// Checkout acquires the exclusive handle for a session key, creating it
// if the session is new. It waits up to the configured checkout window
// for a busy handle and returns POOL_EXHAUSTED after that.
func (p *Pool) Checkout(ctx context.Context, key string) (*Handle, error) {
	if err := ValidateSessionKey(key); err != nil {
		return nil, err
	}

	start := time.Now()

	wait := p.cfg.CheckoutWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, faults.New(faults.CodeShuttingDown, "pool is shutting down")
		}
		ent, exists := p.entries[key]
		if !exists {
			if err := p.makeTrackingRoomLocked(); err != nil {
				p.mu.Unlock()
				observability.RecordCheckout("tracked_full", time.Since(start))
				return nil, err
			}
			ent = &entry{sem: make(chan struct{}, 1)}
			p.entries[key] = ent
			p.updateMetricsLocked()
		}
		p.mu.Unlock()

		select {
		case ent.sem <- struct{}{}:
		case <-ctx.Done():
			observability.RecordCheckout("cancelled", time.Since(start))
			return nil, ctx.Err()
		case <-timer.C:
			observability.RecordCheckout("busy_timeout", time.Since(start))
			return nil, faults.New(faults.CodePoolExhausted,
				"session is busy with another request")
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-ent.sem
			return nil, faults.New(faults.CodeShuttingDown, "pool is shutting down")
		}
		if p.entries[key] != ent {
			// LRU eviction removed this entry while we waited on its
			// semaphore. A handle built on it would live outside the
			// tracking map, so release the orphan and start over.
			p.mu.Unlock()
			<-ent.sem
			continue
		}
		if ent.handle == nil {
			if err := p.makeLiveRoomLocked(); err != nil {
				p.mu.Unlock()
				<-ent.sem
				observability.RecordCheckout("live_full", time.Since(start))
				return nil, err
			}
			ent.handle = newHandle(key)
			log.Debug().Str("sessionKey", key).Msg("Session handle created")
		}
		handle := ent.handle
		handle.Touch()
		p.updateMetricsLocked()
		p.mu.Unlock()

		observability.RecordCheckout("ok", time.Since(start))
		return handle, nil
	}
}

// Return releases the exclusive hold on a session handle.
func (p *Pool) Return(handle *Handle) {
	if handle == nil {
		return
	}

	p.mu.Lock()
	ent, exists := p.entries[handle.SessionKey()]
	p.mu.Unlock()
	if !exists {
		return
	}

	handle.Touch()

	select {
	case <-ent.sem:
	default:
		log.Warn().Str("sessionKey", handle.SessionKey()).Msg("Return without matching checkout")
	}
}

// Evict destroys a session's live handle and stops tracking it. It
// waits for an in-flight request on the session to finish first.
func (p *Pool) Evict(ctx context.Context, key string) error {
	p.mu.Lock()
	ent, exists := p.entries[key]
	p.mu.Unlock()
	if !exists {
		return nil
	}

	select {
	case ent.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	handle := ent.handle
	delete(p.entries, key)
	p.updateMetricsLocked()
	p.mu.Unlock()

	<-ent.sem

	if handle != nil {
		_ = handle.Close()
		observability.RecordEviction("explicit")
		log.Info().Str("sessionKey", key).Msg("Session evicted")
	}
	return nil
}

// LiveHandles returns the number of sessions with a live handle.
func (p *Pool) LiveHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCountLocked()
}

// TrackedSessions returns the number of tracked session entries.
func (p *Pool) TrackedSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Shutdown stops the sweeper and destroys every handle. In-flight
// requests get until ctx expires to finish; their handles are destroyed
// regardless afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sweeper := p.sweeper
	p.sweeper = nil
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.updateMetricsLocked()
	p.mu.Unlock()

	if sweeper != nil {
		sweeper.Stop()
	}

	for key, ent := range entries {
		select {
		case ent.sem <- struct{}{}:
			<-ent.sem
		case <-ctx.Done():
			log.Warn().Str("sessionKey", key).Msg("Destroying busy handle during shutdown")
		}
		if ent.handle != nil {
			_ = ent.handle.Close()
		}
	}

	log.Info().Int("sessions", len(entries)).Msg("Pool shut down")
	return nil
}

// sweep destroys handles idle past the configured window.
func (p *Pool) sweep() {
	idleWindow := p.cfg.IdleWindow
	if idleWindow <= 0 {
		idleWindow = 5 * time.Minute
	}

	p.mu.Lock()
	type candidate struct {
		key string
		ent *entry
	}
	candidates := []candidate{}
	for key, ent := range p.entries {
		if ent.handle != nil && time.Since(ent.handle.LastUsed()) > idleWindow {
			candidates = append(candidates, candidate{key: key, ent: ent})
		}
	}
	p.mu.Unlock()

	for _, c := range candidates {
		// Skip sessions that are mid-request.
		select {
		case c.ent.sem <- struct{}{}:
		default:
			continue
		}

		p.mu.Lock()
		handle := c.ent.handle
		if handle != nil && time.Since(handle.LastUsed()) > idleWindow {
			c.ent.handle = nil
		} else {
			handle = nil
		}
		p.updateMetricsLocked()
		p.mu.Unlock()

		<-c.ent.sem

		if handle != nil {
			_ = handle.Close()
			observability.RecordEviction("idle")
			log.Info().Str("sessionKey", c.key).Msg("Idle session handle destroyed")
		}
	}
}

// makeTrackingRoomLocked drops the oldest idle tracked session when the
// tracking cap is reached. Callers must hold p.mu.
func (p *Pool) makeTrackingRoomLocked() error {
	if len(p.entries) < p.cfg.MaxTrackedSessions {
		return nil
	}

	key, ent := p.oldestIdleLocked(false)
	if ent == nil {
		return faults.New(faults.CodePoolExhausted, "all tracked sessions are busy")
	}

	delete(p.entries, key)
	if ent.handle != nil {
		handle := ent.handle
		ent.handle = nil
		go func() {
			_ = handle.Close()
		}()
	}
	<-ent.sem
	observability.RecordEviction("tracked_lru")
	log.Debug().Str("sessionKey", key).Msg("Oldest tracked session dropped")
	return nil
}

// makeLiveRoomLocked destroys the least recently used idle handle when
// the live-handle cap is reached. Callers must hold p.mu.
func (p *Pool) makeLiveRoomLocked() error {
	if p.liveCountLocked() < p.cfg.MaxLiveHandles {
		return nil
	}

	key, ent := p.oldestIdleLocked(true)
	if ent == nil {
		return faults.New(faults.CodePoolExhausted, "all live session handles are busy")
	}

	handle := ent.handle
	ent.handle = nil
	<-ent.sem
	go func() {
		_ = handle.Close()
	}()
	observability.RecordEviction("live_lru")
	log.Debug().Str("sessionKey", key).Msg("LRU session handle destroyed")
	return nil
}

// oldestIdleLocked finds the least recently used entry whose semaphore
// can be taken without blocking. requireHandle limits the search to
// entries with a live handle. The returned entry's semaphore is held.
func (p *Pool) oldestIdleLocked(requireHandle bool) (string, *entry) {
	var oldestKey string
	var oldest *entry
	var oldestTime time.Time

	for key, ent := range p.entries {
		if requireHandle && ent.handle == nil {
			continue
		}

		var used time.Time
		if ent.handle != nil {
			used = ent.handle.LastUsed()
		}

		if oldest == nil || used.Before(oldestTime) {
			// Only idle entries qualify.
			select {
			case ent.sem <- struct{}{}:
			default:
				continue
			}
			if oldest != nil {
				<-oldest.sem
			}
			oldestKey, oldest, oldestTime = key, ent, used
		}
	}

	return oldestKey, oldest
}

func (p *Pool) liveCountLocked() int {
	count := 0
	for _, ent := range p.entries {
		if ent.handle != nil {
			count++
		}
	}
	return count
}

func (p *Pool) updateMetricsLocked() {
	observability.SetTrackedSessions(len(p.entries))
	observability.SetLiveHandles(p.liveCountLocked())
}
