package authflow

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/faults"
	"github.com/luciuslab/concierge/internal/observability"
)

// State is the phase an authorization flow is in.
type State string

const (
	StateStarted       State = "STARTED"
	StateURLDiscovered State = "URL_DISCOVERED"
	StatePolling       State = "POLLING"
	StateCompleted     State = "COMPLETED"
	StateTimedOut      State = "TIMED_OUT"
	StateFailed        State = "FAILED"
)

// Terminal reports whether no further transitions can follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// Transition is one state change of an authorization flow.
type Transition struct {
	SessionKey string    `json:"session_key"`
	Service    string    `json:"service"`
	State      State     `json:"state"`
	URL        string    `json:"url,omitempty"`
	Error      string    `json:"error,omitempty"`
	Generation int       `json:"generation"`
	At         time.Time `json:"at"`
}

// Status is the queryable view of a flow.
type Status struct {
	SessionKey string    `json:"session_key"`
	Service    string    `json:"service"`
	State      State     `json:"state"`
	URL        string    `json:"url,omitempty"`
	Error      string    `json:"error,omitempty"`
	Generation int       `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
}

type flowKey struct {
	session string
	service string
}

type flowRecord struct {
	status Status
	cancel context.CancelFunc
}

// The auth URL shows up in the subprocess output. Provider-specific
// consent URLs are preferred over the generic fallback.
var urlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https://accounts\.google\.com/o/oauth2/[^\s"']+`),
	regexp.MustCompile(`https?://[^\s"']*o?auth[^\s"']*`),
}

// Watcher runs authorization flows: it launches the consent subprocess,
// surfaces the auth URL, and polls for the completion marker. One flow
// per (session, service); starting a new one supersedes the old.
type Watcher struct {
	cfg         config.AuthConfig
	launcher    Launcher
	onCompleted func(sessionKey, service string)

	mu     sync.Mutex
	flows  map[flowKey]*flowRecord
	subs   map[int]chan Transition
	subSeq int
	closed bool

	wg sync.WaitGroup
}

// NewWatcher creates a watcher. onCompleted fires once per completed
// flow, after the marker has been validated; the lifecycle controller
// hooks session reinitialization there. It may be nil.
func NewWatcher(cfg config.AuthConfig, launcher Launcher, onCompleted func(sessionKey, service string)) *Watcher {
	observability.EnsureRegistered()

	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if cfg.URLWindow <= 0 {
		cfg.URLWindow = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 300 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}

	return &Watcher{
		cfg:         cfg,
		launcher:    launcher,
		onCompleted: onCompleted,
		flows:       make(map[flowKey]*flowRecord),
		subs:        make(map[int]chan Transition),
	}
}

// Start begins an authorization flow for a session and service. Any
// flow already running for the pair is superseded.
func (w *Watcher) Start(sessionKey, service string) (Status, error) {
	svc, ok := w.serviceConfig(service)
	if !ok {
		return Status{}, faults.Newf(faults.CodeInvalidInput, "unknown authorization service: %s", service)
	}

	key := flowKey{session: sessionKey, service: service}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return Status{}, faults.New(faults.CodeShuttingDown, "authorization watcher is shutting down")
	}

	generation := 1
	if prev, exists := w.flows[key]; exists {
		generation = prev.status.Generation + 1
		if !prev.status.State.Terminal() {
			prev.cancel()
			log.Info().
				Str("sessionKey", sessionKey).
				Str("service", service).
				Int("generation", generation).
				Msg("Superseding running authorization flow")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	record := &flowRecord{
		status: Status{
			SessionKey: sessionKey,
			Service:    service,
			State:      StateStarted,
			Generation: generation,
			StartedAt:  time.Now(),
		},
		cancel: cancel,
	}
	w.flows[key] = record
	w.mu.Unlock()

	// A stale marker from an earlier flow must not satisfy this one.
	markerPath := MarkerPath(svc.MarkerDir, sessionKey, service)
	if err := RemoveMarker(markerPath); err != nil {
		log.Warn().Err(err).Str("path", markerPath).Msg("Failed to remove stale marker")
	}

	w.emit(Transition{
		SessionKey: sessionKey,
		Service:    service,
		State:      StateStarted,
		Generation: generation,
		At:         time.Now(),
	})

	w.wg.Add(1)
	go w.run(ctx, svc, sessionKey, generation, markerPath)

	return record.status, nil
}

// Status returns the latest flow state for a session and service.
func (w *Watcher) Status(sessionKey, service string) (Status, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	record, ok := w.flows[flowKey{session: sessionKey, service: service}]
	if !ok {
		return Status{}, false
	}
	return record.status, true
}

// Subscribe returns a channel of flow transitions and a cancel func.
// Slow subscribers drop transitions rather than stalling flows.
func (w *Watcher) Subscribe() (<-chan Transition, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.subSeq++
	id := w.subSeq
	ch := make(chan Transition, 16)
	w.subs[id] = ch

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(ch)
		}
	}
}

// Shutdown cancels every running flow and waits for them, bounded by ctx.
func (w *Watcher) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	for _, record := range w.flows {
		record.cancel()
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) serviceConfig(service string) (config.AuthServiceConfig, bool) {
	for _, svc := range w.cfg.Services {
		if svc.Service == service {
			return svc, true
		}
	}
	return config.AuthServiceConfig{}, false
}

// run drives one flow to a terminal state.
func (w *Watcher) run(ctx context.Context, svc config.AuthServiceConfig, sessionKey string, generation int, markerPath string) {
	defer w.wg.Done()

	start := time.Now()
	service := svc.Service

	finish := func(state State, errMsg string) {
		w.emit(Transition{
			SessionKey: sessionKey,
			Service:    service,
			State:      state,
			Error:      errMsg,
			Generation: generation,
			At:         time.Now(),
		})
		observability.RecordAuthFlowDone(service, string(state), time.Since(start))
		observability.RecordAuthAudit(service, sessionKey, "flow_finished", string(state), nil)
	}

	proc, err := w.launcher.Launch(svc, sessionKey)
	if err != nil {
		log.Error().Err(err).Str("service", service).Msg("Failed to launch authorization subprocess")
		finish(StateFailed, fmt.Sprintf("failed to launch authorization subprocess: %v", err))
		return
	}
	defer proc.Terminate(w.cfg.KillGrace)

	urlCh := make(chan string, 1)
	go scanForURL(proc.Stdout(), urlCh)

	// The marker directory is watched so a freshly written marker wakes
	// the poll loop early. The interval poll stays authoritative.
	wake := make(chan struct{}, 1)
	if err := os.MkdirAll(svc.MarkerDir, 0700); err == nil {
		if fsw, err := fsnotify.NewWatcher(); err == nil {
			if err := fsw.Add(svc.MarkerDir); err == nil {
				defer fsw.Close()
				go func() {
					for {
						select {
						case _, ok := <-fsw.Events:
							if !ok {
								return
							}
							select {
							case wake <- struct{}{}:
							default:
							}
						case _, ok := <-fsw.Errors:
							if !ok {
								return
							}
						}
					}
				}()
			} else {
				fsw.Close()
			}
		}
	}

	pollTicker := time.NewTicker(w.cfg.PollInterval)
	defer pollTicker.Stop()

	totalTimeout := time.NewTimer(w.cfg.TotalTimeout)
	defer totalTimeout.Stop()

	urlWindow := time.NewTimer(w.cfg.URLWindow)
	defer urlWindow.Stop()

	urlPhase := true

	for {
		if marker, ok := ReadMarker(markerPath); ok {
			// A marker write can race supersession; only the flow that
			// still owns the (session, service) pair may complete, or a
			// stale generation would trigger a duplicate reinit.
			w.mu.Lock()
			record, live := w.flows[flowKey{session: sessionKey, service: service}]
			current := live && record.status.Generation == generation
			w.mu.Unlock()

			proc.Terminate(w.cfg.KillGrace)
			if !current {
				finish(StateFailed, "superseded or cancelled")
				return
			}

			log.Info().
				Str("sessionKey", sessionKey).
				Str("service", service).
				Bool("expired", marker.Expired(time.Now())).
				Msg("Authorization completed")
			finish(StateCompleted, "")
			if w.onCompleted != nil {
				w.onCompleted(sessionKey, service)
			}
			return
		}

		select {
		case <-ctx.Done():
			proc.Terminate(w.cfg.KillGrace)
			finish(StateFailed, "superseded or cancelled")
			return

		case url := <-urlCh:
			if urlPhase {
				urlPhase = false
				w.emit(Transition{
					SessionKey: sessionKey,
					Service:    service,
					State:      StateURLDiscovered,
					URL:        url,
					Generation: generation,
					At:         time.Now(),
				})
				w.emit(Transition{
					SessionKey: sessionKey,
					Service:    service,
					State:      StatePolling,
					Generation: generation,
					At:         time.Now(),
				})
			}

		case <-urlWindow.C:
			// No URL in the window. The subprocess may have reused a
			// cached consent; fall through to marker polling.
			if urlPhase {
				urlPhase = false
				log.Warn().
					Str("sessionKey", sessionKey).
					Str("service", service).
					Dur("window", w.cfg.URLWindow).
					Msg("No authorization URL discovered, polling for marker anyway")
				w.emit(Transition{
					SessionKey: sessionKey,
					Service:    service,
					State:      StatePolling,
					Generation: generation,
					At:         time.Now(),
				})
			}

		case <-wake:
		case <-pollTicker.C:

		case <-totalTimeout.C:
			proc.Terminate(w.cfg.KillGrace)
			finish(StateTimedOut, "authorization was not completed in time")
			return
		}
	}
}

// emit records a transition on the owning flow and fans it out to
// subscribers. Transitions from superseded generations are broadcast
// but do not overwrite the current flow's status.
func (w *Watcher) emit(t Transition) {
	key := flowKey{session: t.SessionKey, service: t.Service}

	w.mu.Lock()
	if record, ok := w.flows[key]; ok && record.status.Generation == t.Generation {
		record.status.State = t.State
		if t.URL != "" {
			record.status.URL = t.URL
		}
		record.status.Error = t.Error
	}
	subs := make([]chan Transition, 0, len(w.subs))
	for _, ch := range w.subs {
		subs = append(subs, ch)
	}
	w.mu.Unlock()

	observability.RecordAuthTransition(t.Service, string(t.State))
	log.Debug().
		Str("sessionKey", t.SessionKey).
		Str("service", t.Service).
		Str("state", string(t.State)).
		Int("generation", t.Generation).
		Msg("Authorization flow transition")

	for _, ch := range subs {
		select {
		case ch <- t:
		default:
		}
	}
}

// scanForURL reads subprocess output line by line and reports the first
// URL that looks like a consent link. It keeps draining afterwards so
// the subprocess never blocks on a full pipe.
func scanForURL(r io.Reader, urlCh chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	found := false
	for scanner.Scan() {
		if found {
			continue
		}
		line := scanner.Text()
		for _, pattern := range urlPatterns {
			if url := pattern.FindString(line); url != "" {
				urlCh <- url
				found = true
				break
			}
		}
	}
}
