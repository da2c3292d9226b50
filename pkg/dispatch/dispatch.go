package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/faults"
	"github.com/luciuslab/concierge/internal/observability"
	"github.com/luciuslab/concierge/pkg/agent"
	"github.com/luciuslab/concierge/pkg/executor"
	"github.com/luciuslab/concierge/pkg/pool"
	"github.com/luciuslab/concierge/pkg/verify"
)

// Request is one unit of agent work bound to a session. ServiceHints
// name the external services the caller expects the query to touch.
type Request struct {
	SessionKey   string
	Prompt       string
	ServiceHints []string
	History      []agent.Message
}

// Response carries the outcome of a dispatched request.
type Response struct {
	RequestID string       `json:"request_id"`
	Result    agent.Result `json:"result"`
}

type jobResult struct {
	response Response
	err      error
}

type job struct {
	id         string
	req        Request
	ctx        context.Context
	cancel     context.CancelFunc
	enqueuedAt time.Time
	result     chan jobResult
}

// Ticket resolves once its request has been processed.
type Ticket struct {
	ID     string
	result chan jobResult
}

// Wait blocks until the request finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Response, error) {
	select {
	case res := <-t.result:
		return res.response, res.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Dispatcher runs requests through a fixed worker set. Each request
// checks out its session's exclusive handle, verifies it, runs the
// agent loop on the shared executor, and returns the handle no matter
// how the request ends. Requests for one session therefore serialize
// while different sessions proceed in parallel up to the worker count.
type Dispatcher struct {
	cfg      config.DispatchConfig
	pool     *pool.Pool
	verifier *verify.Verifier
	runner   *agent.Runner
	exec     *executor.Executor

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*job
	stopped bool
	started bool

	wg sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg config.DispatchConfig, p *pool.Pool, v *verify.Verifier, r *agent.Runner, e *executor.Executor) (*Dispatcher, error) {
	if p == nil || v == nil || r == nil || e == nil {
		return nil, errors.New("pool, verifier, runner and executor are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}

	d := &Dispatcher{
		cfg:      cfg,
		pool:     p,
		verifier: v,
		runner:   r,
		exec:     e,
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// maxQueue resolves the configured queue bound. Zero means workers*4;
// negative means unbounded, with depth logged as it grows.
func (d *Dispatcher) maxQueue() int {
	if d.cfg.QueueSize == 0 {
		return d.cfg.Workers * 4
	}
	if d.cfg.QueueSize < 0 {
		return 0
	}
	return d.cfg.QueueSize
}

// Start launches the worker goroutines. Calling it again is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	log.Info().
		Int("workers", d.cfg.Workers).
		Int("queueSize", d.maxQueue()).
		Dur("requestTimeout", d.cfg.RequestTimeout).
		Msg("Dispatcher started")
}

// Submit validates and enqueues a request, returning a ticket to wait
// on. The request's deadline starts counting immediately.
func (d *Dispatcher) Submit(req Request) (*Ticket, error) {
	if err := pool.ValidateSessionKey(req.SessionKey); err != nil {
		return nil, err
	}
	if req.Prompt == "" {
		return nil, faults.New(faults.CodeInvalidInput, "prompt cannot be empty")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	j := &job{
		id:         id,
		req:        req,
		ctx:        ctx,
		cancel:     cancel,
		enqueuedAt: time.Now(),
		result:     make(chan jobResult, 1),
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		cancel()
		return nil, faults.New(faults.CodeShuttingDown, "dispatcher is shutting down")
	}
	if max := d.maxQueue(); max > 0 && len(d.queue) >= max {
		d.mu.Unlock()
		cancel()
		observability.RecordRequest("queue_full", 0)
		return nil, faults.New(faults.CodePoolExhausted, "request queue is full")
	}
	d.queue = append(d.queue, j)
	depth := len(d.queue)
	d.cond.Signal()
	d.mu.Unlock()

	observability.SetQueueDepth(depth)
	if d.maxQueue() == 0 && depth > d.cfg.Workers*4 {
		log.Warn().Int("depth", depth).Msg("Unbounded request queue is growing")
	}

	log.Debug().
		Str("requestId", id).
		Str("sessionKey", req.SessionKey).
		Int("queueDepth", depth).
		Msg("Request enqueued")

	return &Ticket{ID: id, result: j.result}, nil
}

// Execute submits a request and waits for its outcome.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Response, error) {
	ticket, err := d.Submit(req)
	if err != nil {
		return Response{}, err
	}
	return ticket.Wait(ctx)
}

// QueueDepth returns the number of requests waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stop drains the dispatcher: no new requests are accepted, queued
// requests are rejected, and in-flight ones get until ctx to finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	rejected := d.queue
	d.queue = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, j := range rejected {
		j.cancel()
		j.result <- jobResult{err: faults.New(faults.CodeShuttingDown, "dispatcher is shutting down")}
	}
	observability.SetQueueDepth(0)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Dispatcher stopped with requests still in flight")
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped {
			d.mu.Unlock()
			return
		}
		j := d.queue[0]
		d.queue = d.queue[1:]
		depth := len(d.queue)
		d.mu.Unlock()

		observability.SetQueueDepth(depth)
		observability.RecordQueueWait(time.Since(j.enqueuedAt))

		d.process(j)
	}
}

// process runs one request end to end.
func (d *Dispatcher) process(j *job) {
	defer j.cancel()

	start := time.Now()
	logger := log.With().
		Str("requestId", j.id).
		Str("sessionKey", j.req.SessionKey).
		Logger()

	finish := func(resp Response, err error) {
		elapsed := time.Since(start)
		outcome := "success"
		if err != nil {
			outcome = string(faults.CodeOf(err))
		}
		observability.RecordRequest(outcome, elapsed)
		meta := map[string]interface{}{
			"request_id": j.id,
			"elapsed_ms": elapsed.Milliseconds(),
		}
		if len(j.req.ServiceHints) > 0 {
			meta["service_hints"] = j.req.ServiceHints
		}
		observability.RecordRequestAudit(j.req.SessionKey, "request_processed", outcome, meta)

		if err != nil {
			logger.Error().Err(err).Dur("elapsed", elapsed).Str("outcome", outcome).Msg("Request failed")
		} else {
			logger.Info().Dur("elapsed", elapsed).Msg("Request completed")
		}
		j.result <- jobResult{response: resp, err: err}
	}

	handle, err := d.pool.Checkout(j.ctx, j.req.SessionKey)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = faults.Wrap(err, faults.CodeExecutionTimeout, "request timed out waiting for session")
		}
		finish(Response{}, err)
		return
	}
	defer d.pool.Return(handle)

	if err := d.verifier.Ensure(j.ctx, handle); err != nil {
		finish(Response{}, err)
		return
	}

	value, err := d.exec.Run(j.ctx, "request-"+j.id, d.cfg.ProgressEvery, func(context.Context) (interface{}, error) {
		return d.runner.Run(j.ctx, handle, j.req.Prompt, j.req.History)
	})

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The agent may still be mid-call on this handle; it cannot
			// be trusted for the next request.
			handle.MarkDegraded("request deadline exceeded")
			err = faults.Wrap(err, faults.CodeExecutionTimeout, "request timed out")
		}
		finish(Response{}, err)
		return
	}

	result, ok := value.(agent.Result)
	if !ok {
		finish(Response{}, faults.New(faults.CodeUnknown, "unexpected result type from executor"))
		return
	}

	finish(Response{RequestID: j.id, Result: result}, nil)
}
