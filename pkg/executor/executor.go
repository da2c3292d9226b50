package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/faults"
	"github.com/luciuslab/concierge/internal/observability"
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

type taskResult struct {
	value interface{}
	err   error
}

// Future resolves once its task has finished.
type Future struct {
	id          string
	submittedAt time.Time
	result      chan taskResult
}

// Wait blocks until the task resolves or ctx is done. progressEvery > 0
// makes it log a progress line at that interval while still waiting.
func (f *Future) Wait(ctx context.Context, progressEvery time.Duration) (interface{}, error) {
	var tick <-chan time.Time
	if progressEvery > 0 {
		ticker := time.NewTicker(progressEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case res := <-f.result:
			return res.value, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick:
			log.Info().
				Str("taskId", f.id).
				Dur("elapsed", time.Since(f.submittedAt)).
				Msg("Task still running")
		}
	}
}

type submission struct {
	id     string
	task   Task
	future *Future
}

// Executor owns one long-lived scheduler goroutine that all submitted
// tasks run under. The goroutine starts lazily on first use and every
// component shares the same instance for its async work.
type Executor struct {
	submitCh chan submission
	stopCh   chan struct{}

	loopCtx    context.Context
	loopCancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	pending int
	idSeq   int
	stopped bool

	wg sync.WaitGroup
}

// New creates an executor. The scheduler goroutine is not started until
// the first Submit call.
func New() *Executor {
	observability.EnsureRegistered()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	return &Executor{
		submitCh:   make(chan submission),
		stopCh:     make(chan struct{}),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
	}
}

func (e *Executor) start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.run()
		log.Debug().Msg("Executor scheduler started")
	})
}

// run is the scheduler loop. Tasks are handed off here and executed in
// goroutines the loop tracks, so shutdown can wait for all of them.
func (e *Executor) run() {
	defer e.wg.Done()

	for {
		select {
		case sub := <-e.submitCh:
			e.wg.Add(1)
			go e.execute(sub)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Executor) execute(sub submission) {
	defer e.wg.Done()

	start := time.Now()
	value, err := sub.task(e.loopCtx)

	e.mu.Lock()
	e.pending--
	pending := e.pending
	e.mu.Unlock()
	observability.SetExecutorPending(pending)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	observability.RecordExecutorTask(outcome)

	sub.future.result <- taskResult{value: value, err: err}
	close(sub.future.result)

	if err != nil {
		log.Debug().
			Str("taskId", sub.id).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("Task failed")
	}
}

// Submit hands a task to the scheduler and returns its future. It fails
// once Shutdown has begun.
func (e *Executor) Submit(name string, task Task) (*Future, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, faults.New(faults.CodeShuttingDown, "executor is shutting down")
	}
	e.idSeq++
	if name == "" {
		name = "task"
	}
	id := fmt.Sprintf("%s-%d", name, e.idSeq)
	e.pending++
	pending := e.pending
	e.mu.Unlock()

	observability.SetExecutorPending(pending)
	e.start()

	future := &Future{
		id:          id,
		submittedAt: time.Now(),
		result:      make(chan taskResult, 1),
	}

	select {
	case e.submitCh <- submission{id: id, task: task, future: future}:
		return future, nil
	case <-e.stopCh:
		e.mu.Lock()
		e.pending--
		e.mu.Unlock()
		return nil, faults.New(faults.CodeShuttingDown, "executor is shutting down")
	}
}

// Run submits a task and waits for it, bounded by ctx.
func (e *Executor) Run(ctx context.Context, name string, progressEvery time.Duration, task Task) (interface{}, error) {
	future, err := e.Submit(name, task)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx, progressEvery)
}

// Pending returns the number of submitted but unresolved tasks.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Shutdown stops accepting tasks, asks outstanding tasks to cancel via
// their context, and waits up to timeout for them to finish. It reports
// whether everything drained in time.
func (e *Executor) Shutdown(timeout time.Duration) bool {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.loopCancel()
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Executor drained")
		return true
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for executor tasks")
		return false
	}
}
