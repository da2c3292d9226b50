package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/faults"
	"github.com/luciuslab/concierge/pkg/agent"
	"github.com/luciuslab/concierge/pkg/executor"
	"github.com/luciuslab/concierge/pkg/mcpconn"
	"github.com/luciuslab/concierge/pkg/pool"
	"github.com/luciuslab/concierge/pkg/verify"
)

type stubConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *stubConn) Name() string { return "stub" }

func (c *stubConn) Info() (mcpconn.ServerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return mcpconn.ServerInfo{}, false
	}
	return mcpconn.ServerInfo{Name: "stub", ConnectedAt: time.Now()}, true
}

func (c *stubConn) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *stubConn) ListTools(ctx context.Context) ([]mcpconn.ToolDefinition, error) {
	return nil, nil
}

func (c *stubConn) CallTool(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type stubConnector struct{}

func (c *stubConnector) Connect(ctx context.Context, sessionKey string) ([]pool.ToolConn, error) {
	return []pool.ToolConn{&stubConn{}}, nil
}

type callFunc func(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error)

type stubProvider struct {
	call callFunc
}

func (p *stubProvider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	return p.call(ctx, req)
}

func (p *stubProvider) Provider() string { return "stub" }

type stubFactory struct {
	provider agent.LLMProvider
}

func (f *stubFactory) NewProvider(profile agent.Profile) (agent.LLMProvider, error) {
	return f.provider, nil
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Workers:        2,
		RequestTimeout: 2 * time.Second,
		InitTimeout:    time.Second,
	}
}

func newTestDispatcher(t *testing.T, dcfg config.DispatchConfig, call callFunc) (*Dispatcher, *pool.Pool) {
	t.Helper()

	p, err := pool.New(config.PoolConfig{
		MaxTrackedSessions: 10,
		MaxLiveHandles:     4,
		IdleWindow:         5 * time.Minute,
		CheckoutWait:       500 * time.Millisecond,
		SweepInterval:      time.Minute,
	}, &stubConnector{})
	require.NoError(t, err)

	runner, err := agent.NewRunner(agent.DefaultOptions(),
		[]agent.Profile{{ID: "main", Provider: "openai", APIKey: "sk-test"}},
		&stubFactory{provider: &stubProvider{call: call}},
		zerolog.Nop())
	require.NoError(t, err)

	exec := executor.New()
	d, err := New(dcfg, p, verify.New(&stubConnector{}, dcfg.InitTimeout), runner, exec)
	require.NoError(t, err)
	d.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
		_ = p.Shutdown(ctx)
		exec.Shutdown(time.Second)
	})

	return d, p
}

func echoCall(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	return &agent.LLMResponse{Content: "done"}, nil
}

func TestExecuteSuccess(t *testing.T) {
	d, _ := newTestDispatcher(t, testDispatchConfig(), echoCall)

	resp, err := d.Execute(context.Background(), Request{
		SessionKey: "session-aaa",
		Prompt:     "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "done", resp.Result.Response)
}

func TestSubmitValidation(t *testing.T) {
	d, _ := newTestDispatcher(t, testDispatchConfig(), echoCall)

	_, err := d.Submit(Request{SessionKey: "bad key!", Prompt: "hello"})
	assert.True(t, faults.Is(err, faults.CodeInvalidInput))

	_, err = d.Submit(Request{SessionKey: "session-aaa"})
	assert.True(t, faults.Is(err, faults.CodeInvalidInput))
}

func TestRequestTimeoutMarksHandleDegraded(t *testing.T) {
	dcfg := testDispatchConfig()
	dcfg.Workers = 1
	dcfg.RequestTimeout = 150 * time.Millisecond

	d, p := newTestDispatcher(t, dcfg, func(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	_, err := d.Execute(context.Background(), Request{
		SessionKey: "session-aaa",
		Prompt:     "hello",
	})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CodeExecutionTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)

	// The handle cannot be trusted; the next checkout sees it degraded.
	handle, err := p.Checkout(context.Background(), "session-aaa")
	require.NoError(t, err)
	defer p.Return(handle)
	assert.Equal(t, pool.StateDegraded, handle.State())
}

func TestSameSessionRequestsSerialize(t *testing.T) {
	var inFlight, maxInFlight int32

	d, _ := newTestDispatcher(t, testDispatchConfig(), func(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &agent.LLMResponse{Content: "done"}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Execute(context.Background(), Request{
				SessionKey: "session-aaa",
				Prompt:     "hello",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestQueueFullRejects(t *testing.T) {
	dcfg := testDispatchConfig()
	dcfg.Workers = 1
	dcfg.QueueSize = 1

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	d, _ := newTestDispatcher(t, dcfg, func(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
		once.Do(func() { close(entered) })
		<-release
		return &agent.LLMResponse{Content: "done"}, nil
	})
	defer close(release)

	first, err := d.Submit(Request{SessionKey: "session-aaa", Prompt: "hello"})
	require.NoError(t, err)
	<-entered

	second, err := d.Submit(Request{SessionKey: "session-bbb", Prompt: "hello"})
	require.NoError(t, err)

	_, err = d.Submit(Request{SessionKey: "session-ccc", Prompt: "hello"})
	assert.True(t, faults.Is(err, faults.CodePoolExhausted), "got %v", err)

	_ = first
	_ = second
}

func TestStopRejectsQueuedRequests(t *testing.T) {
	dcfg := testDispatchConfig()
	dcfg.Workers = 1

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	d, _ := newTestDispatcher(t, dcfg, func(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
		once.Do(func() { close(entered) })
		<-release
		return &agent.LLMResponse{Content: "done"}, nil
	})

	inflight, err := d.Submit(Request{SessionKey: "session-aaa", Prompt: "hello"})
	require.NoError(t, err)
	<-entered

	queued, err := d.Submit(Request{SessionKey: "session-bbb", Prompt: "hello"})
	require.NoError(t, err)

	stopDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stopDone <- d.Stop(ctx)
	}()

	// The queued request is rejected without being processed.
	_, err = queued.Wait(context.Background())
	assert.True(t, faults.Is(err, faults.CodeShuttingDown), "got %v", err)

	// The in-flight one still completes.
	close(release)
	resp, err := inflight.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Result.Response)

	require.NoError(t, <-stopDone)

	_, err = d.Submit(Request{SessionKey: "session-aaa", Prompt: "hello"})
	assert.True(t, faults.Is(err, faults.CodeShuttingDown))
}
