package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name      string
	responses []*LLMResponse
	errs      []error
	calls     int
}

func (p *fakeProvider) Provider() string { return p.name }

func (p *fakeProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx < len(p.responses) {
		return p.responses[idx], nil
	}
	return &LLMResponse{Content: "done"}, nil
}

type fakeFactory struct {
	providers map[string]*fakeProvider
}

func (f *fakeFactory) NewProvider(profile Profile) (LLMProvider, error) {
	p, ok := f.providers[profile.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
	return p, nil
}

type fakeBroker struct {
	tools   []ToolSpec
	calls   []string
	outputs map[string]string
}

func (b *fakeBroker) Tools(ctx context.Context) ([]ToolSpec, error) {
	return b.tools, nil
}

func (b *fakeBroker) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	b.calls = append(b.calls, name)
	if out, ok := b.outputs[name]; ok {
		return out, nil
	}
	return "", errors.New("unknown tool")
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Model = "test-model"
	return opts
}

func TestNewRunnerRequiresProfiles(t *testing.T) {
	_, err := NewRunner(testOptions(), nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunSimpleResponse(t *testing.T) {
	provider := &fakeProvider{
		name:      "openai",
		responses: []*LLMResponse{{Content: "hello there", Usage: &TokenUsage{InputTokens: 10, OutputTokens: 5}}},
	}
	runner, err := NewRunner(testOptions(), []Profile{{ID: "p1", Provider: "openai", APIKey: "k"}},
		&fakeFactory{providers: map[string]*fakeProvider{"openai": provider}}, zerolog.Nop())
	require.NoError(t, err)

	result, err := runner.Run(context.Background(), &fakeBroker{}, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Response)
	assert.Equal(t, 10, result.Usage.InputTokens)
}

func TestRunExecutesToolLoop(t *testing.T) {
	provider := &fakeProvider{
		name: "openai",
		responses: []*LLMResponse{
			{ToolCalls: []ToolCall{{ID: "tc1", Name: "send_email", Parameters: map[string]interface{}{"to": "a@b.c"}}}},
			{Content: "email sent"},
		},
	}
	broker := &fakeBroker{
		tools:   []ToolSpec{{Name: "send_email", Description: "Send an email"}},
		outputs: map[string]string{"send_email": "ok"},
	}

	runner, err := NewRunner(testOptions(), []Profile{{ID: "p1", Provider: "openai", APIKey: "k"}},
		&fakeFactory{providers: map[string]*fakeProvider{"openai": provider}}, zerolog.Nop())
	require.NoError(t, err)

	result, err := runner.Run(context.Background(), broker, "send it", nil)
	require.NoError(t, err)
	assert.Equal(t, "email sent", result.Response)
	assert.Equal(t, []string{"send_email"}, broker.calls)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "send_email", result.ToolCalls[0].Name)
}

func TestRunFailsOverBetweenProfiles(t *testing.T) {
	failing := &fakeProvider{
		name: "openai",
		errs: []error{errors.New("503 service unavailable"), errors.New("503 service unavailable"), errors.New("503 service unavailable")},
	}
	working := &fakeProvider{
		name:      "anthropic",
		responses: []*LLMResponse{{Content: "fallback answer"}},
	}

	opts := testOptions()
	opts.MaxRetries = 1
	runner, err := NewRunner(opts,
		[]Profile{
			{ID: "p1", Provider: "openai", APIKey: "k", Priority: 0},
			{ID: "p2", Provider: "anthropic", APIKey: "k", Priority: 1},
		},
		&fakeFactory{providers: map[string]*fakeProvider{"openai": failing, "anthropic": working}},
		zerolog.Nop())
	require.NoError(t, err)

	result, err := runner.Run(context.Background(), &fakeBroker{}, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", result.Response)
}

func TestRunStopsOnPermanentError(t *testing.T) {
	provider := &fakeProvider{
		name: "openai",
		errs: []error{errors.New("invalid api key")},
	}
	runner, err := NewRunner(testOptions(), []Profile{{ID: "p1", Provider: "openai", APIKey: "bad"}},
		&fakeFactory{providers: map[string]*fakeProvider{"openai": provider}}, zerolog.Nop())
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), &fakeBroker{}, "hi", nil)
	assert.Error(t, err)
	assert.Equal(t, 1, provider.calls)
}

func TestRunBoundsToolTurns(t *testing.T) {
	// Provider that always asks for another tool call.
	provider := &fakeProvider{name: "openai"}
	provider.responses = nil
	loopResponse := &LLMResponse{
		ToolCalls: []ToolCall{{ID: "tc", Name: "noop", Parameters: nil}},
	}
	for i := 0; i < 100; i++ {
		provider.responses = append(provider.responses, loopResponse)
	}

	opts := testOptions()
	opts.MaxIterations = 3
	broker := &fakeBroker{outputs: map[string]string{"noop": "ok"}}

	runner, err := NewRunner(opts, []Profile{{ID: "p1", Provider: "openai", APIKey: "k"}},
		&fakeFactory{providers: map[string]*fakeProvider{"openai": provider}}, zerolog.Nop())
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), broker, "loop", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turns")
	assert.Len(t, broker.calls, 3)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("429 too many requests")))
	assert.True(t, IsRetryableError(errors.New("upstream 503")))
	assert.False(t, IsRetryableError(errors.New("invalid model")))
}
