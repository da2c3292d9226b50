package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciuslab/concierge/internal/observability"
)

// ToolBroker exposes the tools owned by a session handle to the model.
type ToolBroker interface {
	// Tools lists the tool specs available to this run.
	Tools(ctx context.Context) ([]ToolSpec, error)

	// CallTool invokes a named tool and returns its textual output.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// Options configures agent behavior
type Options struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	SystemPrompt  string
	MaxRetries    int
}

// DefaultOptions returns default agent options
func DefaultOptions() Options {
	return Options{
		Model:         "gpt-4o-mini",
		Temperature:   0.7,
		MaxTokens:     4096,
		MaxIterations: 30,
		MaxRetries:    3,
	}
}

// Runner drives the model/tool conversation loop for one prompt.
type Runner struct {
	opts    Options
	factory ProviderCreator
	logger  zerolog.Logger

	profiles []Profile
	authMu   sync.RWMutex
}

// NewRunner creates a new agent runner
func NewRunner(opts Options, profiles []Profile, factory ProviderCreator, logger zerolog.Logger) (*Runner, error) {
	observability.EnsureRegistered()

	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one provider profile is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if opts.Temperature < 0 || opts.Temperature > 1 {
		return nil, fmt.Errorf("temperature must be between 0 and 1")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 30
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if factory == nil {
		factory = &ProviderFactory{}
	}

	return &Runner{
		opts:     opts,
		factory:  factory,
		logger:   logger,
		profiles: profiles,
	}, nil
}

// Run executes the conversation loop for one prompt against the tools the
// broker exposes. history carries prior turns for the same session.
func (r *Runner) Run(ctx context.Context, broker ToolBroker, prompt string, history []Message) (Result, error) {
	messages := make([]Message, 0, len(history)+2)

	systemPrompt := r.opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}
	messages = append(messages, Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: prompt})

	var tools []ToolSpec
	if broker != nil {
		var err error
		tools, err = broker.Tools(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("failed to list tools: %w", err)
		}
	}

	return r.executeWithFailover(ctx, broker, messages, tools, systemPrompt)
}

// executeWithFailover tries provider profiles in priority order.
func (r *Runner) executeWithFailover(ctx context.Context, broker ToolBroker, messages []Message, tools []ToolSpec, systemPrompt string) (Result, error) {
	r.authMu.RLock()
	profiles := make([]Profile, len(r.profiles))
	copy(profiles, r.profiles)
	r.authMu.RUnlock()

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	var lastErr error

	for _, profile := range profiles {
		profileStart := time.Now()

		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			r.logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := r.factory.NewProvider(profile)
		if err != nil {
			r.logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		result, err := r.executeWithTools(ctx, provider, broker, messages, tools, systemPrompt)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			observability.RecordAgentRun(profile.Provider, time.Since(profileStart), true)
			return result, nil
		}

		lastErr = err
		observability.RecordAgentRun(profile.Provider, time.Since(profileStart), false)
		r.logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Provider profile failed")
		r.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return Result{}, err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable provider profile")
	}
	return Result{}, fmt.Errorf("all provider profiles failed: %w", lastErr)
}

// executeWithTools handles the tool execution loop
func (r *Runner) executeWithTools(ctx context.Context, provider LLMProvider, broker ToolBroker, messages []Message, tools []ToolSpec, systemPrompt string) (Result, error) {
	currentMessages := messages
	allToolCalls := []ToolCall{}

	for turn := 0; turn < r.opts.MaxIterations; turn++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		response, err := r.callWithRetry(ctx, provider, currentMessages, tools, systemPrompt)
		if err != nil {
			return Result{}, err
		}

		if len(response.ToolCalls) == 0 {
			return Result{
				Response:  response.Content,
				ToolCalls: allToolCalls,
				Usage:     response.Usage,
			}, nil
		}

		toolResults := []ToolResult{}
		for _, toolCall := range response.ToolCalls {
			callStart := time.Now()
			output, err := broker.CallTool(ctx, toolCall.Name, toolCall.Parameters)
			observability.RecordToolCall(toolCall.Name, time.Since(callStart), err == nil)

			result := ToolResult{ToolCallID: toolCall.ID, Output: output}
			if err != nil {
				result.Error = err.Error()
				r.logger.Warn().Str("tool", toolCall.Name).Err(err).Msg("Tool call failed")
			}
			toolResults = append(toolResults, result)
		}

		currentMessages = append(currentMessages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, result := range toolResults {
			content := result.Output
			if result.Error != "" {
				content = result.Error
			}
			currentMessages = append(currentMessages, Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: result.ToolCallID,
			})
		}

		allToolCalls = append(allToolCalls, response.ToolCalls...)
	}

	return Result{}, fmt.Errorf("maximum tool execution turns (%d) exceeded", r.opts.MaxIterations)
}

// callWithRetry calls the provider with exponential backoff
func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, messages []Message, tools []ToolSpec, systemPrompt string) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt < r.opts.MaxRetries; attempt++ {
		response, err := provider.Call(ctx, LLMRequest{
			Model:        r.opts.Model,
			Messages:     messages,
			Tools:        tools,
			Temperature:  r.opts.Temperature,
			MaxTokens:    r.opts.MaxTokens,
			SystemPrompt: systemPrompt,
		})
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == r.opts.MaxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delay := time.Duration(1<<attempt) * time.Second
		r.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.opts.MaxRetries, lastErr)
}

// updateProfileSuccess resets failure count for a profile
func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.profiles {
		if r.profiles[i].ID == profileID {
			r.profiles[i].FailureCount = 0
			r.profiles[i].CooldownUntil = nil
			break
		}
	}
}

// updateProfileFailure marks a profile as failed and applies a cooldown
// that grows with the consecutive failure count.
func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.profiles {
		if r.profiles[i].ID == profileID {
			r.profiles[i].FailureCount++
			cooldown := time.Now().UnixMilli() + int64(60000*r.profiles[i].FailureCount)
			r.profiles[i].CooldownUntil = &cooldown
			break
		}
	}
}
