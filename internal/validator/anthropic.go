package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicEngine asks a Claude model for a verdict through the Messages
// API. The validator's model overrides DefaultModel.
type AnthropicEngine struct {
	DefaultModel string
	APIKey       string
	MaxTokens    int64

	mu     sync.Mutex
	client *anthropic.Client
}

// Name implements Engine.
func (e *AnthropicEngine) Name() string { return "anthropic" }

func (e *AnthropicEngine) ensureClient() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	key := e.apiKey()
	if key == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set: %w", ErrValidatorUnavailable)
	}
	client := anthropic.NewClient(option.WithAPIKey(key))
	e.client = &client
	return nil
}

// apiKey prefers the configured key over ANTHROPIC_API_KEY.
func (e *AnthropicEngine) apiKey() string {
	if e.APIKey != "" {
		return e.APIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

// Run implements Engine.
func (e *AnthropicEngine) Run(ctx context.Context, req Request) (Result, error) {
	if err := e.ensureClient(); err != nil {
		return Result{}, err
	}
	model := req.Validator.Model
	if model == "" {
		model = e.DefaultModel
	}
	maxTokens := e.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	t0 := time.Now()
	message, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) {
			return Result{}, fmt.Errorf("anthropic: %v: %w", err, ErrValidatorUnavailable)
		}
		return Result{}, fmt.Errorf("anthropic request failed after %s: %w", time.Since(t0).Round(time.Millisecond), err)
	}
	if len(message.Content) == 0 {
		return Result{}, fmt.Errorf("unexpected response format: no content blocks")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return Result{}, fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
	}
	r, err := ParseVerdict(content.Text)
	if err != nil {
		return Result{}, fmt.Errorf("model %s: %w", model, err)
	}
	r.Model = model
	return r, nil
}
