// Package analysis is the boundary to the language-model capability used
// for promise detection, consequence prediction, payoff validation and
// conflict judgment. All model outputs are advisory: numeric fields are
// clamped and free text is stored, never parsed for control flow.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sashabaranov/go-openai"

	"storyloom/server/internal/config"
)

// ErrUnavailable marks a transient transport or provider failure. The
// caller may retry the whole analyze-then-apply operation; nothing was
// persisted.
var ErrUnavailable = errors.New("analysis unavailable")

// ErrTimeout marks a deadline hit on an analysis call.
var ErrTimeout = errors.New("analysis timeout")

const (
	maxRetries = 3
	retryDelay = 1 * time.Second
)

// ChatClient talks to an OpenAI-compatible chat completion endpoint.
type ChatClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// NewChatClient builds a client from config. BaseURL may point at any
// OpenAI-compatible provider.
func NewChatClient(cfg config.AnalysisConfig) *ChatClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}

	return &ChatClient{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: float32(cfg.Temperature),
		timeout:     cfg.Timeout,
	}
}

// Complete sends one user prompt and returns the model's text. The call
// is bounded by the configured timeout unless the caller's context is
// already tighter.
func (c *ChatClient) Complete(ctx context.Context, prompt string) (string, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", classify(ctx.Err())
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			lastErr = err
			if !retryable(err) {
				break
			}
			continue
		}

		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("no choices returned")
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}

	return "", classify(lastErr)
}

func classify(err error) error {
	switch {
	case err == nil:
		return ErrUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
