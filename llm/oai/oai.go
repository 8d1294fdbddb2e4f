// Package oai implements llm.Service over an OpenAI-compatible chat
// completions endpoint.
package oai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"

	"servimatch.dev/llm"
)

const (
	DefaultModel     = "gpt-4.1-mini"
	DefaultMaxTokens = 512

	maxAttempts = 3
)

// Config configures a Service.
type Config struct {
	APIKey  string
	BaseURL string // empty means the OpenAI default
	Model   string // defaults to DefaultModel

	// Timeout bounds each individual completion call. Defaults to 5s.
	Timeout time.Duration
	// MaxInFlight bounds process-wide concurrent completions. Defaults to 5.
	MaxInFlight int64
}

// Service provides completions over an OpenAI-compatible API, with a bounded
// per-call timeout, a process-wide concurrency limit, and a circuit breaker
// that sheds calls while the provider is unhealthy.
type Service struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker[*llm.Response]
}

var _ llm.Service = (*Service)(nil)

// New returns a configured Service.
func New(cfg Config) *Service {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	inFlight := cfg.MaxInFlight
	if inFlight <= 0 {
		inFlight = 5
	}
	breaker := gobreaker.NewCircuitBreaker[*llm.Response](gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("llm breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Service{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		timeout: timeout,
		sem:     semaphore.NewWeighted(inFlight),
		breaker: breaker,
	}
}

// Complete implements llm.Service.
func (s *Service) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("llm acquire: %w", err)
	}
	defer s.sem.Release(1)

	resp, err := s.breaker.Execute(func() (*llm.Response, error) {
		return s.complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", llm.ErrUnavailable)
		}
		return nil, err
	}
	return resp, nil
}

func (s *Service) complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.User,
	})

	ccr := openai.ChatCompletionRequest{
		Model:     s.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if ccr.MaxTokens == 0 {
		ccr.MaxTokens = DefaultMaxTokens
	}
	if req.ForceJSON {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			// Exponential backoff with jitter before retrying.
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			backoff += time.Duration(rand.Int64N(int64(250 * time.Millisecond)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", llm.ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		resp, err := s.client.CreateChatCompletion(callCtx, ccr)
		cancel()
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, fmt.Errorf("llm: empty choices")
			}
			return &llm.Response{Text: resp.Choices[0].Message.Content}, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		slog.WarnContext(ctx, "llm call failed, retrying", "attempt", attempt+1, "error", err)
	}
	if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, context.Canceled) {
		return nil, fmt.Errorf("%w: %v", llm.ErrUnavailable, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", llm.ErrUnavailable, lastErr)
}

// retryable reports whether err is worth another attempt: rate limits and
// server-side failures are, schema and auth errors are not.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Transport-level errors (connection refused, timeouts) are retryable.
	return true
}
