// Package llm provides a unified interface for the language-model calls the
// conversation core makes: content-safety classification, need extraction,
// and city extraction. All of them are single-shot prompts, most of them with
// a JSON-object answer.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Service sends a single completion request to an LLM.
type Service interface {
	Complete(context.Context, *Request) (*Response, error)
}

// ErrUnavailable reports that the LLM could not be reached, timed out, or is
// temporarily shed by the circuit breaker. Callers decide whether to fail
// open or closed.
var ErrUnavailable = errors.New("llm: unavailable")

// Request is a single-shot prompt.
type Request struct {
	// System is the instruction framing; may be empty.
	System string
	// User is the user-visible content of the prompt.
	User string
	// ForceJSON asks the provider to produce a JSON object answer.
	ForceJSON bool
	// MaxTokens bounds the answer; zero means the provider default.
	MaxTokens int
}

// Response is the model's answer.
type Response struct {
	Text string
}

// CompleteJSON runs a completion and unmarshals the JSON object in the answer
// into dst. Providers occasionally wrap the object in code fences or prose;
// ExtractJSON tolerates that.
func CompleteJSON(ctx context.Context, s Service, req *Request, dst any) error {
	req.ForceJSON = true
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return err
	}
	raw, ok := ExtractJSON(resp.Text)
	if !ok {
		return fmt.Errorf("llm: no JSON object in answer %q", truncate(resp.Text, 200))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("llm: decode answer: %w", err)
	}
	return nil
}

// ExtractJSON returns the first top-level JSON object embedded in s.
func ExtractJSON(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	// Strip markdown code fences if present.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, false
	}
	return raw, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
