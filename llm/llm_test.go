package llm

import (
	"context"
	"errors"
	"testing"
)

type stubService struct {
	text string
	err  error
}

func (s stubService) Complete(ctx context.Context, req *Request) (*Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Text: s.text}, nil
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"Here you go: {\"a\": 1} hope that helps", `{"a": 1}`, true},
		{"no object here", "", false},
		{"{broken", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		raw, ok := ExtractJSON(tt.in)
		if ok != tt.ok {
			t.Errorf("ExtractJSON(%q) ok=%v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && string(raw) != tt.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, raw, tt.want)
		}
	}
}

func TestCompleteJSON(t *testing.T) {
	ctx := context.Background()

	var out struct {
		IsValid  bool   `json:"is_valid"`
		Category string `json:"category"`
	}
	svc := stubService{text: "```json\n{\"is_valid\": true, \"category\": \"valid\"}\n```"}
	if err := CompleteJSON(ctx, svc, &Request{User: "x"}, &out); err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if !out.IsValid || out.Category != "valid" {
		t.Errorf("decoded %+v", out)
	}

	if err := CompleteJSON(ctx, stubService{text: "not json"}, &Request{User: "x"}, &out); err == nil {
		t.Error("expected error for non-JSON answer")
	}

	wantErr := errors.New("boom")
	if err := CompleteJSON(ctx, stubService{err: wantErr}, &Request{User: "x"}, &out); !errors.Is(err, wantErr) {
		t.Errorf("expected wrapped service error, got %v", err)
	}
}
