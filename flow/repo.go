package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"servimatch.dev/kv"
)

// DefaultTTL is the flow record TTL when none is configured.
const DefaultTTL = 24 * time.Hour

// Repo stores flow records in the K/V store under flow:<phone>.
type Repo struct {
	kv  *kv.Store
	ttl time.Duration
}

// NewRepo returns a Repo. A non-positive ttl means DefaultTTL.
func NewRepo(kvStore *kv.Store, ttl time.Duration) *Repo {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Repo{kv: kvStore, ttl: ttl}
}

// Load returns the flow for phone, or a fresh one when none exists. Corrupt
// records are logged and replaced by a fresh flow rather than surfaced.
func (r *Repo) Load(ctx context.Context, phone string) (*Flow, error) {
	var f Flow
	ok, err := r.kv.GetJSON(ctx, kv.FlowKey(phone), &f)
	if err != nil {
		if ok {
			// The key exists but does not decode; reset the conversation.
			slog.ErrorContext(ctx, "corrupt flow record, resetting", "error", err)
			if delErr := r.kv.Delete(ctx, kv.FlowKey(phone)); delErr != nil {
				return nil, fmt.Errorf("reset corrupt flow: %w", delErr)
			}
			return New(phone), nil
		}
		return nil, fmt.Errorf("load flow: %w", err)
	}
	if !ok {
		return New(phone), nil
	}
	f.Phone = phone
	f.Normalize()
	return &f, nil
}

// Store overwrites the flow record and refreshes its TTL.
func (r *Repo) Store(ctx context.Context, f *Flow) error {
	if err := r.kv.SetJSON(ctx, kv.FlowKey(f.Phone), f, r.ttl); err != nil {
		return fmt.Errorf("store flow: %w", err)
	}
	return nil
}

// Reset deletes the flow record.
func (r *Repo) Reset(ctx context.Context, phone string) error {
	if err := r.kv.Delete(ctx, kv.FlowKey(phone)); err != nil {
		return fmt.Errorf("reset flow: %w", err)
	}
	return nil
}
