// Package logx defines process-wide logging types and functions.
//
// Logging happens via slog. Per-turn attributes (phone, message id) travel in
// the context so that every log line emitted while handling an inbound message
// carries them without threading a logger through every call.
package logx

import (
	"context"
	"log/slog"
	"slices"
)

type attrsKey struct{}

// ContextWithAttr returns a context carrying the given attrs in addition to
// any attrs already present.
func ContextWithAttr(ctx context.Context, add ...slog.Attr) context.Context {
	attrs := slices.Clone(Attrs(ctx))
	attrs = append(attrs, add...)
	return context.WithValue(ctx, attrsKey{}, attrs)
}

// Attrs returns the attrs carried by ctx, if any.
func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}

// AttrsWrap wraps h so that records are augmented with the attrs carried by
// the context.
func AttrsWrap(h slog.Handler) slog.Handler {
	return &augmentHandler{Handler: h}
}

type augmentHandler struct {
	slog.Handler
}

func (h *augmentHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(Attrs(ctx)...)
	return h.Handler.Handle(ctx, r)
}

// RedactPhone masks all but the last four digits of a phone number for log
// sinks that leave the process.
func RedactPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return phone
	}
	keep := 4
	out := []rune(phone)
	seen := 0
	for i, r := range out {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= digits-keep {
				out[i] = '*'
			}
		}
	}
	return string(out)
}
