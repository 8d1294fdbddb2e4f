// Package safety classifies inbound text before it reaches the interpreter
// and enforces the two-strike warning/ban discipline per phone.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"servimatch.dev/kv"
	"servimatch.dev/llm"
)

const (
	// WarningTTL is how long a warning counter lives.
	WarningTTL = 15 * time.Minute
	// BanTTL is how long a ban lasts.
	BanTTL = 15 * time.Minute
)

// Kind is the outcome of classifying one inbound message.
type Kind int

const (
	// KindValid lets the message through untouched.
	KindValid Kind = iota
	// KindNonsense asks the user to reformulate; no strike is recorded.
	KindNonsense
	// KindWarned records the first strike and warns the user.
	KindWarned
	// KindBanned records the second strike and bans the phone.
	KindBanned
)

// Verdict is the gate's decision for one message.
type Verdict struct {
	Kind Kind
	// Category is the raw classifier category (illegal, inappropriate, ...).
	Category string
	// ExpiresAt is when a ban lifts; set only for KindBanned.
	ExpiresAt time.Time
}

// WarningCounter is the per-phone strike record.
type WarningCounter struct {
	Count         int       `json:"count"`
	LastWarningAt time.Time `json:"last_warning_at"`
	LastOffense   string    `json:"last_offense"`
}

// Ban is the per-phone temporary block record.
type Ban struct {
	BannedAt  time.Time `json:"banned_at"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Gate runs the classifier and keeps the per-phone counters.
type Gate struct {
	llm llm.Service
	kv  *kv.Store
	now func() time.Time
}

// New returns a Gate. now may be nil, in which case time.Now is used.
func New(svc llm.Service, kvStore *kv.Store, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{llm: svc, kv: kvStore, now: now}
}

// Banned reports whether the phone has a live ban. It runs before any
// classification so banned traffic never reaches the LLM.
func (g *Gate) Banned(ctx context.Context, phone string) (bool, error) {
	var ban Ban
	ok, err := g.kv.GetJSON(ctx, kv.BanKey(phone), &ban)
	if err != nil {
		return false, fmt.Errorf("read ban: %w", err)
	}
	if !ok {
		return false, nil
	}
	return g.now().Before(ban.ExpiresAt), nil
}

const classifyPrompt = `Eres un filtro de contenido para un servicio de contratación de profesionales.
Clasifica el mensaje del usuario. Responde SOLO un objeto JSON:
{"is_valid": bool, "category": "valid"|"illegal"|"inappropriate"|"nonsense"|"false", "reason": "..."}

- "valid": una solicitud o descripción razonable de un servicio o problema.
- "illegal": pide algo ilegal.
- "inappropriate": contenido ofensivo o sexual.
- "nonsense": texto sin sentido o aleatorio.
- "false": contenido engañoso o spam.`

type classification struct {
	IsValid  bool   `json:"is_valid"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// Classify runs the content classifier and applies the strike discipline.
// When the LLM is unavailable the gate fails open: the interpreter downstream
// still applies its own semantic checks.
func (g *Gate) Classify(ctx context.Context, phone, text string) (Verdict, error) {
	var result classification
	err := llm.CompleteJSON(ctx, g.llm, &llm.Request{
		System: classifyPrompt,
		User:   text,
	}, &result)
	if err != nil {
		slog.WarnContext(ctx, "safety classification unavailable, failing open", "error", err)
		return Verdict{Kind: KindValid}, nil
	}

	switch result.Category {
	case "valid":
		return Verdict{Kind: KindValid, Category: result.Category}, nil
	case "nonsense", "false":
		return Verdict{Kind: KindNonsense, Category: result.Category}, nil
	case "illegal", "inappropriate":
		return g.strike(ctx, phone, result)
	default:
		// Unknown category from the model; treat as valid rather than punish.
		slog.WarnContext(ctx, "unknown safety category", "category", result.Category)
		return Verdict{Kind: KindValid, Category: result.Category}, nil
	}
}

// strike reads the warning counter and escalates to a ban on the second
// offense within the counter TTL.
func (g *Gate) strike(ctx context.Context, phone string, result classification) (Verdict, error) {
	now := g.now()

	var counter WarningCounter
	_, err := g.kv.GetJSON(ctx, kv.WarningsKey(phone), &counter)
	if err != nil {
		return Verdict{}, fmt.Errorf("read warning counter: %w", err)
	}

	if counter.Count == 0 {
		counter = WarningCounter{Count: 1, LastWarningAt: now, LastOffense: result.Category}
		if err := g.kv.SetJSON(ctx, kv.WarningsKey(phone), counter, WarningTTL); err != nil {
			return Verdict{}, fmt.Errorf("write warning counter: %w", err)
		}
		slog.InfoContext(ctx, "content warning issued", "category", result.Category)
		return Verdict{Kind: KindWarned, Category: result.Category}, nil
	}

	ban := Ban{BannedAt: now, Reason: result.Category, ExpiresAt: now.Add(BanTTL)}
	if err := g.kv.SetJSON(ctx, kv.BanKey(phone), ban, BanTTL); err != nil {
		return Verdict{}, fmt.Errorf("write ban: %w", err)
	}
	slog.InfoContext(ctx, "phone banned", "category", result.Category, "expires_at", ban.ExpiresAt)
	return Verdict{Kind: KindBanned, Category: result.Category, ExpiresAt: ban.ExpiresAt}, nil
}
