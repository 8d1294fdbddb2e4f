// Package availability coordinates real-time provider probing: it fans out
// availability prompts to candidates over the transport, polls the K/V store
// for their responses, and returns the acceptors in arrival order within a
// bounded wall-clock window.
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"servimatch.dev/kv"
	"servimatch.dev/provider"
	"servimatch.dev/transport"
)

// Probe statuses. External provider-side ingress flips pending to accepted
// or rejected; the coordinator only ever writes pending and failed_to_send
// after dispatch.
const (
	StatusPending      = "pending"
	StatusAccepted     = "accepted"
	StatusRejected     = "rejected"
	StatusFailedToSend = "failed_to_send"
)

// Probe is the transient K/V record for one (request, provider) pair.
type Probe struct {
	Status       string `json:"status"`
	Code         string `json:"code"`
	Service      string `json:"service"`
	City         string `json:"city,omitempty"`
	ProviderID   string `json:"provider_id,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
	RequestedAt  string `json:"requested_at"`
	RespondedAt  string `json:"responded_at,omitempty"`
}

// Response is one observed probe outcome.
type Response struct {
	Phone  string
	Status string
	At     time.Time
}

// Outcome is the result of one coordination run.
type Outcome struct {
	// Accepted holds the acceptors in the order the coordinator first
	// observed their acceptance while polling.
	Accepted []provider.Summary
	// Responded lists every probe that reached a terminal status.
	Responded []Response
	// TimedOut reports that the deadline elapsed with probes still pending.
	TimedOut bool
}

// Config bounds a coordination run.
type Config struct {
	// Timeout is the wall-clock window to wait for responses. Default 45s.
	Timeout time.Duration
	// ProbeTTL is the K/V lifetime of probe records. Default 120s.
	ProbeTTL time.Duration
	// PollInterval is the sleep between poll sweeps. Default 1s.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	if c.ProbeTTL <= 0 {
		c.ProbeTTL = 120 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Coordinator runs availability probes. Multiple conversations may run
// coordinations in parallel; each run is a single logical task.
type Coordinator struct {
	kv        *kv.Store
	messenger transport.Messenger
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New returns a Coordinator. now may be nil.
func New(kvStore *kv.Store, messenger transport.Messenger, cfg Config, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		kv:        kvStore,
		messenger: messenger,
		cfg:       cfg.withDefaults(),
		now:       now,
		entropy:   ulid.Monotonic(ulidReader{}, 0),
	}
}

// ulidReader adapts math/rand-free entropy; crypto-strength is unnecessary
// for request ids, but ulid requires an io.Reader.
type ulidReader struct{}

func (ulidReader) Read(p []byte) (int, error) {
	now := time.Now().UnixNano()
	for i := range p {
		now = now*6364136223846793005 + 1442695040888963407
		p[i] = byte(now >> 32)
	}
	return len(p), nil
}

// NewRequestID builds a globally unique request id from the caller's seed.
// The millisecond timestamp keeps ids sortable; the monotonic ULID suffix
// guarantees uniqueness even within one millisecond.
func (c *Coordinator) NewRequestID(seed string) string {
	now := c.now()
	c.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), c.entropy)
	c.mu.Unlock()
	return fmt.Sprintf("%s-%d-%s", seed, now.UnixMilli(), id.String())
}

// ShortCode derives the six-character code providers echo back: the last six
// alphanumeric characters of the request id, uppercased.
func ShortCode(reqID string) string {
	var tail []byte
	for i := len(reqID) - 1; i >= 0 && len(tail) < 6; i-- {
		ch := reqID[i]
		if ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' {
			tail = append(tail, ch)
		}
	}
	// Reverse into reading order.
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return strings.ToUpper(string(tail))
}

// candidate pairs a normalized contact phone with its summary.
type candidate struct {
	phone   string
	summary provider.Summary
}

// Run probes the candidates and waits for responses until the deadline.
// Candidates without a contactable phone are skipped. Failure to dispatch to
// some candidates does not abort the run. When ctx is canceled the
// coordinator stops polling and leaves outstanding probes to expire.
func (c *Coordinator) Run(ctx context.Context, reqID, service, city string, candidates []provider.Summary) (Outcome, error) {
	if len(candidates) == 0 {
		return Outcome{}, nil
	}

	code := ShortCode(reqID)

	// Index candidates by normalized phone, preserving input order for
	// equal-poll tie-breaks.
	var ordered []candidate
	seen := make(map[string]bool)
	for _, cand := range candidates {
		contact := cand.ContactPhone()
		if contact == "" || provider.IsLinkedDevice(contact) {
			slog.InfoContext(ctx, "skipping candidate without contactable phone",
				"provider_id", cand.ID)
			continue
		}
		phone := provider.NormalizePhone(contact)
		if phone == "" || seen[phone] {
			continue
		}
		seen[phone] = true
		ordered = append(ordered, candidate{phone: phone, summary: cand})
	}
	if len(ordered) == 0 {
		return Outcome{}, nil
	}

	failed := c.dispatch(ctx, reqID, code, service, city, ordered)
	return c.wait(ctx, reqID, ordered, failed)
}

// dispatch writes the pending probe, registers the request on the provider's
// pending list, and sends the prompt, for every candidate concurrently. It
// returns the set of phones whose sends failed.
func (c *Coordinator) dispatch(ctx context.Context, reqID, code, service, city string, ordered []candidate) map[string]bool {
	var (
		mu     sync.Mutex
		failed = make(map[string]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, cand := range ordered {
		g.Go(func() error {
			probe := Probe{
				Status:       StatusPending,
				Code:         code,
				Service:      service,
				City:         city,
				ProviderID:   cand.summary.ID,
				ProviderName: cand.summary.FullName,
				RequestedAt:  c.now().UTC().Format(time.RFC3339),
			}
			if err := c.kv.SetJSON(gctx, kv.ProbeKey(reqID, cand.phone), probe, c.cfg.ProbeTTL); err != nil {
				slog.WarnContext(gctx, "probe write failed", "phone", cand.phone, "error", err)
				mu.Lock()
				failed[cand.phone] = true
				mu.Unlock()
				return nil
			}
			if err := c.kv.PushList(gctx, kv.PendingKey(cand.phone), reqID, c.cfg.ProbeTTL); err != nil {
				slog.WarnContext(gctx, "pending list update failed", "phone", cand.phone, "error", err)
			}
			if err := c.messenger.Send(gctx, cand.phone, c.promptMessage(service, city, code)); err != nil {
				slog.WarnContext(gctx, "availability prompt send failed",
					"phone", cand.phone, "error", err)
				probe.Status = StatusFailedToSend
				if werr := c.kv.SetJSON(gctx, kv.ProbeKey(reqID, cand.phone), probe, c.cfg.ProbeTTL); werr != nil {
					slog.WarnContext(gctx, "probe failure update failed", "phone", cand.phone, "error", werr)
				}
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

// promptMessage is the short availability question sent to each candidate.
func (c *Coordinator) promptMessage(service, city, code string) transport.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "¿Estás disponible ahora para un trabajo de *%s*", service)
	if city != "" {
		fmt.Fprintf(&b, " en %s", city)
	}
	fmt.Fprintf(&b, "? (solicitud %s)\n1. Sí, disponible\n2. No disponible", code)
	return transport.Buttons(b.String(), "Sí, disponible", "No disponible")
}

// wait polls probe records until every candidate resolved or the deadline
// passed. Responses are recorded in observation order; a response observed
// at or after the deadline is not included.
func (c *Coordinator) wait(ctx context.Context, reqID string, ordered []candidate, failed map[string]bool) (Outcome, error) {
	deadline := c.now().Add(c.cfg.Timeout)
	byPhone := make(map[string]provider.Summary, len(ordered))
	pending := make([]string, 0, len(ordered))
	for _, cand := range ordered {
		byPhone[cand.phone] = cand.summary
		if !failed[cand.phone] {
			pending = append(pending, cand.phone)
		}
	}

	var out Outcome
	for _, cand := range ordered {
		if failed[cand.phone] {
			out.Responded = append(out.Responded, Response{
				Phone: cand.phone, Status: StatusFailedToSend, At: c.now(),
			})
		}
	}

	defer c.cleanup(reqID, pendingPhones(ordered))

	for len(pending) > 0 && c.now().Before(deadline) {
		remaining := pending[:0]
		for _, phone := range pending {
			var probe Probe
			ok, err := c.kv.GetJSON(ctx, kv.ProbeKey(reqID, phone), &probe)
			if err != nil {
				slog.WarnContext(ctx, "probe read failed", "phone", phone, "error", err)
				remaining = append(remaining, phone)
				continue
			}
			if !ok || probe.Status == StatusPending {
				remaining = append(remaining, phone)
				continue
			}
			out.Responded = append(out.Responded, Response{
				Phone: phone, Status: probe.Status, At: c.now(),
			})
			if probe.Status == StatusAccepted {
				out.Accepted = append(out.Accepted, byPhone[phone])
			}
		}
		pending = remaining
		if len(pending) == 0 {
			break
		}
		if err := c.sleep(ctx); err != nil {
			// Canceled: stop polling, outstanding probes expire naturally.
			slog.InfoContext(ctx, "availability polling canceled", "pending", len(pending))
			return out, err
		}
	}

	out.TimedOut = len(pending) > 0
	return out, nil
}

func pendingPhones(ordered []candidate) []string {
	phones := make([]string, len(ordered))
	for i, cand := range ordered {
		phones[i] = cand.phone
	}
	return phones
}

func (c *Coordinator) sleep(ctx context.Context) error {
	t := time.NewTimer(c.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cleanup removes reqID from every candidate's pending list. It runs on a
// fresh context so a canceled run still cleans up deterministically.
func (c *Coordinator) cleanup(reqID string, phones []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, phone := range phones {
		if err := c.kv.RemoveFromList(ctx, kv.PendingKey(phone), reqID); err != nil {
			slog.Warn("pending list cleanup failed", "phone", phone, "error", err)
		}
	}
}

// RecordResponse flips a pending probe to accepted or rejected. The
// provider-side conversation is external to this package, but the probe
// schema is owned here, so the writer lives here too. A probe that already
// reached a terminal status is left untouched, keeping exactly one terminal
// record per (request, provider) pair.
func (c *Coordinator) RecordResponse(ctx context.Context, reqID, phone string, accepted bool) error {
	phone = provider.NormalizePhone(phone)
	key := kv.ProbeKey(reqID, phone)
	var probe Probe
	ok, err := c.kv.GetJSON(ctx, key, &probe)
	if err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	if !ok {
		return fmt.Errorf("record response: no probe for request %s provider %s", reqID, phone)
	}
	if probe.Status != StatusPending {
		return nil
	}
	if accepted {
		probe.Status = StatusAccepted
	} else {
		probe.Status = StatusRejected
	}
	probe.RespondedAt = c.now().UTC().Format(time.RFC3339)
	if err := c.kv.SetJSON(ctx, key, probe, c.cfg.ProbeTTL); err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	return nil
}
