package availability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"servimatch.dev/kv"
	"servimatch.dev/provider"
	"servimatch.dev/transport"
)

func newStore(t *testing.T) (*kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return kv.New(rdb, time.Second), mr
}

func fastConfig() Config {
	return Config{
		Timeout:      300 * time.Millisecond,
		ProbeTTL:     time.Minute,
		PollInterval: 5 * time.Millisecond,
	}
}

type messengerFunc func(ctx context.Context, to string, msg transport.Message) error

func (f messengerFunc) Send(ctx context.Context, to string, msg transport.Message) error {
	return f(ctx, to, msg)
}

func TestShortCode(t *testing.T) {
	tests := []struct {
		reqID string
		want  string
	}{
		{"cust-1712000000-01hxyzabc9", "YZABC9"},
		{"a-b-c9", "ABC9"},
		{"", ""},
		{"----", ""},
	}
	for _, tt := range tests {
		if got := ShortCode(tt.reqID); got != tt.want {
			t.Errorf("ShortCode(%q) = %q, want %q", tt.reqID, got, tt.want)
		}
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	store, _ := newStore(t)
	c := New(store, transport.NewRecorder(), fastConfig(), nil)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := c.NewRequestID("5939955")
		if !strings.HasPrefix(id, "5939955-") {
			t.Fatalf("id %q missing seed prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}

func TestRunNoCandidatesSendsNothing(t *testing.T) {
	store, _ := newStore(t)
	rec := transport.NewRecorder()
	c := New(store, rec, fastConfig(), nil)

	out, err := c.Run(context.Background(), "req-1-abc", "plomero", "Quito", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.TimedOut || len(out.Accepted) != 0 || len(out.Responded) != 0 {
		t.Errorf("outcome = %+v, want zero", out)
	}
	if n := len(rec.SentMessages()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestRunSkipsNonContactable(t *testing.T) {
	store, _ := newStore(t)
	rec := transport.NewRecorder()
	c := New(store, rec, fastConfig(), nil)

	candidates := []provider.Summary{
		{ID: "p1"},                          // no phone at all
		{ID: "p2", Phone: "998877@lid"},     // linked device, not dialable
		{ID: "p3", Phone: "no-digits-here"}, // normalizes to nothing
	}
	out, err := c.Run(context.Background(), "req-2-def", "plomero", "", candidates)
	if err != nil {
		t.Fatal(err)
	}
	if out.TimedOut || len(out.Responded) != 0 {
		t.Errorf("outcome = %+v, want zero", out)
	}
	if n := len(rec.SentMessages()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestRunCollectsAcceptorsInArrivalOrder(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	reqID := "5939955-1712000000000-01HXYZ"

	p1 := provider.Summary{ID: "p1", FullName: "Ana", RealPhone: "+593991111@c.us"}
	p2 := provider.Summary{ID: "p2", FullName: "Bruno", Phone: "593992222@c.us"}

	var c *Coordinator
	// Respond as soon as the prompt arrives: p1 accepts, p2 rejects.
	m := messengerFunc(func(ctx context.Context, to string, msg transport.Message) error {
		if !strings.Contains(msg.Response, "plomero") || !strings.Contains(msg.Response, ShortCode(reqID)) {
			t.Errorf("prompt to %s = %q", to, msg.Response)
		}
		return c.RecordResponse(ctx, reqID, to, to == "593991111")
	})
	c = New(store, m, fastConfig(), nil)

	out, err := c.Run(ctx, reqID, "plomero", "Quito", []provider.Summary{p1, p2})
	if err != nil {
		t.Fatal(err)
	}
	if out.TimedOut {
		t.Error("unexpected timeout")
	}
	if len(out.Accepted) != 1 || out.Accepted[0].ID != "p1" {
		t.Fatalf("accepted = %+v", out.Accepted)
	}
	if len(out.Responded) != 2 {
		t.Fatalf("responded = %+v", out.Responded)
	}

	// Pending lists must be cleaned up after the run.
	for _, phone := range []string{"593991111", "593992222"} {
		if vals, _ := mr.List(kv.PendingKey(phone)); len(vals) != 0 {
			t.Errorf("pending list for %s = %v, want empty", phone, vals)
		}
	}
}

func TestRunTimesOutWithoutResponses(t *testing.T) {
	store, mr := newStore(t)
	rec := transport.NewRecorder()
	cfg := fastConfig()
	cfg.Timeout = 40 * time.Millisecond
	c := New(store, rec, cfg, nil)
	reqID := "req-3-ghi"

	out, err := c.Run(context.Background(), reqID, "electricista", "", []provider.Summary{
		{ID: "p1", Phone: "593991111@c.us"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.TimedOut {
		t.Error("expected timeout")
	}
	if len(out.Accepted) != 0 {
		t.Errorf("accepted = %+v", out.Accepted)
	}
	// The probe stays for the provider-side conversation to resolve, but the
	// request is removed from the pending list.
	if !mr.Exists(kv.ProbeKey(reqID, "593991111")) {
		t.Error("probe record should outlive the run")
	}
	if vals, _ := mr.List(kv.PendingKey("593991111")); len(vals) != 0 {
		t.Errorf("pending list = %v, want empty", vals)
	}
}

func TestRunMarksFailedSends(t *testing.T) {
	store, _ := newStore(t)
	rec := transport.NewRecorder()
	rec.FailFor("593991111", errors.New("gateway down"))
	c := New(store, rec, fastConfig(), nil)
	reqID := "req-4-jkl"

	out, err := c.Run(context.Background(), reqID, "plomero", "Quito", []provider.Summary{
		{ID: "p1", Phone: "593991111@c.us"},
		{ID: "p2", Phone: "593992222@c.us"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var sawFailed bool
	for _, r := range out.Responded {
		if r.Phone == "593991111" && r.Status == StatusFailedToSend {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Errorf("responded = %+v, want failed_to_send for 593991111", out.Responded)
	}
	// The healthy candidate still got the prompt and timed out on its own.
	if n := len(rec.SentTo("593992222")); n != 1 {
		t.Errorf("sent %d prompts to healthy candidate, want 1", n)
	}
	if !out.TimedOut {
		t.Error("healthy candidate never answered, expected timeout")
	}

	var probe Probe
	if ok, err := store.GetJSON(context.Background(), kv.ProbeKey(reqID, "593991111"), &probe); err != nil || !ok {
		t.Fatalf("probe read: ok=%v err=%v", ok, err)
	}
	if probe.Status != StatusFailedToSend {
		t.Errorf("probe status = %q, want failed_to_send", probe.Status)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store, _ := newStore(t)
	rec := transport.NewRecorder()
	cfg := fastConfig()
	cfg.Timeout = 10 * time.Second
	c := New(store, rec, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Run(ctx, "req-5-mno", "plomero", "", []provider.Summary{
		{ID: "p1", Phone: "593991111@c.us"},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %v after cancel", elapsed)
	}
}

func TestRecordResponseOnlyFlipsPending(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	c := New(store, transport.NewRecorder(), fastConfig(), nil)
	reqID := "req-6-pqr"
	key := kv.ProbeKey(reqID, "593991111")

	if err := c.RecordResponse(ctx, reqID, "593991111", true); err == nil {
		t.Error("expected error for missing probe")
	}

	seed := Probe{Status: StatusPending, Code: "ABC123", RequestedAt: "2026-08-26T00:00:00Z"}
	if err := store.SetJSON(ctx, key, seed, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordResponse(ctx, reqID, "593991111@c.us", true); err != nil {
		t.Fatal(err)
	}
	var probe Probe
	if _, err := store.GetJSON(ctx, key, &probe); err != nil {
		t.Fatal(err)
	}
	if probe.Status != StatusAccepted || probe.RespondedAt == "" {
		t.Fatalf("probe = %+v", probe)
	}

	// A second, contradictory response must not overwrite the first.
	if err := c.RecordResponse(ctx, reqID, "593991111", false); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetJSON(ctx, key, &probe); err != nil {
		t.Fatal(err)
	}
	if probe.Status != StatusAccepted {
		t.Errorf("status = %q, terminal status must stick", probe.Status)
	}
}
