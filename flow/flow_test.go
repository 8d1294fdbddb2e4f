package flow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"servimatch.dev/kv"
	"servimatch.dev/provider"
)

func newRepo(t *testing.T) (*Repo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRepo(kv.New(rdb, time.Second), time.Hour), mr
}

func TestLoadMissingReturnsFresh(t *testing.T) {
	r, _ := newRepo(t)
	f, err := r.Load(context.Background(), "+593999000001")
	if err != nil {
		t.Fatal(err)
	}
	if f.Phone != "+593999000001" || f.State != StateAwaitingService {
		t.Errorf("fresh flow = %+v", f)
	}
}

func TestStoreAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, mr := newRepo(t)

	f := New("+593999000001")
	f.State = StatePresentingResults
	f.Service = "plomero"
	f.City = "Quito"
	f.CityConfirmed = true
	f.Providers = []provider.Summary{{ID: "p1", FullName: "Ana"}}
	if err := r.Store(ctx, f); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(kv.FlowKey(f.Phone)); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	got, err := r.Load(ctx, f.Phone)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StatePresentingResults || got.Service != "plomero" || len(got.Providers) != 1 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestLoadCorruptRecordResets(t *testing.T) {
	ctx := context.Background()
	r, mr := newRepo(t)
	mr.Set(kv.FlowKey("p"), "{broken")

	f, err := r.Load(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if f.State != StateAwaitingService {
		t.Errorf("corrupt record should yield a fresh flow, got %+v", f)
	}
	if mr.Exists(kv.FlowKey("p")) {
		t.Error("corrupt record should have been deleted")
	}
}

func TestNormalize(t *testing.T) {
	t.Run("unknown state collapses", func(t *testing.T) {
		f := &Flow{Phone: "p", State: "DANCING"}
		f.Normalize()
		if f.State != StateAwaitingService {
			t.Errorf("State = %v", f.State)
		}
	})

	t.Run("out of range index dropped", func(t *testing.T) {
		idx := 5
		f := &Flow{Phone: "p", State: StatePresentingResults,
			Providers: []provider.Summary{{ID: "p1"}}, ProviderDetailIdx: &idx}
		f.Normalize()
		if f.ProviderDetailIdx != nil {
			t.Error("index should be dropped")
		}
	})

	t.Run("detail state without index falls back", func(t *testing.T) {
		f := &Flow{Phone: "p", State: StateViewingProviderDetail,
			Providers: []provider.Summary{{ID: "p1"}}}
		f.Normalize()
		if f.State != StatePresentingResults {
			t.Errorf("State = %v", f.State)
		}
	})

	t.Run("searching without service falls back", func(t *testing.T) {
		f := &Flow{Phone: "p", State: StateSearching}
		f.Normalize()
		if f.State != StateAwaitingService {
			t.Errorf("State = %v", f.State)
		}
	})
}

func TestTouchAndLastSeenPrev(t *testing.T) {
	f := New("p")
	t1 := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	f.Touch(t1)
	if _, ok := f.LastSeenPrev(); ok {
		t.Error("no previous timestamp after first touch")
	}
	f.Touch(t2)
	prev, ok := f.LastSeenPrev()
	if !ok || !prev.Equal(t1) {
		t.Errorf("LastSeenPrev = %v,%v want %v", prev, ok, t1)
	}
}

func TestClearServiceContext(t *testing.T) {
	idx := 0
	f := &Flow{
		Phone: "p", State: StateConfirmNewSearch,
		Service: "plomero", ServiceCandidate: "x", ServiceFull: "y",
		Providers: []provider.Summary{{ID: "p1"}}, ProviderDetailIdx: &idx,
		ChosenProvider: &provider.Summary{ID: "p1"},
		HasConsent:     true, CustomerID: "c1",
		SearchInFlight: true, ConfirmAttempts: 2, ServiceCapturedAfterConsent: true,
	}
	f.ClearServiceContext()
	if f.Service != "" || f.ServiceCandidate != "" || f.Providers != nil ||
		f.ProviderDetailIdx != nil || f.ChosenProvider != nil ||
		f.SearchInFlight || f.ConfirmAttempts != 0 || f.ServiceCapturedAfterConsent {
		t.Errorf("service context not cleared: %+v", f)
	}
	if !f.HasConsent || f.CustomerID != "c1" {
		t.Error("identity fields must survive a clear")
	}
}
