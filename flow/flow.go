// Package flow holds the per-phone conversation record and its repository.
// The record is overwritten atomically once per turn and expires with the
// session; legacy or corrupt entries collapse to safe defaults at load time.
package flow

import (
	"time"

	"servimatch.dev/provider"
)

// State names the position of a conversation in the dialog.
type State string

const (
	StateAwaitingConsent       State = "AWAITING_CONSENT"
	StateAwaitingService       State = "AWAITING_SERVICE"
	StateConfirmService        State = "CONFIRM_SERVICE"
	StateAwaitingCity          State = "AWAITING_CITY"
	StateSearching             State = "SEARCHING"
	StatePresentingResults     State = "PRESENTING_RESULTS"
	StateViewingProviderDetail State = "VIEWING_PROVIDER_DETAIL"
	StateConfirmNewSearch      State = "CONFIRM_NEW_SEARCH"
	StateError                 State = "ERROR"
)

// known reports whether s is one of the defined states.
func (s State) known() bool {
	switch s {
	case StateAwaitingConsent, StateAwaitingService, StateConfirmService,
		StateAwaitingCity, StateSearching, StatePresentingResults,
		StateViewingProviderDetail, StateConfirmNewSearch, StateError:
		return true
	}
	return false
}

// Flow is the per-phone dialog state. Timestamps are RFC 3339 strings so the
// serialized record stays readable in the K/V store.
type Flow struct {
	Phone            string `json:"phone"`
	State            State  `json:"state"`
	Service          string `json:"service,omitempty"`
	ServiceCandidate string `json:"service_candidate,omitempty"`
	ServiceFull      string `json:"service_full,omitempty"`
	City             string `json:"city,omitempty"`
	CityConfirmed    bool   `json:"city_confirmed,omitempty"`

	Providers         []provider.Summary `json:"providers,omitempty"`
	ProviderDetailIdx *int               `json:"provider_detail_idx,omitempty"`
	ChosenProvider    *provider.Summary  `json:"chosen_provider,omitempty"`

	HasConsent bool   `json:"has_consent,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`

	LastSeenAt     string `json:"last_seen_at,omitempty"`
	LastSeenAtPrev string `json:"last_seen_at_prev,omitempty"`

	// ServiceCapturedAfterConsent protects against a stale service captured
	// before the consent dialog completed.
	ServiceCapturedAfterConsent bool `json:"service_captured_after_consent,omitempty"`

	// LastMessageID deduplicates redelivered inbound messages within the TTL.
	LastMessageID string `json:"last_message_id,omitempty"`
	// SearchInFlight guards against double-dispatching the background search.
	SearchInFlight bool `json:"search_in_flight,omitempty"`
	// ConfirmAttempts counts invalid replies in the new-search menu.
	ConfirmAttempts int `json:"confirm_attempts,omitempty"`
}

// New returns an empty flow for phone, positioned at the initial
// service-capture state.
func New(phone string) *Flow {
	return &Flow{Phone: phone, State: StateAwaitingService}
}

// Normalize repairs a loaded record in place: unknown states collapse to
// AWAITING_SERVICE and out-of-range indexes are dropped, so downstream
// handlers only ever see records that satisfy the state invariants.
func (f *Flow) Normalize() {
	if !f.State.known() {
		f.State = StateAwaitingService
	}
	if f.ProviderDetailIdx != nil {
		if idx := *f.ProviderDetailIdx; idx < 0 || idx >= len(f.Providers) {
			f.ProviderDetailIdx = nil
		}
	}
	if f.State == StateViewingProviderDetail && f.ProviderDetailIdx == nil {
		f.State = StatePresentingResults
		if len(f.Providers) == 0 {
			f.State = StateAwaitingService
		}
	}
	if f.State == StateSearching && f.Service == "" {
		f.State = StateAwaitingService
	}
}

// Touch records that the conversation was seen now. The previous value of
// LastSeenAt is preserved in LastSeenAtPrev, which the inactivity check
// consults on the next turn.
func (f *Flow) Touch(now time.Time) {
	f.LastSeenAtPrev = f.LastSeenAt
	f.LastSeenAt = now.UTC().Format(time.RFC3339)
}

// LastSeenPrev parses LastSeenAtPrev. It reports false for empty or
// malformed values.
func (f *Flow) LastSeenPrev() (time.Time, bool) {
	if f.LastSeenAtPrev == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, f.LastSeenAtPrev)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ClearServiceContext drops everything captured about the current request:
// service fields, candidates, and search results. Consent and identity are
// kept.
func (f *Flow) ClearServiceContext() {
	f.Service = ""
	f.ServiceCandidate = ""
	f.ServiceFull = ""
	f.Providers = nil
	f.ProviderDetailIdx = nil
	f.ChosenProvider = nil
	f.SearchInFlight = false
	f.ConfirmAttempts = 0
	f.ServiceCapturedAfterConsent = false
}
