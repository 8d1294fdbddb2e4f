package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"servimatch.dev/flow"
)

// ErrInvalidTransition reports a handler asking for a transition the dialog
// does not allow. The router rewrites the flow to ERROR when it sees one.
var ErrInvalidTransition = errors.New("dialog: invalid state transition")

// Transition is one recorded state change.
type Transition struct {
	Phone string
	From  flow.State
	To    flow.State
	Event string
	At    time.Time
}

// Machine validates conversation state transitions and keeps a bounded
// history of recent ones for debugging.
type Machine struct {
	mu          sync.Mutex
	transitions map[flow.State]map[flow.State]bool
	history     []Transition
	maxHistory  int
}

// NewMachine returns a Machine with the dialog's transition table.
func NewMachine() *Machine {
	m := &Machine{
		transitions: make(map[flow.State]map[flow.State]bool),
		maxHistory:  100,
	}
	m.initTransitions()
	return m
}

func (m *Machine) initTransitions() {
	add := func(from flow.State, to ...flow.State) {
		if _, ok := m.transitions[from]; !ok {
			m.transitions[from] = make(map[flow.State]bool)
		}
		for _, s := range to {
			m.transitions[from][s] = true
		}
	}

	add(flow.StateAwaitingConsent, flow.StateAwaitingService, flow.StateAwaitingCity)

	add(flow.StateAwaitingService, flow.StateConfirmService, flow.StateAwaitingCity,
		flow.StateSearching, flow.StateError)
	add(flow.StateConfirmService, flow.StateAwaitingService, flow.StateAwaitingCity,
		flow.StateSearching)
	add(flow.StateAwaitingCity, flow.StateSearching, flow.StateAwaitingService)

	add(flow.StateSearching, flow.StatePresentingResults, flow.StateConfirmNewSearch,
		flow.StateAwaitingService, flow.StateError)
	add(flow.StatePresentingResults, flow.StateViewingProviderDetail,
		flow.StateConfirmNewSearch, flow.StateAwaitingService)
	add(flow.StateViewingProviderDetail, flow.StatePresentingResults,
		flow.StateConfirmNewSearch, flow.StateAwaitingService)
	add(flow.StateConfirmNewSearch, flow.StateAwaitingCity, flow.StateAwaitingService)

	add(flow.StateError, flow.StateAwaitingService)
}

// CanTransition reports whether from may move to to. Staying in the same
// state is always allowed.
func (m *Machine) CanTransition(from, to flow.State) bool {
	if from == to {
		return true
	}
	return m.transitions[from][to]
}

// Apply moves f to the given state after validating the transition, and
// records it. event is a short description for the log.
func (m *Machine) Apply(ctx context.Context, f *flow.Flow, to flow.State, event string) error {
	from := f.State
	if !m.CanTransition(from, to) {
		slog.ErrorContext(ctx, "invalid state transition",
			"from", string(from), "to", string(to), "event", event)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == to {
		return nil
	}
	f.State = to

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, Transition{
		Phone: f.Phone, From: from, To: to, Event: event, At: time.Now(),
	})
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	slog.DebugContext(ctx, "state transition",
		"from", string(from), "to", string(to), "event", event)
	return nil
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
