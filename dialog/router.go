// Package dialog is the conversation core: the per-phone state machine, the
// pre-router that guards every inbound message (bans, consent, resets,
// inactivity), and the per-state handlers that orchestrate interpretation,
// search, availability probing, and the final provider handoff.
package dialog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"servimatch.dev/availability"
	"servimatch.dev/consent"
	"servimatch.dev/customer"
	"servimatch.dev/flow"
	"servimatch.dev/logx"
	"servimatch.dev/normtext"
	"servimatch.dev/provider"
	"servimatch.dev/safety"
	"servimatch.dev/transport"
)

// ErrMissingSender reports an inbound payload without a from_number.
var ErrMissingSender = errors.New("dialog: inbound missing from_number")

// CustomerStore is the slice of the customer repository the router needs.
type CustomerStore interface {
	FindByPhone(ctx context.Context, phone string) (*customer.Customer, error)
	GetOrCreate(ctx context.Context, phone string) (*customer.Customer, error)
	UpdateCity(ctx context.Context, id, city string) error
	ClearCity(ctx context.Context, id string) error
	ClearConsent(ctx context.Context, id string) error
}

// ConsentRecorder persists consent decisions.
type ConsentRecorder interface {
	Accept(ctx context.Context, c *customer.Customer, in transport.Inbound) error
	Decline(ctx context.Context, c *customer.Customer, in transport.Inbound) error
}

// SafetyGate guards free-text input.
type SafetyGate interface {
	Banned(ctx context.Context, phone string) (bool, error)
	Classify(ctx context.Context, phone, text string) (safety.Verdict, error)
}

// NeedInterpreter turns free text into catalog canonicals.
type NeedInterpreter interface {
	ExtractProfession(ctx context.Context, text string) (string, bool)
	ExtractCity(ctx context.Context, text string) (string, bool)
	IsNeedOrProblem(ctx context.Context, text string) bool
}

// CityResolver is the cheap catalog-only city lookup used for opportunistic
// city detection on every turn.
type CityResolver interface {
	ResolveCity(ctx context.Context, text string) (string, bool)
}

// ProviderSearch resolves (profession, city) into ranked candidates.
type ProviderSearch interface {
	Find(ctx context.Context, profession, city string, limit int) ([]provider.Summary, error)
}

// AvailabilityRunner probes candidates for immediate availability.
type AvailabilityRunner interface {
	NewRequestID(seed string) string
	Run(ctx context.Context, reqID, service, city string, candidates []provider.Summary) (availability.Outcome, error)
}

// ConnectionBuilder composes the provider handoff message.
type ConnectionBuilder interface {
	ConnectionMessage(ctx context.Context, p provider.Summary) transport.Message
}

// Config bounds the router's timers and retries.
type Config struct {
	// SessionTimeout is the inactivity window after which a conversation is
	// restarted. Default 180s.
	SessionTimeout time.Duration
	// MaxConfirmAttempts is how many invalid replies the new-search menu
	// tolerates before auto-resetting. Default 2.
	MaxConfirmAttempts int
	// SearchLimit caps the candidate list handed to the availability
	// coordinator. Default 20.
	SearchLimit int
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 180 * time.Second
	}
	if c.MaxConfirmAttempts <= 0 {
		c.MaxConfirmAttempts = 2
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 20
	}
	return c
}

// Deps are the collaborators a Router needs. All fields are required except
// Now.
type Deps struct {
	Flows     *flow.Repo
	Customers CustomerStore
	Consents  ConsentRecorder
	Gate      SafetyGate
	Interp    NeedInterpreter
	Cities    CityResolver
	Search    ProviderSearch
	Avail     AvailabilityRunner
	Connector ConnectionBuilder
	Messenger transport.Messenger
	Now       func() time.Time
}

// Router drives one conversation turn per inbound message. Turns for the
// same phone are serialized; different phones run in parallel.
type Router struct {
	flows     *flow.Repo
	customers CustomerStore
	consents  ConsentRecorder
	gate      SafetyGate
	interp    NeedInterpreter
	cities    CityResolver
	search    ProviderSearch
	avail     AvailabilityRunner
	connector ConnectionBuilder
	messenger transport.Messenger
	machine   *Machine
	cfg       Config
	now       func() time.Time

	locks phoneLocks
	// searchCancels maps phone to the cancel func of its in-flight
	// background search.
	searchCancels sync.Map
}

// NewRouter returns a Router.
func NewRouter(d Deps, cfg Config) *Router {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		flows:     d.Flows,
		customers: d.Customers,
		consents:  d.Consents,
		gate:      d.Gate,
		interp:    d.Interp,
		cities:    d.Cities,
		search:    d.Search,
		avail:     d.Avail,
		connector: d.Connector,
		messenger: d.Messenger,
		machine:   NewMachine(),
		cfg:       cfg.withDefaults(),
		now:       now,
	}
}

// resetKeywords restart the conversation from any state.
var resetKeywords = map[string]bool{
	"reset": true, "restart": true, "start": true, "new": true, "reiniciar": true,
}

// HandleInbound processes one inbound message end to end: pre-router checks,
// state handler dispatch, flow persistence, and outbound sends.
func (r *Router) HandleInbound(ctx context.Context, in transport.Inbound) error {
	if normtext.Normalize(in.FromNumber) == "" {
		return ErrMissingSender
	}
	phone := in.FromNumber
	ctx = logx.ContextWithAttr(ctx,
		slog.String("phone", logx.RedactPhone(phone)),
		slog.String("message_id", in.ID))

	unlock := r.locks.lock(phone)
	defer unlock()

	// Banned phones are dropped silently, before anything costs a store
	// write or an LLM call.
	banned, err := r.gate.Banned(ctx, phone)
	if err != nil {
		slog.WarnContext(ctx, "ban check failed, continuing", "error", err)
	}
	if banned {
		slog.InfoContext(ctx, "dropping inbound from banned phone")
		return nil
	}

	f, err := r.flows.Load(ctx, phone)
	if err != nil {
		r.sendAll(ctx, phone, []transport.Message{transport.Text(msgTryAgain)})
		return err
	}

	if in.ID != "" && in.ID == f.LastMessageID {
		slog.InfoContext(ctx, "duplicate inbound ignored")
		return nil
	}

	cust, err := r.customers.FindByPhone(ctx, phone)
	if err != nil {
		r.sendAll(ctx, phone, []transport.Message{transport.Text(msgTryAgain)})
		return err
	}
	if cust == nil {
		// First contact: create the customer and open the consent dialog.
		cust, err = r.customers.GetOrCreate(ctx, phone)
		if err != nil {
			r.sendAll(ctx, phone, []transport.Message{transport.Text(msgTryAgain)})
			return err
		}
		f.State = flow.StateAwaitingConsent
		f.CustomerID = cust.ID
		f.Touch(r.now())
		return r.finish(ctx, f, in, consentMessages())
	}
	if !cust.HasConsent {
		f.Touch(r.now())
		msgs, err := r.handleConsent(ctx, f, cust, in)
		if err != nil {
			r.sendAll(ctx, phone, []transport.Message{transport.Text(msgTryAgain)})
			return err
		}
		return r.finish(ctx, f, in, msgs)
	}

	r.syncCustomer(ctx, f, cust)

	// Opportunistic city capture: any turn whose text names a known city
	// updates the customer, except while the city question is open.
	if f.State != flow.StateAwaitingCity {
		if city, ok := r.cities.ResolveCity(ctx, in.Text()); ok && city != f.City {
			f.City = city
			f.CityConfirmed = true
			if err := r.customers.UpdateCity(ctx, cust.ID, city); err != nil {
				slog.WarnContext(ctx, "city update failed", "error", err)
			}
		}
	}

	if resetKeywords[normtext.Normalize(in.Text())] {
		return r.handleReset(ctx, f, cust, in)
	}

	f.Touch(r.now())
	if prev, ok := f.LastSeenPrev(); ok && r.now().Sub(prev) > r.cfg.SessionTimeout {
		return r.handleInactivity(ctx, f, cust, in)
	}

	msgs := r.dispatch(ctx, f, in)
	return r.finish(ctx, f, in, msgs)
}

// syncCustomer propagates durable customer fields into the flow.
func (r *Router) syncCustomer(ctx context.Context, f *flow.Flow, cust *customer.Customer) {
	f.CustomerID = cust.ID
	f.HasConsent = cust.HasConsent
	if f.City == "" {
		if city, ok := cust.ConfirmedCity(); ok {
			f.City = city
			f.CityConfirmed = true
		}
	}
	// A flow stuck on the consent question after consent was granted
	// elsewhere moves on.
	if f.State == flow.StateAwaitingConsent && f.HasConsent {
		if err := r.machine.Apply(ctx, f, flow.StateAwaitingService, "consent already granted"); err != nil {
			f.State = flow.StateAwaitingService
		}
	}
}

// handleConsent runs the consent dialog for a customer who has not accepted
// yet.
func (r *Router) handleConsent(ctx context.Context, f *flow.Flow, cust *customer.Customer, in transport.Inbound) ([]transport.Message, error) {
	f.CustomerID = cust.ID
	if f.State != flow.StateAwaitingConsent {
		f.State = flow.StateAwaitingConsent
	}

	switch consent.ParseReply(in.Content, in.SelectedOption) {
	case consent.Accepted:
		if err := r.consents.Accept(ctx, cust, in); err != nil {
			return nil, err
		}
		f.HasConsent = true
		f.ClearServiceContext()
		if city, ok := cust.ConfirmedCity(); ok {
			f.City = city
			f.CityConfirmed = true
		}
		if err := r.machine.Apply(ctx, f, flow.StateAwaitingService, "consent accepted"); err != nil {
			f.State = flow.StateAwaitingService
		}
		return []transport.Message{transport.Text(msgInitialPrompt)}, nil
	case consent.Declined:
		if err := r.consents.Decline(ctx, cust, in); err != nil {
			return nil, err
		}
		return []transport.Message{transport.Text(msgNoConsent)}, nil
	default:
		return consentMessages(), nil
	}
}

// handleReset restarts the conversation on an explicit keyword: the flow is
// deleted, any in-flight search is canceled, and the customer's cached city
// and consent are withdrawn so the next contact starts from scratch.
func (r *Router) handleReset(ctx context.Context, f *flow.Flow, cust *customer.Customer, in transport.Inbound) error {
	r.cancelSearch(f.Phone)
	if err := r.flows.Reset(ctx, f.Phone); err != nil {
		return err
	}
	if err := r.customers.ClearCity(ctx, cust.ID); err != nil {
		slog.WarnContext(ctx, "clear city failed", "error", err)
	}
	if err := r.customers.ClearConsent(ctx, cust.ID); err != nil {
		slog.WarnContext(ctx, "clear consent failed", "error", err)
	}
	nf := flow.New(f.Phone)
	nf.Touch(r.now())
	return r.finish(ctx, nf, in, []transport.Message{transport.Text(msgNewSession)})
}

// handleInactivity restarts an expired session exactly once: the restart
// notice fires on the first turn after the gap, and the fresh flow carries no
// previous timestamp to fire it again.
func (r *Router) handleInactivity(ctx context.Context, f *flow.Flow, cust *customer.Customer, in transport.Inbound) error {
	slog.InfoContext(ctx, "session expired by inactivity", "state", string(f.State))
	r.cancelSearch(f.Phone)
	if err := r.flows.Reset(ctx, f.Phone); err != nil {
		return err
	}
	nf := flow.New(f.Phone)
	r.syncCustomer(ctx, nf, cust)
	nf.Touch(r.now())
	return r.finish(ctx, nf, in, []transport.Message{
		transport.Text(msgSessionRestarted),
		transport.Text(msgInitialPrompt),
	})
}

// finish commits the flow and then sends the outbound messages. The state
// write happens first so a send failure never leaves the conversation behind
// its own messages.
func (r *Router) finish(ctx context.Context, f *flow.Flow, in transport.Inbound, msgs []transport.Message) error {
	f.LastMessageID = in.ID
	if err := r.flows.Store(ctx, f); err != nil {
		r.sendAll(ctx, f.Phone, []transport.Message{transport.Text(msgTryAgain)})
		return err
	}
	r.sendAll(ctx, f.Phone, msgs)
	return nil
}

// sendAll delivers msgs in order. Send failures are logged and dropped; the
// client retries on its next inbound.
func (r *Router) sendAll(ctx context.Context, phone string, msgs []transport.Message) {
	for _, m := range msgs {
		if err := r.messenger.Send(ctx, phone, m); err != nil {
			slog.ErrorContext(ctx, "outbound send failed", "error", err)
		}
	}
}

// searchHandle identifies one background search so a finished task only
// removes its own registration.
type searchHandle struct {
	cancel context.CancelFunc
}

// cancelSearch stops the phone's background search, if one is running.
func (r *Router) cancelSearch(phone string) {
	if v, ok := r.searchCancels.LoadAndDelete(phone); ok {
		v.(*searchHandle).cancel()
	}
}
