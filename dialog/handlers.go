package dialog

import (
	"context"
	"log/slog"
	"strconv"

	"servimatch.dev/flow"
	"servimatch.dev/normtext"
	"servimatch.dev/provider"
	"servimatch.dev/safety"
	"servimatch.dev/transport"
)

// dispatch routes the turn to the handler for the current state.
func (r *Router) dispatch(ctx context.Context, f *flow.Flow, in transport.Inbound) []transport.Message {
	switch f.State {
	case flow.StateAwaitingService:
		return r.handleAwaitingService(ctx, f, in)
	case flow.StateConfirmService:
		return r.handleConfirmService(ctx, f, in)
	case flow.StateAwaitingCity:
		return r.handleAwaitingCity(ctx, f, in)
	case flow.StateSearching:
		// The background task is still running; acknowledge and wait.
		return []transport.Message{transport.Text(msgSearching)}
	case flow.StatePresentingResults:
		return r.handlePresentingResults(ctx, f, in)
	case flow.StateViewingProviderDetail:
		return r.handleViewingDetail(ctx, f, in)
	case flow.StateConfirmNewSearch:
		return r.handleConfirmNewSearch(ctx, f, in)
	default: // StateError and anything Normalize missed
		f.ClearServiceContext()
		f.State = flow.StateAwaitingService
		return []transport.Message{transport.Text(msgInitialPrompt)}
	}
}

// apply transitions f via the machine. On an invalid transition the flow is
// rewritten to ERROR; the caller replies with the initial prompt.
func (r *Router) apply(ctx context.Context, f *flow.Flow, to flow.State, event string) bool {
	if err := r.machine.Apply(ctx, f, to, event); err != nil {
		f.State = flow.StateError
		return false
	}
	return true
}

// greetings are openers that carry no service information.
var greetings = map[string]bool{
	"hola": true, "buenas": true, "buenos dias": true, "buenas tardes": true,
	"buenas noches": true, "hello": true, "hi": true, "hey": true, "saludos": true,
	"que tal": true,
}

// rejectAsServiceInput reports whether normalized input is too thin to
// describe a need: a greeting, bare digits, a single letter, or fewer than
// four characters without at least two words.
func rejectAsServiceInput(norm string) bool {
	if norm == "" || greetings[norm] || normtext.IsNumeric(norm) {
		return true
	}
	if len(norm) < 4 && len(normtext.Tokens(norm)) < 2 {
		return true
	}
	return false
}

func (r *Router) handleAwaitingService(ctx context.Context, f *flow.Flow, in transport.Inbound) []transport.Message {
	text := in.Text()
	if rejectAsServiceInput(normtext.Normalize(text)) {
		return []transport.Message{transport.Text(msgInitialPrompt)}
	}

	verdict, err := r.gate.Classify(ctx, f.Phone, text)
	if err != nil {
		return []transport.Message{transport.Text(msgTryAgain)}
	}
	switch verdict.Kind {
	case safety.KindNonsense:
		return []transport.Message{transport.Text(msgNonsense)}
	case safety.KindWarned:
		return []transport.Message{transport.Text(msgWarning)}
	case safety.KindBanned:
		return []transport.Message{banMessage(verdict.ExpiresAt)}
	}

	profession, ok := r.interp.ExtractProfession(ctx, text)
	if !ok {
		return []transport.Message{transport.Text(msgInitialPrompt)}
	}
	if !r.interp.IsNeedOrProblem(ctx, text) {
		// Bare profession labels are rejected; the user must describe the
		// problem.
		return []transport.Message{transport.Text(msgInitialPrompt)}
	}

	f.ServiceCandidate = profession
	f.ServiceFull = text
	if !r.apply(ctx, f, flow.StateConfirmService, "service candidate found") {
		return []transport.Message{transport.Text(msgInitialPrompt)}
	}
	return []transport.Message{confirmServiceMessage(profession)}
}

// yesNo interprets a 1/2 menu reply. It returns +1 for yes, -1 for no, 0 for
// anything else.
func yesNo(in transport.Inbound) int {
	switch normtext.Normalize(in.Text()) {
	case "1", "si", "yes", "claro", "correcto", "ok", "dale", "asi es":
		return 1
	case "2", "no", "nope":
		return -1
	}
	return 0
}

func (r *Router) handleConfirmService(ctx context.Context, f *flow.Flow, in transport.Inbound) []transport.Message {
	switch yesNo(in) {
	case 1:
		f.Service = f.ServiceCandidate
		f.ServiceCandidate = ""
		f.ServiceCapturedAfterConsent = true
		if f.CityConfirmed && f.City != "" {
			return r.startSearch(ctx, f)
		}
		if !r.apply(ctx, f, flow.StateAwaitingCity, "service confirmed") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{transport.Text(msgAskCity)}
	case -1:
		f.ServiceCandidate = ""
		f.ServiceFull = ""
		if !r.apply(ctx, f, flow.StateAwaitingService, "service rejected") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{transport.Text(msgInitialPrompt)}
	default:
		return []transport.Message{confirmServiceMessage(f.ServiceCandidate)}
	}
}

func (r *Router) handleAwaitingCity(ctx context.Context, f *flow.Flow, in transport.Inbound) []transport.Message {
	city, ok := r.interp.ExtractCity(ctx, in.Text())
	if !ok {
		return []transport.Message{cityNotRecognizedMessage()}
	}
	f.City = city
	f.CityConfirmed = true
	if f.CustomerID != "" {
		if err := r.customers.UpdateCity(ctx, f.CustomerID, city); err != nil {
			slog.WarnContext(ctx, "city update failed", "error", err)
		}
	}
	if f.Service == "" {
		if !r.apply(ctx, f, flow.StateAwaitingService, "city without service") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{transport.Text(msgInitialPrompt)}
	}
	return r.startSearch(ctx, f)
}

// startSearch moves the flow to SEARCHING, acknowledges immediately, and
// spawns the search + availability task detached from the inbound request.
func (r *Router) startSearch(ctx context.Context, f *flow.Flow) []transport.Message {
	if f.SearchInFlight {
		return []transport.Message{transport.Text(msgSearching)}
	}
	if !r.apply(ctx, f, flow.StateSearching, "search dispatched") {
		return []transport.Message{transport.Text(msgInitialPrompt)}
	}
	f.SearchInFlight = true

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &searchHandle{cancel: cancel}
	r.searchCancels.Store(f.Phone, h)
	go r.runSearch(bg, h, f.Phone, f.Service, f.City)

	return []transport.Message{transport.Text(msgSearching)}
}

// runSearch is the background task behind SEARCHING: provider search, then
// availability probing, then the result turn. If the conversation was reset
// while it ran, it exits without touching the flow or the user.
func (r *Router) runSearch(ctx context.Context, h *searchHandle, phone, service, city string) {
	defer r.searchCancels.CompareAndDelete(phone, h)

	var (
		accepted []provider.Summary
		msgs     []transport.Message
		next     flow.State
	)
	candidates, err := r.search.Find(ctx, service, city, r.cfg.SearchLimit)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "provider search failed", "error", err)
		msgs = []transport.Message{transport.Text(msgTryAgain)}
		next = flow.StateError
	case len(candidates) == 0:
		msgs = []transport.Message{transport.Text(msgNoProviders), newSearchMenuMessage()}
		next = flow.StateConfirmNewSearch
	default:
		reqID := r.avail.NewRequestID(normtext.Digits(phone))
		outcome, err := r.avail.Run(ctx, reqID, service, city, candidates)
		if err != nil {
			// Canceled mid-probe: the reset path already spoke to the user.
			slog.InfoContext(ctx, "availability run aborted", "error", err)
			return
		}
		accepted = outcome.Accepted
		if len(accepted) == 0 {
			msgs = []transport.Message{transport.Text(msgNoProviders), newSearchMenuMessage()}
			next = flow.StateConfirmNewSearch
		} else {
			msgs = []transport.Message{resultsListMessage(accepted)}
			next = flow.StatePresentingResults
		}
	}
	if ctx.Err() != nil {
		return
	}

	unlock := r.locks.lock(phone)
	defer unlock()

	f, err := r.flows.Load(ctx, phone)
	if err != nil {
		slog.ErrorContext(ctx, "flow load after search failed", "error", err)
		return
	}
	if f.State != flow.StateSearching || !f.SearchInFlight {
		// The user reset or the session expired while we searched.
		slog.InfoContext(ctx, "discarding stale search result", "state", string(f.State))
		return
	}
	f.SearchInFlight = false
	f.Providers = accepted
	if err := r.machine.Apply(ctx, f, next, "search finished"); err != nil {
		f.State = flow.StateError
	}
	if err := r.flows.Store(ctx, f); err != nil {
		slog.ErrorContext(ctx, "flow store after search failed", "error", err)
		return
	}
	r.sendAll(ctx, phone, msgs)
}

func (r *Router) handlePresentingResults(ctx context.Context, f *flow.Flow, in transport.Inbound) []transport.Message {
	shown := len(f.Providers)
	if shown > maxListed {
		shown = maxListed
	}
	norm := normtext.Normalize(in.Text())
	if norm == "0" {
		if !r.apply(ctx, f, flow.StateConfirmNewSearch, "user left results") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{newSearchMenuMessage()}
	}
	if n, err := strconv.Atoi(norm); err == nil && n >= 1 && n <= shown {
		idx := n - 1
		f.ProviderDetailIdx = &idx
		if !r.apply(ctx, f, flow.StateViewingProviderDetail, "provider selected") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{providerDetailMessage(f.Providers[idx])}
	}
	// Out-of-range or non-numeric: stay and re-render.
	return []transport.Message{resultsListMessage(f.Providers)}
}

func (r *Router) handleViewingDetail(ctx context.Context, f *flow.Flow, in transport.Inbound) []transport.Message {
	if f.ProviderDetailIdx == nil {
		if !r.apply(ctx, f, flow.StatePresentingResults, "detail index missing") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{resultsListMessage(f.Providers)}
	}
	p := f.Providers[*f.ProviderDetailIdx]

	switch normtext.Normalize(in.Text()) {
	case "1", "contactar":
		chosen := p
		f.ChosenProvider = &chosen
		f.ProviderDetailIdx = nil
		if !r.apply(ctx, f, flow.StateConfirmNewSearch, "provider chosen") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{
			r.connector.ConnectionMessage(ctx, p),
			newSearchMenuMessage(),
		}
	case "2", "volver":
		f.ProviderDetailIdx = nil
		if !r.apply(ctx, f, flow.StatePresentingResults, "back to results") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{resultsListMessage(f.Providers)}
	case "3", "nueva busqueda":
		f.ClearServiceContext()
		if !r.apply(ctx, f, flow.StateAwaitingService, "new search from detail") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{transport.Text(msgInitialPrompt)}
	default:
		return []transport.Message{providerDetailMessage(p)}
	}
}

func (r *Router) handleConfirmNewSearch(ctx context.Context, f *flow.Flow, in transport.Inbound) []transport.Message {
	switch normtext.Normalize(in.Text()) {
	case "1", "otro servicio":
		f.ClearServiceContext()
		if !r.apply(ctx, f, flow.StateAwaitingService, "new service search") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{transport.Text(msgInitialPrompt)}
	case "2", "otra ciudad":
		if f.Service == "" {
			// Nothing to re-run; fall back to a fresh service capture.
			f.ClearServiceContext()
			if !r.apply(ctx, f, flow.StateAwaitingService, "no service to repeat") {
				return []transport.Message{transport.Text(msgInitialPrompt)}
			}
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		f.City = ""
		f.CityConfirmed = false
		f.Providers = nil
		f.ProviderDetailIdx = nil
		f.ConfirmAttempts = 0
		if !r.apply(ctx, f, flow.StateAwaitingCity, "same service new city") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{transport.Text(msgAskCity)}
	case "3", "terminar":
		f.ClearServiceContext()
		if !r.apply(ctx, f, flow.StateAwaitingService, "conversation finished") {
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{transport.Text(msgGoodbye)}
	default:
		f.ConfirmAttempts++
		if f.ConfirmAttempts >= r.cfg.MaxConfirmAttempts {
			f.ClearServiceContext()
			if !r.apply(ctx, f, flow.StateAwaitingService, "confirm attempts exhausted") {
				return []transport.Message{transport.Text(msgInitialPrompt)}
			}
			return []transport.Message{transport.Text(msgInitialPrompt)}
		}
		return []transport.Message{newSearchMenuMessage()}
	}
}
