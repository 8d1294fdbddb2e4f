// Package consent implements the first-contact consent dialog: parsing the
// user's reply and persisting the decision with its audit record.
package consent

import (
	"context"
	"fmt"
	"time"

	"servimatch.dev/customer"
	"servimatch.dev/normtext"
	"servimatch.dev/transport"
)

// Decision is the interpretation of one consent reply.
type Decision int

const (
	// Ambiguous replies re-send the consent prompt.
	Ambiguous Decision = iota
	Accepted
	Declined
)

// Option labels shown with the consent prompt; the literal text is accepted
// as a reply.
const (
	OptionAcceptLabel  = "Sí, acepto"
	OptionDeclineLabel = "No, gracias"
)

// affirmative and negative are the normalized free-text reply sets.
var (
	affirmative = map[string]bool{
		"1": true, "si": true, "yes": true, "acepto": true, "aceptar": true,
		"si acepto": true, "de acuerdo": true, "ok": true, "dale": true,
		"claro": true, "accept": true, "agree": true, "estoy de acuerdo": true,
	}
	negative = map[string]bool{
		"2": true, "no": true, "no acepto": true, "no gracias": true,
		"rechazo": true, "rechazar": true, "decline": true, "reject": true,
		"no quiero": true,
	}
)

// ParseReply interprets the user's consent reply: the numeric 1/2 selector,
// the literal option text, or a free-text yes/no in the locale variants.
func ParseReply(text, selectedOption string) Decision {
	candidate := selectedOption
	if candidate == "" {
		candidate = text
	}
	n := normtext.Normalize(candidate)
	switch {
	case n == "":
		return Ambiguous
	case affirmative[n], n == normtext.Normalize(OptionAcceptLabel):
		return Accepted
	case negative[n], n == normtext.Normalize(OptionDeclineLabel):
		return Declined
	default:
		return Ambiguous
	}
}

// Service records consent transitions.
type Service struct {
	customers *customer.Repo
	now       func() time.Time
}

// New returns a Service. now may be nil.
func New(customers *customer.Repo, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{customers: customers, now: now}
}

// metadata derives the audit payload from the inbound message.
func (s *Service) metadata(in transport.Inbound) map[string]any {
	return map[string]any{
		"message_id":   in.ID,
		"raw_text":     in.Text(),
		"timestamp":    in.Timestamp,
		"message_type": in.MessageType,
		"platform":     "whatsapp",
		"recorded_at":  s.now().UTC().Format(time.RFC3339),
	}
}

// Accept flips the customer's consent flag and appends exactly one audit
// record.
func (s *Service) Accept(ctx context.Context, c *customer.Customer, in transport.Inbound) error {
	if err := s.customers.SetConsent(ctx, c.ID, true); err != nil {
		return fmt.Errorf("accept consent: %w", err)
	}
	c.HasConsent = true
	if err := s.customers.AppendConsent(ctx, customer.ConsentRecord{
		UserID:   c.ID,
		UserType: "customer",
		Response: customer.ConsentAccepted,
		Metadata: s.metadata(in),
	}); err != nil {
		return fmt.Errorf("accept consent: %w", err)
	}
	return nil
}

// Decline appends exactly one audit record without advancing the customer.
func (s *Service) Decline(ctx context.Context, c *customer.Customer, in transport.Inbound) error {
	if err := s.customers.AppendConsent(ctx, customer.ConsentRecord{
		UserID:   c.ID,
		UserType: "customer",
		Response: customer.ConsentDeclined,
		Metadata: s.metadata(in),
	}); err != nil {
		return fmt.Errorf("decline consent: %w", err)
	}
	return nil
}
