// Package customer persists customer identity and the append-only consent
// audit trail in the relational store.
package customer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Customer is one phone-keyed identity.
type Customer struct {
	ID              string         `db:"id"`
	Phone           string         `db:"phone_number"`
	FullName        sql.NullString `db:"full_name"`
	City            sql.NullString `db:"city"`
	CityConfirmedAt sql.NullTime   `db:"city_confirmed_at"`
	HasConsent      bool           `db:"has_consent"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// ConfirmedCity returns the customer's canonical city when one was confirmed.
func (c *Customer) ConfirmedCity() (string, bool) {
	if c.City.Valid && c.City.String != "" && c.CityConfirmedAt.Valid {
		return c.City.String, true
	}
	return "", false
}

// ConsentResponse is the recorded decision.
type ConsentResponse string

const (
	ConsentAccepted ConsentResponse = "accepted"
	ConsentDeclined ConsentResponse = "declined"
)

// ConsentRecord is one append-only audit entry.
type ConsentRecord struct {
	UserID   string
	UserType string // customer or provider
	Response ConsentResponse
	// Metadata is free-form context from the inbound message: message id,
	// timestamps, raw text, platform.
	Metadata map[string]any
}

// Repo provides customer reads and writes over the relational store.
type Repo struct {
	db *sqlx.DB
}

// NewRepo returns a Repo.
func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

const customerColumns = `id, phone_number, full_name, city, city_confirmed_at, has_consent, created_at, updated_at`

// FindByPhone returns the customer for phone, or nil when none exists.
func (r *Repo) FindByPhone(ctx context.Context, phone string) (*Customer, error) {
	var c Customer
	err := r.db.GetContext(ctx, &c,
		`SELECT `+customerColumns+` FROM customers WHERE phone_number = $1`, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find customer: %w", err)
	}
	return &c, nil
}

// GetOrCreate returns the customer for phone, creating one on first contact.
// It is idempotent on phone: concurrent callers converge on the same row.
func (r *Repo) GetOrCreate(ctx context.Context, phone string) (*Customer, error) {
	c, err := r.FindByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO customers (id, phone_number, has_consent, created_at, updated_at)
		 VALUES ($1, $2, false, now(), now())
		 ON CONFLICT (phone_number) DO NOTHING`,
		uuid.NewString(), phone)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	c, err = r.FindByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("create customer: row missing after insert for %s", phone)
	}
	return c, nil
}

// UpdateCity sets the customer's confirmed city.
func (r *Repo) UpdateCity(ctx context.Context, id, city string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE customers SET city = $1, city_confirmed_at = now(), updated_at = now() WHERE id = $2`,
		city, id)
	if err != nil {
		return fmt.Errorf("update city: %w", err)
	}
	return nil
}

// ClearCity removes the customer's city and its confirmation.
func (r *Repo) ClearCity(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE customers SET city = NULL, city_confirmed_at = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear city: %w", err)
	}
	return nil
}

// SetConsent flips the consent flag.
func (r *Repo) SetConsent(ctx context.Context, id string, v bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE customers SET has_consent = $1, updated_at = now() WHERE id = $2`, v, id)
	if err != nil {
		return fmt.Errorf("set consent: %w", err)
	}
	return nil
}

// ClearConsent withdraws consent.
func (r *Repo) ClearConsent(ctx context.Context, id string) error {
	return r.SetConsent(ctx, id, false)
}

// AppendConsent writes one immutable consent audit entry.
func (r *Repo) AppendConsent(ctx context.Context, rec ConsentRecord) error {
	if rec.UserType == "" {
		rec.UserType = "customer"
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode consent metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO consents (user_id, user_type, response, message_log, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		rec.UserID, rec.UserType, string(rec.Response), meta)
	if err != nil {
		return fmt.Errorf("append consent: %w", err)
	}
	return nil
}
