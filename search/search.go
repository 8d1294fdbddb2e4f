// Package search resolves (profession, city) into a ranked provider
// candidate list against the relational catalog.
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"servimatch.dev/catalog"
	"servimatch.dev/normtext"
	"servimatch.dev/provider"
)

// DefaultLimit is the candidate list size when the caller does not choose.
const DefaultLimit = 20

// ErrInvalidInput reports that a search argument failed validation.
var ErrInvalidInput = errors.New("search: invalid input")

// forbidden are the character sequences rejected in search terms.
var forbidden = []string{";", "'", `"`, "--", "/*", "*/", `\`, "\x00", "|", "="}

// validateTerm enforces the shared constraints on profession and city terms.
func validateTerm(name, s string) error {
	if len(s) < 2 || len(s) > 100 {
		return fmt.Errorf("%w: %s length %d outside [2,100]", ErrInvalidInput, name, len(s))
	}
	for _, seq := range forbidden {
		if strings.Contains(s, seq) {
			return fmt.Errorf("%w: %s contains forbidden sequence %q", ErrInvalidInput, name, seq)
		}
	}
	if normtext.IsNumeric(s) {
		return fmt.Errorf("%w: %s is numeric-only", ErrInvalidInput, name)
	}
	return nil
}

// Searcher queries the provider catalog.
type Searcher struct {
	db      *sqlx.DB
	catalog *catalog.Service
}

// New returns a Searcher.
func New(db *sqlx.DB, cat *catalog.Service) *Searcher {
	return &Searcher{db: db, catalog: cat}
}

// providerRow mirrors the providers table with nullable columns.
type providerRow struct {
	ID              string          `db:"id"`
	Phone           sql.NullString  `db:"phone"`
	RealPhone       sql.NullString  `db:"real_phone"`
	PhoneNumber     sql.NullString  `db:"phone_number"`
	FullName        sql.NullString  `db:"full_name"`
	City            sql.NullString  `db:"city"`
	Profession      sql.NullString  `db:"profession"`
	Services        sql.NullString  `db:"services"`
	Rating          sql.NullFloat64 `db:"rating"`
	Available       sql.NullBool    `db:"available"`
	Verified        sql.NullBool    `db:"verified"`
	ExperienceYears sql.NullInt64   `db:"experience_years"`
	FacePhotoURL    sql.NullString  `db:"face_photo_url"`
	SocialMediaURL  sql.NullString  `db:"social_media_url"`
	SocialMediaType sql.NullString  `db:"social_media_type"`
}

// summary maps a row to the exchange record with defensive defaults.
func (r providerRow) summary() provider.Summary {
	s := provider.Summary{
		ID:              r.ID,
		Phone:           r.Phone.String,
		RealPhone:       r.RealPhone.String,
		PhoneNumber:     r.PhoneNumber.String,
		FullName:        r.FullName.String,
		City:            r.City.String,
		Profession:      r.Profession.String,
		Rating:          r.Rating.Float64,
		Experience:      int(r.ExperienceYears.Int64),
		FacePhotoURL:    r.FacePhotoURL.String,
		SocialMediaURL:  r.SocialMediaURL.String,
		SocialMediaType: r.SocialMediaType.String,
		Available:       r.Available.Bool,
		Verified:        r.Verified.Bool,
	}
	if r.Services.Valid && r.Services.String != "" {
		for _, svc := range strings.Split(r.Services.String, ",") {
			if svc = strings.TrimSpace(svc); svc != "" {
				s.Services = append(s.Services, svc)
			}
		}
	}
	return s
}

// Find returns up to limit verified providers matching the canonical
// profession (expanded to its synonym set) in the given city, ranked by
// rating descending. An empty city matches everywhere. Empty result lists are
// a valid outcome.
func (s *Searcher) Find(ctx context.Context, profession, city string, limit int) ([]provider.Summary, error) {
	if err := validateTerm("profession", profession); err != nil {
		return nil, err
	}
	if city != "" {
		if err := validateTerm("city", city); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > 100 {
		return nil, fmt.Errorf("%w: limit %d outside [1,100]", ErrInvalidInput, limit)
	}

	terms := s.catalog.Synonyms(ctx, profession)

	var (
		args    []any
		matches []string
	)
	for _, term := range terms {
		args = append(args, "%"+term+"%")
		p := len(args)
		matches = append(matches, fmt.Sprintf("(profession ILIKE $%d OR services ILIKE $%d)", p, p))
	}
	query := `SELECT id, phone, real_phone, phone_number, full_name, city, profession, services,
	       rating, available, verified, experience_years, face_photo_url, social_media_url, social_media_type
	FROM providers
	WHERE verified = true AND (` + strings.Join(matches, " OR ") + `)`
	if city != "" {
		args = append(args, "%"+city+"%")
		query += fmt.Sprintf(" AND city ILIKE $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY rating DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search providers: %w", err)
	}
	defer rows.Close()

	var out []provider.Summary
	for rows.Next() {
		var r providerRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, r.summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}
	return out, nil
}
