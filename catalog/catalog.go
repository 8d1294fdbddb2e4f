// Package catalog maintains the canonical profession and city vocabularies
// and their synonym sets. The relational store is the source of truth; a
// process-local snapshot serves reads, with an optional shared snapshot in
// the K/V store so that several instances reload at most once per TTL.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"servimatch.dev/kv"
	"servimatch.dev/normtext"
)

// DefaultTTL is how long a snapshot is served before the store is consulted
// again.
const DefaultTTL = time.Hour

// Snapshot is one immutable load of the catalog. Readers always see either a
// complete old snapshot or a complete new one.
type Snapshot struct {
	// Professions maps canonical profession to its synonyms.
	Professions map[string][]string `json:"professions"`
	// Cities maps canonical city to its synonyms.
	Cities map[string][]string `json:"cities"`
	// LoadedAt is when the snapshot was built from the store.
	LoadedAt time.Time `json:"loaded_at"`

	// Derived lookup structures, rebuilt after load or decode.
	professionIndex map[string]string // normalized synonym or canonical -> canonical
	professionKeys  []string          // sorted index keys, for deterministic containment scans
	cityIndex       map[string]string
	canonicalOrder  []string // sorted canonical professions
}

// buildIndexes recomputes the reverse maps. Must be called on every fresh or
// decoded snapshot before it is published.
func (s *Snapshot) buildIndexes() {
	s.professionIndex = make(map[string]string, len(s.Professions)*4)
	s.cityIndex = make(map[string]string, len(s.Cities)*4)
	s.canonicalOrder = s.canonicalOrder[:0]

	for canonical, synonyms := range s.Professions {
		s.canonicalOrder = append(s.canonicalOrder, canonical)
		s.professionIndex[normtext.Normalize(canonical)] = canonical
		for _, syn := range synonyms {
			if n := normtext.Normalize(syn); n != "" {
				s.professionIndex[n] = canonical
			}
		}
	}
	sort.Strings(s.canonicalOrder)

	s.professionKeys = make([]string, 0, len(s.professionIndex))
	for k := range s.professionIndex {
		s.professionKeys = append(s.professionKeys, k)
	}
	sort.Strings(s.professionKeys)

	for canonical, synonyms := range s.Cities {
		s.cityIndex[normtext.Normalize(canonical)] = canonical
		for _, syn := range synonyms {
			if n := normtext.Normalize(syn); n != "" {
				s.cityIndex[n] = canonical
			}
		}
	}
}

// Service is the catalog read surface used by the interpreter, the search
// layer, and the router's city detection.
type Service struct {
	db  *sqlx.DB
	kv  *kv.Store
	ttl time.Duration

	mu   sync.RWMutex
	snap *Snapshot
}

// New returns a Service backed by db, optionally sharing snapshots through
// kvStore (may be nil). A non-positive ttl means DefaultTTL.
func New(db *sqlx.DB, kvStore *kv.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{db: db, kv: kvStore, ttl: ttl}
}

// snapshot returns a current snapshot, reloading when the TTL elapsed.
// Failures degrade to the last in-memory snapshot; with none, an empty
// snapshot is returned so resolvers fail safe to their LLM fallbacks.
func (s *Service) snapshot(ctx context.Context) *Snapshot {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if snap != nil && time.Since(snap.LoadedAt) < s.ttl {
		return snap
	}

	fresh, err := s.load(ctx, false)
	if err != nil {
		slog.WarnContext(ctx, "catalog reload failed, serving stale snapshot", "error", err)
		if snap != nil {
			return snap
		}
		empty := &Snapshot{Professions: map[string][]string{}, Cities: map[string][]string{}}
		empty.buildIndexes()
		return empty
	}
	return fresh
}

// load builds a fresh snapshot. Unless force is set, the shared K/V snapshot
// is tried before the relational store.
func (s *Service) load(ctx context.Context, force bool) (*Snapshot, error) {
	if !force && s.kv != nil {
		var shared Snapshot
		ok, err := s.kv.GetJSON(ctx, kv.CatalogKey, &shared)
		if err != nil {
			slog.DebugContext(ctx, "shared catalog snapshot unavailable", "error", err)
		} else if ok && time.Since(shared.LoadedAt) < s.ttl {
			shared.buildIndexes()
			s.publish(&shared)
			return &shared, nil
		}
	}

	fresh, err := s.loadFromStore(ctx)
	if err != nil {
		return nil, err
	}
	s.publish(fresh)
	if s.kv != nil {
		if err := s.kv.SetJSON(ctx, kv.CatalogKey, fresh, s.ttl); err != nil {
			slog.DebugContext(ctx, "sharing catalog snapshot failed", "error", err)
		}
	}
	return fresh, nil
}

func (s *Service) publish(snap *Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Service) loadFromStore(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Professions: make(map[string][]string),
		Cities:      make(map[string][]string),
		LoadedAt:    time.Now(),
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT canonical_profession, synonym FROM service_synonyms WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("load service synonyms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var canonical, synonym string
		if err := rows.Scan(&canonical, &synonym); err != nil {
			return nil, fmt.Errorf("scan service synonym: %w", err)
		}
		snap.Professions[canonical] = append(snap.Professions[canonical], synonym)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service synonyms: %w", err)
	}

	cityRows, err := s.db.QueryxContext(ctx,
		`SELECT canonical_city, synonym FROM city_synonyms WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("load city synonyms: %w", err)
	}
	defer cityRows.Close()
	for cityRows.Next() {
		var canonical, synonym string
		if err := cityRows.Scan(&canonical, &synonym); err != nil {
			return nil, fmt.Errorf("scan city synonym: %w", err)
		}
		snap.Cities[canonical] = append(snap.Cities[canonical], synonym)
	}
	if err := cityRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate city synonyms: %w", err)
	}

	snap.buildIndexes()
	return snap, nil
}

// Refresh forces a reload from the relational store, replaces the snapshot
// atomically, and resets the TTL.
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.load(ctx, true)
	return err
}

// ResolveProfession maps free text to a canonical profession. Exact
// normalized lookup first, then containment in either direction. It reports
// false when nothing in the catalog matches.
func (s *Service) ResolveProfession(ctx context.Context, text string) (string, bool) {
	n := normtext.Normalize(text)
	if n == "" {
		return "", false
	}
	snap := s.snapshot(ctx)
	if canonical, ok := snap.professionIndex[n]; ok {
		return canonical, true
	}
	for _, key := range snap.professionKeys {
		if strings.Contains(n, key) || strings.Contains(key, n) {
			return snap.professionIndex[key], true
		}
	}
	return "", false
}

// ResolveCity maps free text to a canonical city by normalized equality
// against the canonicals and their synonyms.
func (s *Service) ResolveCity(ctx context.Context, text string) (string, bool) {
	n := normtext.Normalize(text)
	if n == "" {
		return "", false
	}
	canonical, ok := s.snapshot(ctx).cityIndex[n]
	return canonical, ok
}

// Professions returns all canonical professions, sorted.
func (s *Service) Professions(ctx context.Context) []string {
	return slices.Clone(s.snapshot(ctx).canonicalOrder)
}

// Cities returns all canonical cities, sorted.
func (s *Service) Cities(ctx context.Context) []string {
	snap := s.snapshot(ctx)
	out := make([]string, 0, len(snap.Cities))
	for c := range snap.Cities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Synonyms returns the synonym set of a canonical profession, including the
// canonical itself. Used by the search layer for OR-expansion.
func (s *Service) Synonyms(ctx context.Context, canonical string) []string {
	snap := s.snapshot(ctx)
	syns, ok := snap.Professions[canonical]
	if !ok {
		return []string{canonical}
	}
	out := make([]string, 0, len(syns)+1)
	out = append(out, canonical)
	for _, syn := range syns {
		if !slices.Contains(out, syn) {
			out = append(out, syn)
		}
	}
	return out
}
