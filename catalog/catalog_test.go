package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"servimatch.dev/kv"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func expectCatalogLoad(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT canonical_profession, synonym FROM service_synonyms`).
		WillReturnRows(sqlmock.NewRows([]string{"canonical_profession", "synonym"}).
			AddRow("plomero", "fontanero").
			AddRow("plomero", "plomería").
			AddRow("electricista", "eléctrico"))
	mock.ExpectQuery(`SELECT canonical_city, synonym FROM city_synonyms`).
		WillReturnRows(sqlmock.NewRows([]string{"canonical_city", "synonym"}).
			AddRow("Quito", "uio").
			AddRow("Guayaquil", "gye"))
}

func TestResolveProfession(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	expectCatalogLoad(mock)
	svc := New(db, nil, time.Hour)

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"plomero", "plomero", true},
		{"Fontanero", "plomero", true},
		{"PLOMERÍA", "plomero", true},
		{"necesito un fontanero urgente", "plomero", true}, // containment
		{"eléctrico", "electricista", true},
		{"astronauta", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := svc.ResolveProfession(ctx, tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ResolveProfession(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestResolveCity(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	expectCatalogLoad(mock)
	svc := New(db, nil, time.Hour)

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Quito", "Quito", true},
		{"quito", "Quito", true},
		{"UIO", "Quito", true},
		{"gye", "Guayaquil", true},
		{"Narnia", "", false},
	}
	for _, tt := range tests {
		got, ok := svc.ResolveCity(ctx, tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ResolveCity(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestProfessionsAndSynonyms(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	expectCatalogLoad(mock)
	svc := New(db, nil, time.Hour)

	profs := svc.Professions(ctx)
	if len(profs) != 2 || profs[0] != "electricista" || profs[1] != "plomero" {
		t.Errorf("Professions = %v", profs)
	}

	syns := svc.Synonyms(ctx, "plomero")
	if len(syns) != 3 || syns[0] != "plomero" {
		t.Errorf("Synonyms = %v", syns)
	}
	if got := svc.Synonyms(ctx, "unknown"); len(got) != 1 || got[0] != "unknown" {
		t.Errorf("Synonyms(unknown) = %v", got)
	}
}

func TestStaleSnapshotServedOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	expectCatalogLoad(mock)
	svc := New(db, nil, time.Millisecond)

	if _, ok := svc.ResolveProfession(ctx, "plomero"); !ok {
		t.Fatal("initial load failed")
	}

	// TTL expires, store now errors; the stale snapshot still answers.
	time.Sleep(5 * time.Millisecond)
	mock.ExpectQuery(`SELECT canonical_profession`).WillReturnError(errors.New("down"))
	if _, ok := svc.ResolveProfession(ctx, "plomero"); !ok {
		t.Error("expected stale snapshot to answer")
	}
}

func TestEmptyResolversWithoutAnySnapshot(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT canonical_profession`).WillReturnError(errors.New("down"))
	svc := New(db, nil, time.Hour)

	if _, ok := svc.ResolveProfession(ctx, "plomero"); ok {
		t.Error("expected no match with empty catalog")
	}
	if _, ok := svc.ResolveCity(ctx, "Quito"); ok {
		t.Error("expected no city match with empty catalog")
	}
}

func TestSharedSnapshot(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := kv.New(rdb, time.Second)

	// First service loads from SQL and publishes to the shared key.
	db1, mock1 := newMockDB(t)
	expectCatalogLoad(mock1)
	svc1 := New(db1, store, time.Hour)
	if err := svc1.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !mr.Exists(kv.CatalogKey) {
		t.Fatal("shared snapshot not written")
	}

	// Second service reads the shared snapshot without touching SQL.
	db2, _ := newMockDB(t)
	svc2 := New(db2, store, time.Hour)
	got, ok := svc2.ResolveProfession(ctx, "fontanero")
	if !ok || got != "plomero" {
		t.Errorf("shared resolve = %q,%v", got, ok)
	}
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	expectCatalogLoad(mock)
	svc := New(db, nil, time.Hour)
	if _, ok := svc.ResolveProfession(ctx, "plomero"); !ok {
		t.Fatal("initial load failed")
	}

	mock.ExpectQuery(`SELECT canonical_profession, synonym FROM service_synonyms`).
		WillReturnRows(sqlmock.NewRows([]string{"canonical_profession", "synonym"}).
			AddRow("gasfitero", "gasfitería"))
	mock.ExpectQuery(`SELECT canonical_city, synonym FROM city_synonyms`).
		WillReturnRows(sqlmock.NewRows([]string{"canonical_city", "synonym"}))
	if err := svc.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := svc.ResolveProfession(ctx, "plomero"); ok {
		t.Error("old vocabulary should be gone after refresh")
	}
	if got, ok := svc.ResolveProfession(ctx, "gasfitero"); !ok || got != "gasfitero" {
		t.Errorf("new vocabulary missing: %q,%v", got, ok)
	}
}
