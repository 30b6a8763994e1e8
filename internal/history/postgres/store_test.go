package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/retune/internal/history"
	"github.com/MrWong99/retune/internal/history/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if RETUNE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RETUNE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RETUNE_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS converted_files"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_AppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, r := range []history.Record{
		{InputPath: "a.wav", OutputPath: "a_432Hz.flac", DetectedHz: 440, TargetHz: 432},
		{InputPath: "b.wav", OutputPath: "b_528Hz.MP3", DetectedHz: 440, TargetHz: 528},
		{InputPath: "c.wav", OutputPath: "c_432Hz.mp3", DetectedHz: 441.2, TargetHz: 432},
	} {
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		got, err := store.Append(ctx, r)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if got.ID == 0 {
			t.Error("Append did not assign an ID")
		}
	}

	all, err := store.List(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].OutputPath != "c_432Hz.mp3" || all[2].OutputPath != "a_432Hz.flac" {
		t.Fatalf("List(all) order wrong: %+v", all)
	}

	mp3, err := store.List(ctx, history.Filter{Extension: ".mp3"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(mp3) != 2 {
		t.Errorf("extension filter: got %d, want 2", len(mp3))
	}

	at432, err := store.List(ctx, history.Filter{TargetHz: 432.005, Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(at432) != 1 || at432[0].InputPath != "c.wav" {
		t.Errorf("target filter with limit: %+v", at432)
	}
}

func TestStore_AppendDefaultsTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Minute)
	got, err := store.Append(ctx, history.Record{InputPath: "x", OutputPath: "x_432Hz.wav", TargetHz: 432})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got.CreatedAt.Before(before) {
		t.Errorf("CreatedAt = %v, expected server now()", got.CreatedAt)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
