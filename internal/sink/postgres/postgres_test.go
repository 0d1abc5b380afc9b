package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/glassline/internal/sink/postgres"
	"github.com/MrWong99/glassline/internal/transcription"
)

// testDSN returns the test database DSN or skips the test.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("GLASSLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GLASSLINE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
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
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS transcripts`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_StoresFinalsOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	since := time.Now().Add(-time.Minute)

	base := transcription.Event{
		Key:         "transcription:en-US",
		UtteranceID: "u-1",
		Language:    "en-US",
		Start:       time.Second,
		End:         2 * time.Second,
		Timestamp:   time.Now(),
	}
	interim := base
	interim.Text = "Hi"
	final := base
	final.Text = "Hi there"
	final.IsFinal = true

	if err := store.Consume(ctx, "user-1", interim); err != nil {
		t.Fatalf("Consume interim: %v", err)
	}
	if err := store.Consume(ctx, "user-1", final); err != nil {
		t.Fatalf("Consume final: %v", err)
	}

	got, err := store.Recent(ctx, "user-1", since)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent returned %d rows, want 1", len(got))
	}
	if got[0].Text != "Hi there" || got[0].Start != time.Second || got[0].End != 2*time.Second {
		t.Errorf("row = %+v", got[0])
	}
}

func TestStore_RepeatedFinalOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	ev := transcription.Event{Key: "transcription:en-US", UtteranceID: "u-1", IsFinal: true, Text: "first", Timestamp: time.Now()}
	if err := store.Consume(ctx, "user-1", ev); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	ev.Text = "second"
	if err := store.Consume(ctx, "user-1", ev); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	got, err := store.Recent(ctx, "user-1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Text != "second" {
		t.Errorf("rows = %+v, want one row with text second", got)
	}
}

func TestStore_IsolatesUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	for _, user := range []string{"a", "b"} {
		ev := transcription.Event{Key: "k", UtteranceID: "u", IsFinal: true, Text: user, Timestamp: time.Now()}
		if err := store.Consume(ctx, user, ev); err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}
	got, err := store.Recent(ctx, "a", time.Time{})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Text != "a" {
		t.Errorf("rows for a = %+v", got)
	}
}
