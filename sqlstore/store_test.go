package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/eclaire-labs/jobqueue"
)

// openTestStore opens an in-memory SQLite store. The single pooled
// connection keeps the database alive for the test's duration.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(SQLite, ":memory:", SetLogger(jobqueue.NopLogger{}))
	if err != nil {
		t.Fatalf("Open failed with %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenUnknownDialect(t *testing.T) {
	if _, err := Open(Dialect("oracle"), "dsn"); err == nil {
		t.Fatal("expected Open to fail for an unknown dialect")
	}
}

func TestStorePicksClaimStrategy(t *testing.T) {
	store := openTestStore(t)
	if store.skipLocked {
		t.Fatal("expected SQLite to use the serialized claim")
	}
	if !Postgres.supportsSkipLocked() || !MySQL.supportsSkipLocked() {
		t.Fatal("expected Postgres and MySQL to support skip-locked")
	}
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	store := openTestStore(t)
	// Open already applied the schema once.
	if err := store.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema failed with %v", err)
	}
}

func TestInsertAndGetJobRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := nowMillis()
	job := &jobqueue.Job{
		ID:          jobqueue.NewJobID(),
		Queue:       "q",
		Key:         "k",
		Data:        []byte(`{"n":1}`),
		Status:      jobqueue.Pending,
		Priority:    7,
		MaxAttempts: 3,
		Backoff:     jobqueue.BackoffSpec{Type: jobqueue.BackoffLinear, Delay: 2 * time.Second},
		Stages:      jobqueue.InitStages([]string{"a", "b"}),
		Metadata:    map[string]interface{}{"user": "u1"},
		Created:     now,
		Updated:     now,
	}
	if err := store.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob failed with %v", err)
	}

	got, err := store.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed with %v", err)
	}
	if have, want := got.Key, "k"; have != want {
		t.Fatalf("Key = %q, want %q", have, want)
	}
	if have, want := string(got.Data), `{"n":1}`; have != want {
		t.Fatalf("Data = %s, want %s", have, want)
	}
	if have, want := got.Priority, 7; have != want {
		t.Fatalf("Priority = %d, want %d", have, want)
	}
	if have, want := got.Backoff.Type, jobqueue.BackoffLinear; have != want {
		t.Fatalf("Backoff.Type = %q, want %q", have, want)
	}
	if have, want := got.Backoff.Delay, 2*time.Second; have != want {
		t.Fatalf("Backoff.Delay = %v, want %v", have, want)
	}
	if have, want := len(got.Stages), 2; have != want {
		t.Fatalf("len(Stages) = %d, want %d", have, want)
	}
	if have, want := got.Metadata["user"], "u1"; have != want {
		t.Fatalf("Metadata[user] = %v, want %v", have, want)
	}

	byKey, err := store.GetJobByKey(ctx, "q", "k")
	if err != nil {
		t.Fatalf("GetJobByKey failed with %v", err)
	}
	if byKey.ID != job.ID {
		t.Fatalf("GetJobByKey returned %q, want %q", byKey.ID, job.ID)
	}
}

func TestGetJobNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetJob(context.Background(), "missing"); err != jobqueue.ErrNotFound {
		t.Fatalf("expected ErrNotFound, have %v", err)
	}
}
