package trigger

import (
	"path/filepath"
	"testing"
	"time"
)

func newTriggerStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "trigger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduledJobRoundTrip(t *testing.T) {
	store := newTriggerStore(t)
	created := time.Now().UTC().Truncate(time.Millisecond)

	job := ScheduledJob{
		ID: "acme-nightly", Customer: "acme", Tenant: "prod-account",
		Expression: "0 2 * * *",
		Regions:    []string{"us-east-1"},
		Rulesets:   []string{"cis-aws"},
		Enabled:    true,
		CreatedAt:  created,
	}
	if err := store.Create(job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get("acme-nightly")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tenant != "prod-account" || !got.Enabled || got.Regions[0] != "us-east-1" {
		t.Fatalf("unexpected record: %#v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created-at drifted: %v vs %v", got.CreatedAt, created)
	}
}

func TestScheduledJobListScopedToCustomer(t *testing.T) {
	store := newTriggerStore(t)
	for _, j := range []ScheduledJob{
		{ID: "acme-a", Customer: "acme", Tenant: "t1", Expression: "rate(1 hour)", CreatedAt: time.Now()},
		{ID: "acme-b", Customer: "acme", Tenant: "t2", Expression: "rate(1 hour)", CreatedAt: time.Now()},
		{ID: "globex-a", Customer: "globex", Tenant: "t3", Expression: "rate(1 hour)", CreatedAt: time.Now()},
	} {
		if err := store.Create(j); err != nil {
			t.Fatalf("create %s: %v", j.ID, err)
		}
	}

	acme, err := store.List("acme")
	if err != nil {
		t.Fatalf("list acme: %v", err)
	}
	if len(acme) != 2 {
		t.Fatalf("expected 2 acme jobs, got %d", len(acme))
	}
	all, err := store.List("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
}

func TestScheduledJobUpdateAndDeleteMissing(t *testing.T) {
	store := newTriggerStore(t)

	err := store.Update(ScheduledJob{ID: "ghost", Expression: "rate(1 hour)"})
	if !IsNotFound(err) {
		t.Fatalf("update missing: %v", err)
	}
	if err := store.Delete("ghost"); !IsNotFound(err) {
		t.Fatalf("delete missing: %v", err)
	}
}
