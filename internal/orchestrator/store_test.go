package orchestrator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sentra-scan/sentra/internal/cloud"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestJobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := Job{
		ID: "j1", Tenant: "prod-account", Customer: "acme", Owner: "ops",
		SubmittedAt: now, Status: cloud.JobSubmitted, ScanType: cloud.ScanManual,
		RequestedRulesets: []string{"cis-aws"},
		LicensedRulesets:  []string{"cis-aws"},
		Regions:           []string{"us-east-1", "eu-west-1"},
		LicenseKeys:       []string{"LIC-1"},
		NativeJobID:       "native-1",
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetJobByNativeID("native-1")
	if err != nil {
		t.Fatalf("get by native id: %v", err)
	}
	if got.ID != "j1" || len(got.Regions) != 2 || got.LicenseKeys[0] != "LIC-1" {
		t.Fatalf("unexpected job: %#v", got)
	}
	if !got.SubmittedAt.Equal(now) {
		t.Fatalf("submitted-at drifted: %v vs %v", got.SubmittedAt, now)
	}
	if !got.Licensed() {
		t.Fatal("job with license keys must report licensed")
	}
}

func TestSetJobStatusCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateJob(Job{ID: "j1", Tenant: "t", Customer: "c", SubmittedAt: time.Now()}); err != nil {
		t.Fatalf("create: %v", err)
	}

	changed, err := store.SetJobStatus("j1", cloud.JobRunning)
	if err != nil || !changed {
		t.Fatalf("advance to RUNNING: changed=%v err=%v", changed, err)
	}
	changed, err = store.SetJobStatus("j1", cloud.JobPending)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if changed {
		t.Fatal("backwards transition must be ignored")
	}
	changed, err = store.SetJobStatus("j1", cloud.JobFailed)
	if err != nil || !changed {
		t.Fatalf("advance to FAILED: changed=%v err=%v", changed, err)
	}
	// Terminal states are final.
	if changed, _ = store.SetJobStatus("j1", cloud.JobSucceeded); changed {
		t.Fatal("terminal status must not flip")
	}
}

func TestFillJobFieldsFirstValueWins(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateJob(Job{ID: "j1", Tenant: "t", Customer: "c", SubmittedAt: time.Now()}); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.FillJobFields("j1", JobFields{StartedAt: first, JobQueue: "q1"}); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if err := store.FillJobFields("j1", JobFields{StartedAt: first.Add(time.Hour), JobQueue: "q2"}); err != nil {
		t.Fatalf("second fill: %v", err)
	}

	got, err := store.GetJob("j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.StartedAt.Equal(first) || got.JobQueue != "q1" {
		t.Fatalf("later report overwrote fields: %#v", got)
	}
}

func TestBatchResultConflictKeepsFirst(t *testing.T) {
	store := newTestStore(t)

	br := BatchResult{
		ID: "br1", Tenant: "t", Customer: "c", Cloud: cloud.AWS,
		Region: "us-east-1", EventHash: "h",
		RegistrationStart: time.Now(),
		RegionRules:       map[string][]string{"us-east-1": {"r1"}},
	}
	first, err := store.CreateBatchResult(br)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := br
	dup.ID = "br2"
	second, err := store.CreateBatchResult(dup)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("conflict produced a second record: %s", second.ID)
	}
	if second.RegionRules["us-east-1"][0] != "r1" {
		t.Fatalf("region rules lost: %#v", second.RegionRules)
	}
}
