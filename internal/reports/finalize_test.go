package reports

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/objectstore"
	"github.com/sentra-scan/sentra/internal/sharding"
	"github.com/sentra-scan/sentra/internal/tenants"
)

func newTestFinalizer(t *testing.T) (*Finalizer, *sharding.Writer, objectstore.Store) {
	t.Helper()
	store := objectstore.NewMemory()
	writer := sharding.NewWriter(store)
	registry := metadata.NewRegistry(store, zap.NewNop())
	if err := registry.PutBundle(context.Background(), testBundle()); err != nil {
		t.Fatalf("put bundle: %v", err)
	}
	return NewFinalizer(writer, registry, zap.NewNop()), writer, store
}

func writeResult(t *testing.T, store objectstore.Store, ns sharding.Namespace, prefix string, instanceIDs ...string) {
	t.Helper()
	resources := make([]map[string]any, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		resources = append(resources, map[string]any{"InstanceId": id})
	}
	c := sharding.NewCollection(ns, nil)
	c.PutPart(sharding.NewPart("ec2-public", "us-east-1", resources))
	if err := c.Write(context.Background(), store, prefix); err != nil {
		t.Fatalf("write result under %s: %v", prefix, err)
	}
}

func TestFinalizeJobMergesLatestAndSnapshots(t *testing.T) {
	ctx := context.Background()
	ns := testNamespace()
	f, writer, store := newTestFinalizer(t)

	submittedAt := time.Date(2026, 5, 1, 10, 20, 0, 0, time.UTC)
	f.now = func() time.Time { return submittedAt.Add(5 * time.Minute) }
	writeResult(t, store, ns, ns.JobResultPrefix("job-1", submittedAt), "i-1", "i-2")

	if err := f.FinalizeJob(ctx, ns, "job-1", submittedAt); err != nil {
		t.Fatalf("finalize job: %v", err)
	}

	latest, err := writer.OpenLatest(ns).IterParts(ctx, sharding.Filter{})
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	if len(latest) != 1 || len(latest[0].Resources) != 2 {
		t.Fatalf("latest state not merged: %#v", latest)
	}

	snap, hour, err := writer.OpenNearestSnapshot(ctx, ns, f.now())
	if err != nil {
		t.Fatalf("expected a snapshot: %v", err)
	}
	if hour != submittedAt.Truncate(time.Hour) {
		t.Fatalf("unexpected snapshot hour: %v", hour)
	}
	parts, err := snap.IterParts(ctx, sharding.Filter{})
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(parts) != 1 || len(parts[0].Resources) != 2 {
		t.Fatalf("snapshot does not freeze latest: %#v", parts)
	}
}

func TestFinalizeJobAccumulatesStatistics(t *testing.T) {
	ctx := context.Background()
	ns := testNamespace()
	f, _, store := newTestFinalizer(t)

	submittedAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	prefix := ns.JobResultPrefix("job-1", submittedAt)
	writeResult(t, store, ns, prefix, "i-1")
	scanned := 4
	if err := SaveStatistics(ctx, store, prefix, []StatisticsItem{
		{Policy: "ec2-public", Region: "us-east-1", Start: 0, End: 3, ScannedResources: &scanned},
	}); err != nil {
		t.Fatalf("write job statistics: %v", err)
	}
	if err := SaveStatistics(ctx, store, ns.LatestPrefix(), []StatisticsItem{
		{Policy: "ec2-public", Region: "us-east-1", Start: 0, End: 1},
	}); err != nil {
		t.Fatalf("seed latest statistics: %v", err)
	}

	if err := f.FinalizeJob(ctx, ns, "job-1", submittedAt); err != nil {
		t.Fatalf("finalize job: %v", err)
	}

	items, err := LoadStatistics(ctx, store, ns.LatestPrefix())
	if err != nil {
		t.Fatalf("read accumulated statistics: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected job statistics appended, got %#v", items)
	}
}

func TestFinalizeEmptyJobLeavesNoState(t *testing.T) {
	ctx := context.Background()
	ns := testNamespace()
	f, writer, _ := newTestFinalizer(t)

	submittedAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := f.FinalizeJob(ctx, ns, "job-clean", submittedAt); err != nil {
		t.Fatalf("finalize empty job: %v", err)
	}
	if _, _, err := writer.OpenNearestSnapshot(ctx, ns, time.Now()); !objectstore.IsNotFound(err) {
		t.Fatalf("clean scan must not snapshot: %v", err)
	}
}

func TestFinalizeBatchResultWritesDifference(t *testing.T) {
	ctx := context.Background()
	ns := testNamespace()
	f, writer, store := newTestFinalizer(t)

	// Known state at 09:xx: i-old already violating.
	snapshotAt := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	writeResult(t, store, ns, ns.LatestPrefix(), "i-old")
	if err := writer.WriteSnapshot(ctx, ns, snapshotAt); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	submittedAt := snapshotAt.Add(2 * time.Hour)
	f.now = func() time.Time { return submittedAt.Add(time.Minute) }
	writeResult(t, store, ns, ns.BatchResultPrefix("br-1", submittedAt), "i-old", "i-new")

	if err := f.FinalizeBatchResult(ctx, ns, "br-1", submittedAt); err != nil {
		t.Fatalf("finalize batch result: %v", err)
	}

	diff := sharding.Open(store, ns, ns.DifferencePrefix("br-1", submittedAt), nil)
	parts, err := diff.IterParts(ctx, sharding.Filter{})
	if err != nil {
		t.Fatalf("read difference: %v", err)
	}
	if len(parts) != 1 || len(parts[0].Resources) != 1 {
		t.Fatalf("expected only the new violation in the diff, got %#v", parts)
	}
	if parts[0].Resources[0]["InstanceId"] != "i-new" {
		t.Fatalf("unexpected diff content: %#v", parts[0].Resources)
	}

	latest, err := writer.OpenLatest(ns).IterParts(ctx, sharding.Filter{})
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	total := 0
	for _, p := range latest {
		total += len(p.Resources)
	}
	if total < 2 {
		t.Fatalf("batch result not merged into latest: %#v", latest)
	}
}

func TestFinalizeBatchResultWithoutSnapshotDiffsEverything(t *testing.T) {
	ctx := context.Background()
	ns := testNamespace()
	f, _, store := newTestFinalizer(t)

	submittedAt := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return submittedAt }
	writeResult(t, store, ns, ns.BatchResultPrefix("br-1", submittedAt), "i-1", "i-2")

	if err := f.FinalizeBatchResult(ctx, ns, "br-1", submittedAt); err != nil {
		t.Fatalf("finalize batch result: %v", err)
	}

	diff := sharding.Open(store, ns, ns.DifferencePrefix("br-1", submittedAt), nil)
	parts, err := diff.IterParts(ctx, sharding.Filter{})
	if err != nil {
		t.Fatalf("read difference: %v", err)
	}
	if len(parts) != 1 || len(parts[0].Resources) != 2 {
		t.Fatalf("first event-driven scan must diff in full: %#v", parts)
	}
}

type staticTenants []tenants.Tenant

func (s staticTenants) ListTenants(string) ([]tenants.Tenant, error) { return s, nil }

func TestSnapshotAllSkipsEmptyTenants(t *testing.T) {
	ctx := context.Background()
	f, writer, store := newTestFinalizer(t)

	busy := testNamespace()
	writeResult(t, store, busy, busy.LatestPrefix(), "i-1")
	idle := sharding.Namespace{Customer: "acme", Cloud: cloud.AWS, Account: "000011112222"}

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return at }
	f.SnapshotAll(ctx, staticTenants{
		{Name: "busy", Customer: busy.Customer, Cloud: busy.Cloud, AccountID: busy.Account},
		{Name: "idle", Customer: idle.Customer, Cloud: idle.Cloud, AccountID: idle.Account},
	})

	if _, _, err := writer.OpenNearestSnapshot(ctx, busy, at); err != nil {
		t.Fatalf("expected snapshot for busy tenant: %v", err)
	}
	if _, _, err := writer.OpenNearestSnapshot(ctx, idle, at); !objectstore.IsNotFound(err) {
		t.Fatalf("idle tenant must not snapshot: %v", err)
	}
}
