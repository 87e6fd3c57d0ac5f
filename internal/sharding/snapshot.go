package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/sentra-scan/sentra/internal/locks"
	"github.com/sentra-scan/sentra/internal/objectstore"
)

// Writer persists collections under the result-bucket key layout. Writes to a
// tenant's latest/ prefix serialize on a per-tenant advisory lock; job result
// prefixes are naturally unique and need no lock.
type Writer struct {
	store objectstore.Store
	locks *locks.Keyed
}

// NewWriter creates a collection writer over an object store.
func NewWriter(store objectstore.Store) *Writer {
	return &Writer{store: store, locks: locks.NewKeyed()}
}

// Store exposes the underlying object store.
func (w *Writer) Store() objectstore.Store { return w.store }

// WriteJobResult writes a standard job's result shards.
func (w *Writer) WriteJobResult(ctx context.Context, c *Collection, jobID string, submittedAt time.Time) error {
	return c.Write(ctx, w.store, c.Namespace().JobResultPrefix(jobID, submittedAt))
}

// WriteBatchResult writes an event-driven scan's result shards.
func (w *Writer) WriteBatchResult(ctx context.Context, c *Collection, brID string, submittedAt time.Time) error {
	return c.Write(ctx, w.store, c.Namespace().BatchResultPrefix(brID, submittedAt))
}

// WriteDifference writes an event-driven scan's diff shards. A diff is
// computed once, at write time, and never recomputed on read.
func (w *Writer) WriteDifference(ctx context.Context, c *Collection, brID string, submittedAt time.Time) error {
	return c.Write(ctx, w.store, c.Namespace().DifferencePrefix(brID, submittedAt))
}

// WriteLatest merges the collection into the tenant's latest/ state under
// the advisory lock. Readers observe either the pre- or post-write state of
// each shard.
func (w *Writer) WriteLatest(ctx context.Context, c *Collection) error {
	ns := c.Namespace()
	release := w.locks.Acquire("latest-write:" + ns.Customer + ":" + ns.Account)
	defer release()

	latest := Open(w.store, ns, ns.LatestPrefix(), nil)
	if err := latest.Merge(ctx, c); err != nil {
		return fmt.Errorf("merge into latest: %w", err)
	}
	if err := latest.Write(ctx, w.store, ns.LatestPrefix()); err != nil {
		return fmt.Errorf("write latest: %w", err)
	}
	return nil
}

// WriteSnapshot freezes the tenant's current latest/ state under the
// truncated-hour snapshot prefix.
func (w *Writer) WriteSnapshot(ctx context.Context, ns Namespace, at time.Time) error {
	hour := at.UTC().Truncate(time.Hour)
	latest := Open(w.store, ns, ns.LatestPrefix(), nil)
	if err := latest.FetchAll(ctx); err != nil {
		return fmt.Errorf("snapshot: fetch latest: %w", err)
	}
	if err := latest.Write(ctx, w.store, ns.SnapshotPrefix(hour)); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", hour.Format(SnapshotHourLayout), err)
	}
	return nil
}

// OpenLatest opens the tenant's current state.
func (w *Writer) OpenLatest(ns Namespace) *Collection {
	return Open(w.store, ns, ns.LatestPrefix(), nil)
}

// OpenNearestSnapshot finds the newest snapshot at or before the given time
// using common-prefix listing, and opens it. Returns objectstore.ErrNotFound
// when no snapshot qualifies.
func (w *Writer) OpenNearestSnapshot(ctx context.Context, ns Namespace, at time.Time) (*Collection, time.Time, error) {
	listing, err := w.store.List(ctx, ns.SnapshotsRoot(), "/")
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("list snapshots: %w", err)
	}

	var hours []time.Time
	for _, cp := range listing.CommonPrefixes {
		hour, err := ParseSnapshotHour(cp)
		if err != nil {
			continue
		}
		hours = append(hours, hour)
	}
	SortHoursDescending(hours)

	cutoff := at.UTC().Truncate(time.Hour)
	for _, hour := range hours {
		if hour.After(cutoff) {
			continue
		}
		return Open(w.store, ns, ns.SnapshotPrefix(hour), nil), hour, nil
	}
	return nil, time.Time{}, fmt.Errorf("no snapshot at or before %s: %w",
		cutoff.Format(SnapshotHourLayout), objectstore.ErrNotFound)
}
