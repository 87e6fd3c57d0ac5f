package reports

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/locks"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/objectstore"
	"github.com/sentra-scan/sentra/internal/sharding"
	"github.com/sentra-scan/sentra/internal/tenants"
)

// TenantLister enumerates tenants for the periodic snapshot pass.
type TenantLister interface {
	ListTenants(customer string) ([]tenants.Tenant, error)
}

// Finalizer folds finished scan output into durable tenant state. A
// standard job's shards merge into latest/ and freeze a snapshot; an
// event-driven scan additionally persists its diff against the nearest
// older snapshot.
type Finalizer struct {
	writer   *sharding.Writer
	registry *metadata.Registry
	locks    *locks.Keyed
	logger   *zap.Logger
	now      func() time.Time
}

// NewFinalizer wires a finalizer.
func NewFinalizer(writer *sharding.Writer, registry *metadata.Registry, logger *zap.Logger) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{
		writer:   writer,
		registry: registry,
		locks:    locks.NewKeyed(),
		logger:   logger,
		now:      time.Now,
	}
}

// FinalizeJob merges a succeeded standard job's result shards into the
// tenant's latest/ state, folds in its execution statistics and freezes
// a snapshot of the merged state.
func (f *Finalizer) FinalizeJob(ctx context.Context, ns sharding.Namespace, jobID string, submittedAt time.Time) error {
	prefix := ns.JobResultPrefix(jobID, submittedAt)
	result := sharding.Open(f.writer.Store(), ns, prefix, nil)

	empty, err := result.Empty(ctx)
	if err != nil {
		return fmt.Errorf("read job result %s: %w", jobID, err)
	}
	if err := f.mergeStatistics(ctx, ns, prefix); err != nil {
		return err
	}
	if empty {
		// A clean scan leaves no parts; nothing to merge or freeze.
		return nil
	}

	if err := f.writer.WriteLatest(ctx, result); err != nil {
		return fmt.Errorf("merge job %s into latest: %w", jobID, err)
	}
	if err := f.writer.WriteSnapshot(ctx, ns, f.now()); err != nil {
		return fmt.Errorf("snapshot after job %s: %w", jobID, err)
	}
	f.logger.Info("job results finalized",
		zap.String("job", jobID),
		zap.String("customer", ns.Customer),
		zap.String("account", ns.Account))
	return nil
}

// FinalizeBatchResult persists an event-driven scan's diff against the
// nearest snapshot older than its submission, then merges the result into
// latest/ and freezes a snapshot. With no qualifying snapshot the whole
// result counts as new.
func (f *Finalizer) FinalizeBatchResult(ctx context.Context, ns sharding.Namespace, brID string, submittedAt time.Time) error {
	current := sharding.Open(f.writer.Store(), ns, ns.BatchResultPrefix(brID, submittedAt), nil)

	bundle, err := f.registry.Latest(ctx)
	if err != nil {
		return fmt.Errorf("load metadata bundle: %w", err)
	}

	previous, _, err := f.writer.OpenNearestSnapshot(ctx, ns, submittedAt)
	if err != nil {
		if !objectstore.IsNotFound(err) {
			return fmt.Errorf("open snapshot for %s: %w", brID, err)
		}
		previous = sharding.NewCollection(ns, nil)
	}

	diff, err := Diff(ctx, current, previous, bundle)
	if err != nil {
		return fmt.Errorf("diff batch result %s: %w", brID, err)
	}
	if err := f.writer.WriteDifference(ctx, diff, brID, submittedAt); err != nil {
		return fmt.Errorf("write difference for %s: %w", brID, err)
	}

	if err := f.writer.WriteLatest(ctx, current); err != nil {
		return fmt.Errorf("merge batch result %s into latest: %w", brID, err)
	}
	if err := f.writer.WriteSnapshot(ctx, ns, f.now()); err != nil {
		return fmt.Errorf("snapshot after batch result %s: %w", brID, err)
	}
	f.logger.Info("batch result finalized",
		zap.String("batch_result", brID),
		zap.String("customer", ns.Customer),
		zap.String("account", ns.Account))
	return nil
}

// mergeStatistics appends a result prefix's statistics sidecar onto the
// tenant's accumulated latest/ statistics.
func (f *Finalizer) mergeStatistics(ctx context.Context, ns sharding.Namespace, srcPrefix string) error {
	items, err := LoadStatistics(ctx, f.writer.Store(), srcPrefix)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	release := f.locks.Acquire("stats-write:" + ns.Customer + ":" + ns.Account)
	defer release()

	accumulated, err := LoadStatistics(ctx, f.writer.Store(), ns.LatestPrefix())
	if err != nil {
		return err
	}
	return SaveStatistics(ctx, f.writer.Store(), ns.LatestPrefix(), append(accumulated, items...))
}

// Run freezes an hourly snapshot of every tenant whose latest/ state is
// non-empty, until the context ends.
func (f *Finalizer) Run(ctx context.Context, lister TenantLister) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.SnapshotAll(ctx, lister)
		}
	}
}

// SnapshotAll is one pass of the hourly snapshot cadence.
func (f *Finalizer) SnapshotAll(ctx context.Context, lister TenantLister) {
	all, err := lister.ListTenants("")
	if err != nil {
		f.logger.Warn("list tenants for snapshots", zap.Error(err))
		return
	}
	at := f.now()
	for _, t := range all {
		ns := sharding.Namespace{Customer: t.Customer, Cloud: t.Cloud, Account: t.AccountID}
		empty, err := f.writer.OpenLatest(ns).Empty(ctx)
		if err != nil {
			f.logger.Warn("read latest state", zap.String("tenant", t.Name), zap.Error(err))
			continue
		}
		if empty {
			continue
		}
		if err := f.writer.WriteSnapshot(ctx, ns, at); err != nil {
			f.logger.Warn("hourly snapshot", zap.String("tenant", t.Name), zap.Error(err))
		}
	}
}
