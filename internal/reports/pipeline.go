package reports

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/apierr"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/sharding"
)

// Pipeline derives read-model reports from a tenant's latest shard
// collection: raw parts pass through modifications, deduplication and
// exception filtering before any report builder sees them.
type Pipeline struct {
	writer     *sharding.Writer
	registry   *metadata.Registry
	exceptions *ExceptionStore
	logger     *zap.Logger
	now        func() time.Time
}

// NewPipeline wires a derivation pipeline.
func NewPipeline(writer *sharding.Writer, registry *metadata.Registry, exceptions *ExceptionStore, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		writer:     writer,
		registry:   registry,
		exceptions: exceptions,
		logger:     logger,
		now:        time.Now,
	}
}

// prepared is the post-filter view of one tenant's latest state.
type prepared struct {
	parts     []sharding.Part
	bundle    *metadata.Bundle
	summaries []ExceptionSummary
}

func (p *Pipeline) prepare(ctx context.Context, ns sharding.Namespace, tenant string) (*prepared, error) {
	bundle, err := p.registry.Latest(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.UpstreamUnavailable, err, "load metadata bundle")
	}

	collection := p.writer.OpenLatest(ns)
	parts, err := collection.IterParts(ctx, sharding.Filter{})
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, err, "read latest collection for %s", tenant)
	}

	parts = ApplyModifications(parts, bundle)
	parts = Deduplicate(parts, ns.Cloud, bundle)

	var exceptions []ResourceException
	if p.exceptions != nil {
		exceptions, err = p.exceptions.List(ns.Customer, tenant)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageTransient, err, "load exceptions for %s", tenant)
		}
	}
	filtered := FilterExceptions(parts, ns.Cloud, bundle, exceptions, p.now())

	return &prepared{parts: filtered.Kept, bundle: bundle, summaries: filtered.Summaries}, nil
}

// Digest builds the headline report for a tenant's latest state.
func (p *Pipeline) Digest(ctx context.Context, ns sharding.Namespace, tenant string, executedRules []string) (Digest, error) {
	prep, err := p.prepare(ctx, ns, tenant)
	if err != nil {
		return Digest{}, err
	}
	return BuildDigest(prep.parts, ns.Cloud, prep.bundle, executedRules), nil
}

// Details builds the per-(rule, region) violation listing.
func (p *Pipeline) Details(ctx context.Context, ns sharding.Namespace, tenant string) ([]DetailItem, error) {
	prep, err := p.prepare(ctx, ns, tenant)
	if err != nil {
		return nil, err
	}
	return BuildDetails(prep.parts, prep.bundle), nil
}

// Coverage builds the per-standard compliance percentages. Outcomes are
// derived from the filtered parts: a rule with surviving resources failed,
// everything else listed as executed passed.
func (p *Pipeline) Coverage(ctx context.Context, ns sharding.Namespace, tenant string, executedRules []string, techOnly bool) ([]StandardCoverage, error) {
	prep, err := p.prepare(ctx, ns, tenant)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]RuleOutcome, len(executedRules))
	for _, rule := range executedRules {
		outcomes[rule] = RuleOutcome{Executed: true}
	}
	for _, part := range prep.parts {
		o := outcomes[part.Policy]
		o.Executed = true
		o.Violations += len(part.Resources)
		outcomes[part.Policy] = o
	}
	return Coverage(prep.bundle, ns.Cloud, outcomes, techOnly), nil
}

// Prepared exposes the filtered latest parts and the bundle they were
// read under, for consumers that build their own projections.
func (p *Pipeline) Prepared(ctx context.Context, ns sharding.Namespace, tenant string) ([]sharding.Part, *metadata.Bundle, error) {
	prep, err := p.prepare(ctx, ns, tenant)
	if err != nil {
		return nil, nil, err
	}
	return prep.parts, prep.bundle, nil
}

// Statistics aggregates the tenant's accumulated execution statistics
// into per-(rule, region) averages.
func (p *Pipeline) Statistics(ctx context.Context, ns sharding.Namespace, tenant string) ([]AverageStatistics, error) {
	items, err := LoadStatistics(ctx, p.writer.Store(), ns.LatestPrefix())
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, err, "read statistics for %s", tenant)
	}
	return Aggregate(items), nil
}

// FailedRuleStatistics is the failed-only statistics view.
func (p *Pipeline) FailedRuleStatistics(ctx context.Context, ns sharding.Namespace, tenant string) ([]FailedStatistics, error) {
	items, err := LoadStatistics(ctx, p.writer.Store(), ns.LatestPrefix())
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, err, "read statistics for %s", tenant)
	}
	return FailedOnly(items), nil
}

// ExceptionImpact reports what each active exception removed from the
// latest state.
func (p *Pipeline) ExceptionImpact(ctx context.Context, ns sharding.Namespace, tenant string) ([]ExceptionSummary, error) {
	prep, err := p.prepare(ctx, ns, tenant)
	if err != nil {
		return nil, err
	}
	if prep.summaries == nil {
		return []ExceptionSummary{}, nil
	}
	return prep.summaries, nil
}
