package siem

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sentra-scan/sentra/internal/apierr"
	"github.com/sentra-scan/sentra/internal/metrics"
)

// Target is one SIEM destination accepting batches of findings.
type Target interface {
	Name() string
	Send(ctx context.Context, batch []Finding) error
}

// PushReport is the per-push success/failure split.
type PushReport struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Pusher fans batches out to a target with bounded parallelism.
type Pusher struct {
	target      Target
	batchSize   int
	maxParallel int
	logger      *zap.Logger
}

// NewPusher creates a pusher. batchSize and maxParallel fall back to sane
// defaults when non-positive.
func NewPusher(target Target, batchSize, maxParallel int, logger *zap.Logger) *Pusher {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{target: target, batchSize: batchSize, maxParallel: maxParallel, logger: logger}
}

// Push delivers findings in batches. A failed batch never aborts the
// others; a partial delivery returns UPSTREAM_UNAVAILABLE carrying the
// split so callers can surface 503 with the counts.
func (p *Pusher) Push(ctx context.Context, findings []Finding) (PushReport, error) {
	batches := make([][]Finding, 0)
	for start := 0; start < len(findings); start += p.batchSize {
		end := start + p.batchSize
		if end > len(findings) {
			end = len(findings)
		}
		batches = append(batches, findings[start:end])
	}

	var succeeded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxParallel)
	for _, batch := range batches {
		g.Go(func() error {
			if err := p.target.Send(gctx, batch); err != nil {
				failed.Add(1)
				metrics.SiemPushBatchesTotal.WithLabelValues(p.target.Name(), "failed").Inc()
				p.logger.Warn("siem batch push failed",
					zap.String("target", p.target.Name()),
					zap.Int("findings", len(batch)),
					zap.Error(err))
				return nil
			}
			succeeded.Add(1)
			metrics.SiemPushBatchesTotal.WithLabelValues(p.target.Name(), "ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	report := PushReport{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}
	if report.Failed > 0 {
		return report, apierr.New(apierr.UpstreamUnavailable,
			"siem push to %s incomplete: %d batches delivered, %d failed",
			p.target.Name(), report.Succeeded, report.Failed)
	}
	return report, nil
}
