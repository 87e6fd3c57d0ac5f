package siem

import (
	"context"

	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/events"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/sharding"
	"github.com/sentra-scan/sentra/internal/tenants"
)

// PartSource supplies the filtered latest parts of one tenant.
type PartSource interface {
	Prepared(ctx context.Context, ns sharding.Namespace, tenant string) ([]sharding.Part, *metadata.Bundle, error)
}

// TenantResolver maps tenant names onto their records.
type TenantResolver interface {
	GetTenant(name string) (*tenants.Tenant, error)
}

// Forwarder subscribes to scan completions and pushes each finished
// tenant's current findings downstream. Delivery is best-effort; a failed
// push is retried implicitly by the next completion.
type Forwarder struct {
	bus     *events.Bus
	source  PartSource
	tenants TenantResolver
	pusher  *Pusher
	opts    Options
	logger  *zap.Logger
}

// NewForwarder wires a forwarder.
func NewForwarder(bus *events.Bus, source PartSource, resolver TenantResolver, pusher *Pusher, opts Options, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		bus:     bus,
		source:  source,
		tenants: resolver,
		pusher:  pusher,
		opts:    opts,
		logger:  logger,
	}
}

// Run consumes job completions until the context ends.
func (f *Forwarder) Run(ctx context.Context) error {
	ch := f.bus.Subscribe("siem-forwarder")
	defer f.bus.Unsubscribe("siem-forwarder")

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if evt.Type != events.JobSucceeded {
				continue
			}
			f.Forward(ctx, evt.Tenant)
		}
	}
}

// Forward pushes one tenant's current findings downstream.
func (f *Forwarder) Forward(ctx context.Context, tenantName string) {
	tenant, err := f.tenants.GetTenant(tenantName)
	if err != nil {
		f.logger.Warn("resolve tenant for siem push",
			zap.String("tenant", tenantName), zap.Error(err))
		return
	}
	ns := sharding.Namespace{Customer: tenant.Customer, Cloud: tenant.Cloud, Account: tenant.AccountID}

	parts, bundle, err := f.source.Prepared(ctx, ns, tenantName)
	if err != nil {
		f.logger.Warn("prepare findings for siem push",
			zap.String("tenant", tenantName), zap.Error(err))
		return
	}
	if len(parts) == 0 {
		return
	}

	findings, err := Findings(parts, bundle, f.opts)
	if err != nil {
		f.logger.Warn("convert findings for siem push",
			zap.String("tenant", tenantName), zap.Error(err))
		return
	}

	report, err := f.pusher.Push(ctx, findings)
	if err != nil {
		f.logger.Warn("siem push incomplete",
			zap.String("tenant", tenantName),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Error(err))
		return
	}
	f.logger.Info("siem push delivered",
		zap.String("tenant", tenantName),
		zap.Int("findings", len(findings)),
		zap.Int("batches", report.Succeeded))
}
