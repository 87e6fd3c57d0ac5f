package license

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/tenants"
)

// TenantDirectory lists the tenants whose entitlements get synced.
type TenantDirectory interface {
	ListTenants(customer string) ([]tenants.Tenant, error)
	SetActivatedAt(name string, at time.Time) error
}

// Synchronizer periodically pulls each customer's entitlements from the
// License Manager into the local store. Licenses the LM no longer reports
// are removed through the cascade; tenants covered for the first time get
// their activation date registered.
type Synchronizer struct {
	lm      API
	store   *Store
	tenants TenantDirectory
	remover *Remover
	logger  *zap.Logger
	now     func() time.Time
}

// NewSynchronizer wires a synchronizer.
func NewSynchronizer(lm API, store *Store, directory TenantDirectory, remover *Remover, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		lm:      lm,
		store:   store,
		tenants: directory,
		remover: remover,
		logger:  logger,
		now:     time.Now,
	}
}

// Run syncs immediately, then on every tick until the context ends.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.SyncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll refreshes every customer's entitlements. Per-customer failures
// are logged and do not block the others.
func (s *Synchronizer) SyncAll(ctx context.Context) {
	all, err := s.tenants.ListTenants("")
	if err != nil {
		s.logger.Warn("list tenants for license sync", zap.Error(err))
		return
	}

	byCustomer := make(map[string][]tenants.Tenant)
	for _, t := range all {
		byCustomer[t.Customer] = append(byCustomer[t.Customer], t)
	}
	for customer, owned := range byCustomer {
		if err := s.SyncCustomer(ctx, customer, owned); err != nil {
			s.logger.Warn("license sync failed",
				zap.String("customer", customer), zap.Error(err))
		}
	}
}

// SyncCustomer pulls one customer's entitlements, upserts them, cascades
// the removal of licenses the LM dropped, and registers first activations.
func (s *Synchronizer) SyncCustomer(ctx context.Context, customer string, owned []tenants.Tenant) error {
	synced, err := s.lm.SyncLicenses(ctx, customer)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	current := make(map[string]bool, len(synced))
	for _, l := range synced {
		current[l.Key] = true
		l.SyncedAt = now
		if err := s.store.Put(l); err != nil {
			return err
		}
	}

	stored, err := s.store.List()
	if err != nil {
		return err
	}
	for _, l := range stored {
		if current[l.Key] {
			continue
		}
		if _, scoped := l.Customers[customer]; !scoped {
			continue
		}
		s.logger.Info("license dropped by license manager, cascading removal",
			zap.String("customer", customer), zap.String("license", l.Key))
		if err := s.remover.Remove(customer, l.Key); err != nil {
			return err
		}
	}

	s.activate(ctx, customer, owned, synced, now)
	s.logger.Debug("licenses synced",
		zap.String("customer", customer), zap.Int("count", len(synced)))
	return nil
}

// activate registers the activation date of tenants a synced license now
// covers for the first time. Best-effort; the LM call is retried on the
// next sync when it fails.
func (s *Synchronizer) activate(ctx context.Context, customer string, owned []tenants.Tenant, synced []License, now time.Time) {
	for _, t := range owned {
		if !t.ActivatedAt.IsZero() {
			continue
		}
		covered := false
		for _, l := range synced {
			if !l.Expired(now) && l.Permits(customer, t.Name) {
				covered = true
				break
			}
		}
		if !covered {
			continue
		}
		if err := s.lm.SetActivationDate(ctx, customer, t.Name, now); err != nil {
			s.logger.Warn("set activation date",
				zap.String("tenant", t.Name), zap.Error(err))
			continue
		}
		if err := s.tenants.SetActivatedAt(t.Name, now); err != nil {
			s.logger.Warn("record activation date",
				zap.String("tenant", t.Name), zap.Error(err))
			continue
		}
		s.logger.Info("tenant activated",
			zap.String("customer", customer), zap.String("tenant", t.Name))
	}
}
