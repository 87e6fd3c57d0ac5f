package license

import (
	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/events"
	"github.com/sentra-scan/sentra/internal/rules"
)

// Remover deletes licenses and cascades the cleanup into the rule catalog.
type Remover struct {
	licenses *Store
	catalog  *rules.Store
	bus      *events.Bus
	logger   *zap.Logger
}

// NewRemover wires the cascade.
func NewRemover(licenses *Store, catalog *rules.Store, bus *events.Bus, logger *zap.Logger) *Remover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remover{licenses: licenses, catalog: catalog, bus: bus, logger: logger}
}

// Remove deletes a license. Rulesets referencing only this license are
// deleted; rulesets with other license keys are rewritten without it.
func (r *Remover) Remove(customer, licenseKey string) error {
	affected, err := r.catalog.RulesetsByLicense(customer, licenseKey)
	if err != nil {
		return err
	}

	for _, rs := range affected {
		remaining := make([]string, 0, len(rs.LicenseKeys))
		for _, key := range rs.LicenseKeys {
			if key != licenseKey {
				remaining = append(remaining, key)
			}
		}
		if len(remaining) == 0 {
			if err := r.catalog.DeleteRuleset(rs.Customer, rs.Name, rs.Version); err != nil && !rules.IsNotFound(err) {
				return err
			}
			r.logger.Info("removed orphaned ruleset",
				zap.String("customer", rs.Customer),
				zap.String("ruleset", rs.Name),
				zap.String("version", rs.Version))
			continue
		}
		rs.LicenseKeys = remaining
		if err := r.catalog.PutRuleset(rs); err != nil {
			return err
		}
	}

	if err := r.licenses.Delete(licenseKey); err != nil && !IsNotFound(err) {
		return err
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:     events.LicenseRemoved,
			Customer: customer,
			Summary:  "license " + licenseKey + " removed",
		})
	}
	return nil
}
