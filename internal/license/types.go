// Package license talks to the License Manager: entitlement sync, quota
// checks, job accounting and short-lived request tokens.
package license

import (
	"time"
)

// ExhaustionModel describes how a license's job balance is drawn down.
type ExhaustionModel string

const (
	ExhaustCollective  ExhaustionModel = "COLLECTIVE"
	ExhaustIndependent ExhaustionModel = "INDEPENDENT"
)

// TimeRange is the balance accounting window.
type TimeRange string

const (
	RangeDay   TimeRange = "DAY"
	RangeWeek  TimeRange = "WEEK"
	RangeMonth TimeRange = "MONTH"
)

// Allowance is the quota shape of a license.
type Allowance struct {
	ExhaustionModel ExhaustionModel `json:"balance_exhaustion_model"`
	JobBalance      int             `json:"job_balance"`
	TimeRange       TimeRange       `json:"time_range"`
}

// AttachmentModel decides how a customer scope's tenant list is read.
type AttachmentModel string

const (
	AttachPermitted  AttachmentModel = "permitted"
	AttachProhibited AttachmentModel = "prohibited"
)

// CustomerScope binds a license to one customer's tenants.
type CustomerScope struct {
	TenantLicenseKey string          `json:"tenant_license_key,omitempty"`
	AttachmentModel  AttachmentModel `json:"attachment_model"`
	Tenants          []string        `json:"tenants,omitempty"`
}

// PermitsTenant applies the attachment-model rules.
func (s CustomerScope) PermitsTenant(tenant string) bool {
	listed := false
	for _, t := range s.Tenants {
		if t == tenant {
			listed = true
			break
		}
	}
	switch s.AttachmentModel {
	case AttachProhibited:
		return !listed
	default:
		// permitted: an empty list admits every tenant.
		return listed || len(s.Tenants) == 0
	}
}

// Scope orders license applicability during tenant → license selection.
type Scope string

const (
	ScopeSpecificTenant Scope = "SPECIFIC_TENANT"
	ScopeAllCloud       Scope = "ALL_CLOUD"
	ScopeAll            Scope = "ALL"
)

// scopeOrder ranks scopes for selection, narrowest first.
var scopeOrder = map[Scope]int{
	ScopeSpecificTenant: 0,
	ScopeAllCloud:       1,
	ScopeAll:            2,
}

// License is an entitlement granted by the License Manager.
type License struct {
	Key           string                   `json:"license_key"`
	ApplicationID string                   `json:"application_id"`
	Scope         Scope                    `json:"scope"`
	Expiration    time.Time                `json:"expiration"`
	SyncedAt      time.Time                `json:"synced_at"`
	Allowance     Allowance                `json:"allowance"`
	EventDriven   bool                     `json:"event_driven,omitempty"`
	Customers     map[string]CustomerScope `json:"customers"`
	RulesetIDs    []string                 `json:"ruleset_ids,omitempty"`
}

// Expired reports whether the license has lapsed at the given instant.
func (l License) Expired(now time.Time) bool {
	return !now.Before(l.Expiration)
}

// Permits reports whether this license covers the customer's tenant.
func (l License) Permits(customer, tenant string) bool {
	scope, ok := l.Customers[customer]
	if !ok {
		return false
	}
	return scope.PermitsTenant(tenant)
}
