// Package tenants persists customers and their scannable cloud accounts.
package tenants

import (
	"time"

	"github.com/sentra-scan/sentra/internal/cloud"
)

// Tenant is one scannable cloud account. Immutable after creation except
// for the region set and the active flag.
type Tenant struct {
	Name        string      `json:"name"`
	Customer    string      `json:"customer"`
	Cloud       cloud.Cloud `json:"cloud"`
	// Native account / subscription / project id in the cloud provider.
	AccountID   string      `json:"account_id"`
	Regions     []string    `json:"regions"`
	Active      bool        `json:"active"`
	ActivatedAt time.Time   `json:"activated_at"`
}

// Customer is the billing and grouping parent of tenants.
type Customer struct {
	Name   string   `json:"name"`
	Admins []string `json:"admins,omitempty"`
}
