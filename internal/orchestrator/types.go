// Package orchestrator admits scan jobs, dispatches workers and tracks the
// job lifecycle. Licensing decisions come from the License Manager; the
// orchestrator only persists their outcome.
package orchestrator

import (
	"time"

	"github.com/sentra-scan/sentra/internal/cloud"
)

// Job is one scan execution.
type Job struct {
	ID       string `json:"id"`
	Tenant   string `json:"tenant"`
	Customer string `json:"customer"`
	Owner    string `json:"owner,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	StoppedAt   time.Time `json:"stopped_at,omitempty"`

	Status   cloud.JobStatus `json:"status"`
	ScanType cloud.ScanType  `json:"scan_type"`

	// RequestedRulesets is what the caller asked for; LicensedRulesets is
	// what the license actually covered at admission time.
	RequestedRulesets []string `json:"requested_rulesets,omitempty"`
	LicensedRulesets  []string `json:"licensed_rulesets,omitempty"`
	Regions           []string `json:"regions,omitempty"`
	LicenseKeys       []string `json:"license_keys,omitempty"`

	ScheduledRuleName string `json:"scheduled_rule_name,omitempty"`
	NativeJobID       string `json:"native_job_id,omitempty"`
	JobQueue          string `json:"job_queue,omitempty"`
	JobDefinition     string `json:"job_definition,omitempty"`
	CredentialsKey    string `json:"credentials_key,omitempty"`
}

// Licensed reports whether the job counts against License Manager quota.
func (j Job) Licensed() bool { return len(j.LicenseKeys) > 0 }

// BatchResult is the event-driven counterpart of a Job: one group of audit
// events for a (tenant, region) window awaiting or undergoing a scan.
type BatchResult struct {
	ID       string      `json:"id"`
	Tenant   string      `json:"tenant"`
	Customer string      `json:"customer"`
	Cloud    cloud.Cloud `json:"cloud"`

	RegistrationStart time.Time `json:"registration_start"`
	RegistrationEnd   time.Time `json:"registration_end,omitempty"`
	SubmittedAt       time.Time `json:"submitted_at,omitempty"`

	Status cloud.JobStatus `json:"status"`

	// RegionRules maps region to the rule names the events implicate.
	RegionRules map[string][]string `json:"region_rules"`

	// EventHash is the content hash of the originating event group.
	// BatchResult creation is idempotent on (tenant, region, event hash).
	EventHash string `json:"event_hash"`
	Region    string `json:"region"`
}
