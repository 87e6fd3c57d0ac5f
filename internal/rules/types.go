// Package rules persists the rule catalog: rules, their git origins
// (rule sources) and named rule snapshots (rulesets).
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sentra-scan/sentra/internal/cloud"
)

// Rule is one atomic compliance check. Identity: (Name, SourceID); the name
// is stable across versions.
type Rule struct {
	Name         string      `json:"name"`
	SourceID     string      `json:"source_id"`
	Cloud        cloud.Cloud `json:"cloud"`
	ResourceType string      `json:"resource_type"`
	Severity     cloud.Severity `json:"severity"`
	Description  string      `json:"description,omitempty"`
	Remediation  string      `json:"remediation,omitempty"`
	Impact       string      `json:"impact,omitempty"`
	// Standards maps standard name → version → control ids.
	Standards map[string]map[string][]string `json:"standards,omitempty"`
	// MitreAttacks maps tactic → technique ids.
	MitreAttacks   map[string][]string `json:"mitre_attacks,omitempty"`
	Article        string              `json:"article,omitempty"`
	ServiceSection string              `json:"service_section,omitempty"`
	CommitHash     string              `json:"commit_hash,omitempty"`
	Path           string              `json:"path,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at,omitempty"`
}

// SourceType identifies a rule-source hosting flavor.
type SourceType string

const (
	SourceGitLab        SourceType = "GITLAB"
	SourceGitHub        SourceType = "GITHUB"
	SourceGitHubRelease SourceType = "GITHUB_RELEASE"
)

// SyncStatus is a rule source's last synchronization outcome.
type SyncStatus string

const (
	SyncSyncing SyncStatus = "SYNCING"
	SyncSynced  SyncStatus = "SYNCED"
	SyncFailed  SyncStatus = "FAILED"
)

// LatestSync describes the outcome of the most recent pull of a source.
type LatestSync struct {
	Status     SyncStatus `json:"status"`
	ReleaseTag string     `json:"release_tag,omitempty"`
	Version    string     `json:"version,omitempty"`
	SyncedAt   time.Time  `json:"synced_at,omitempty"`
}

// RuleSource is a git-origin rule bundle.
type RuleSource struct {
	ID          string     `json:"id"`
	Customer    string     `json:"customer"`
	GitURL      string     `json:"git_url"`
	ProjectID   string     `json:"project_id"`
	Ref         string     `json:"ref"`
	PathPrefix  string     `json:"path_prefix,omitempty"`
	Type        SourceType `json:"type"`
	Description string     `json:"description,omitempty"`
	// SecretName is the handle of the access token in the secret store.
	SecretName string     `json:"secret_name,omitempty"`
	LatestSync LatestSync `json:"latest_sync"`
}

// DeriveSourceID deterministically derives the rule-source id from its
// identifying coordinates, so re-registering the same origin yields the
// same record.
func DeriveSourceID(customer, gitURL, projectID, ref, pathPrefix string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{customer, gitURL, projectID, ref, pathPrefix}, "|")))
	return hex.EncodeToString(sum[:16])
}

// Ruleset is a named snapshot of rule names for one cloud.
// Identity: (Customer, Name, Version).
type Ruleset struct {
	Customer string      `json:"customer"`
	Name     string      `json:"name"`
	Version  string      `json:"version"`
	Cloud    cloud.Cloud `json:"cloud"`
	Rules    []string    `json:"rules"`
	Licensed bool        `json:"licensed,omitempty"`
	// LicenseKeys must be non-empty when Licensed is set.
	LicenseKeys []string `json:"license_keys,omitempty"`
	// Compiled artifact pointer in the object store.
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key,omitempty"`
}

// Validate checks ruleset invariants.
func (r Ruleset) Validate() error {
	if strings.TrimSpace(r.Customer) == "" || strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Version) == "" {
		return fmt.Errorf("ruleset identity (customer, name, version) is required")
	}
	if _, err := cloud.ParseCloud(string(r.Cloud)); err != nil {
		return err
	}
	if r.Licensed && len(r.LicenseKeys) == 0 {
		return fmt.Errorf("licensed ruleset %s:%s must reference at least one license key", r.Name, r.Version)
	}
	return nil
}
