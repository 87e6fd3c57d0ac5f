// Package metadata serves the read-only rule enrichment registry. Bundles
// are supplied by the license manager, versioned in the object store and
// cached in memory.
package metadata

import (
	"github.com/sentra-scan/sentra/internal/cloud"
)

// RuleMeta is the enriched description of one rule.
type RuleMeta struct {
	Severity     cloud.Severity `json:"severity"`
	ResourceType string         `json:"resource_type,omitempty"`
	Description  string         `json:"description,omitempty"`
	Remediation  string         `json:"remediation,omitempty"`
	Impact       string         `json:"impact,omitempty"`
	Article      string         `json:"article,omitempty"`
	// Standards maps standard name → version → control ids the rule covers.
	Standards map[string]map[string][]string `json:"standards,omitempty"`
	// MitreAttacks maps tactic → technique ids.
	MitreAttacks map[string][]string `json:"mitre_attacks,omitempty"`
	// ReportFields lists the resource fields a report keeps for this rule.
	ReportFields []string `json:"report_fields,omitempty"`
	// Global rules are relocated to the multiregion pseudo-region.
	Global bool `json:"global,omitempty"`
}

// Control is one control of a standard version.
type Control struct {
	ID   string `json:"id"`
	Tech bool   `json:"tech,omitempty"`
}

// Standard is one version of a security standard for one cloud.
type Standard struct {
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Cloud    cloud.Cloud `json:"cloud"`
	Controls []Control `json:"controls"`
}

// Bundle is one immutable metadata release.
type Bundle struct {
	Version   string              `json:"version"`
	Rules     map[string]RuleMeta `json:"rules"`
	Standards []Standard          `json:"standards,omitempty"`
}

// Rule returns the metadata of one rule.
func (b *Bundle) Rule(name string) (RuleMeta, bool) {
	if b == nil {
		return RuleMeta{}, false
	}
	m, ok := b.Rules[name]
	return m, ok
}

// Severity returns the rule's severity, UNKNOWN for unregistered rules.
func (b *Bundle) Severity(name string) cloud.Severity {
	if m, ok := b.Rule(name); ok && m.Severity != "" {
		return m.Severity
	}
	return cloud.SeverityUnknown
}

// StandardsFor returns the bundle's standards for one cloud.
func (b *Bundle) StandardsFor(c cloud.Cloud) []Standard {
	if b == nil {
		return nil
	}
	out := make([]Standard, 0)
	for _, s := range b.Standards {
		if s.Cloud == c {
			out = append(out, s)
		}
	}
	return out
}

// ControlCount returns the number of controls a standard version defines,
// optionally restricted to tech controls.
func (b *Bundle) ControlCount(c cloud.Cloud, name, version string, techOnly bool) int {
	for _, s := range b.StandardsFor(c) {
		if s.Name != name || s.Version != version {
			continue
		}
		if !techOnly {
			return len(s.Controls)
		}
		n := 0
		for _, ctrl := range s.Controls {
			if ctrl.Tech {
				n++
			}
		}
		return n
	}
	return 0
}

// RulesForControl returns the rule names mapped to one control of a
// standard version.
func (b *Bundle) RulesForControl(standard, version, controlID string) []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0)
	for name, m := range b.Rules {
		controls, ok := m.Standards[standard][version]
		if !ok {
			continue
		}
		for _, id := range controls {
			if id == controlID {
				out = append(out, name)
				break
			}
		}
	}
	return out
}
