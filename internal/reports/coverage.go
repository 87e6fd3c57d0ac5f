package reports

import (
	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metadata"
)

// RuleOutcome is a rule's execution verdict within one scan.
type RuleOutcome struct {
	Executed   bool
	Errored    bool
	Violations int
}

// Clean reports whether the rule ran without errors and found nothing.
func (o RuleOutcome) Clean() bool {
	return o.Executed && !o.Errored && o.Violations == 0
}

// StandardCoverage is the coverage result for one standard version.
type StandardCoverage struct {
	Name       string  `json:"name"`
	Version    string  `json:"version"`
	Full       int     `json:"full"`
	Successful int     `json:"successful"`
	Coverage   float64 `json:"coverage"`
}

// Coverage computes per-standard compliance coverage. A control counts as
// successful when it maps to at least one rule and every mapped rule ran
// cleanly; the ratio is normalized to 0..1. techOnly restricts the control
// universe to tech controls.
func Coverage(bundle *metadata.Bundle, c cloud.Cloud, outcomes map[string]RuleOutcome, techOnly bool) []StandardCoverage {
	out := make([]StandardCoverage, 0)
	for _, std := range bundle.StandardsFor(c) {
		full := 0
		successful := 0
		for _, ctrl := range std.Controls {
			if techOnly && !ctrl.Tech {
				continue
			}
			full++
			if controlSuccessful(bundle, std.Name, std.Version, ctrl.ID, outcomes) {
				successful++
			}
		}
		out = append(out, StandardCoverage{
			Name:       std.Name,
			Version:    std.Version,
			Full:       full,
			Successful: successful,
			Coverage:   normalizeCoverage(successful, full),
		})
	}
	return out
}

func controlSuccessful(bundle *metadata.Bundle, standard, version, controlID string, outcomes map[string]RuleOutcome) bool {
	mapped := bundle.RulesForControl(standard, version, controlID)
	if len(mapped) == 0 {
		return false
	}
	for _, rule := range mapped {
		if !outcomes[rule].Clean() {
			return false
		}
	}
	return true
}

func normalizeCoverage(successful, full int) float64 {
	if full == 0 {
		return 0
	}
	ratio := float64(successful) / float64(full)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
