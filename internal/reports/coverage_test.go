package reports

import (
	"testing"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metadata"
)

func coverageBundle() *metadata.Bundle {
	return &metadata.Bundle{
		Version: "test",
		Rules: map[string]metadata.RuleMeta{
			"rule-a": {Standards: map[string]map[string][]string{"CIS": {"1.4": {"1.1"}}}},
			"rule-b": {Standards: map[string]map[string][]string{"CIS": {"1.4": {"1.2"}}}},
			"rule-c": {Standards: map[string]map[string][]string{"CIS": {"1.4": {"1.2"}}}},
		},
		Standards: []metadata.Standard{
			{
				Name: "CIS", Version: "1.4", Cloud: cloud.AWS,
				Controls: []metadata.Control{
					{ID: "1.1", Tech: true},
					{ID: "1.2"},
					{ID: "1.3", Tech: true},
				},
			},
		},
	}
}

func TestCoverageMath(t *testing.T) {
	outcomes := map[string]RuleOutcome{
		"rule-a": {Executed: true},                // clean
		"rule-b": {Executed: true},                // clean
		"rule-c": {Executed: true, Violations: 2}, // violating
	}

	got := Coverage(coverageBundle(), cloud.AWS, outcomes, false)
	if len(got) != 1 {
		t.Fatalf("expected one standard, got %d", len(got))
	}
	// 1.1 succeeds (rule-a clean), 1.2 fails (rule-c violating),
	// 1.3 has no mapped rules.
	if got[0].Full != 3 || got[0].Successful != 1 {
		t.Fatalf("unexpected coverage: %#v", got[0])
	}
	if got[0].Coverage < 0.33 || got[0].Coverage > 0.34 {
		t.Fatalf("unexpected ratio: %v", got[0].Coverage)
	}
}

func TestTechCoverageRestrictsControls(t *testing.T) {
	outcomes := map[string]RuleOutcome{"rule-a": {Executed: true}}
	got := Coverage(coverageBundle(), cloud.AWS, outcomes, true)
	// Tech universe is 1.1 and 1.3; only 1.1 is mapped and clean.
	if got[0].Full != 2 || got[0].Successful != 1 {
		t.Fatalf("unexpected tech coverage: %#v", got[0])
	}
}

func TestCoverageMonotoneUnderRuleRemoval(t *testing.T) {
	full := map[string]RuleOutcome{
		"rule-a": {Executed: true},
		"rule-b": {Executed: true, Violations: 1},
		"rule-c": {Executed: true},
	}
	withAll := Coverage(coverageBundle(), cloud.AWS, full, false)[0].Coverage

	// Removing any rule from the executed set can never raise coverage.
	for _, removed := range []string{"rule-a", "rule-b", "rule-c"} {
		reduced := map[string]RuleOutcome{}
		for name, o := range full {
			if name != removed {
				reduced[name] = o
			}
		}
		cov := Coverage(coverageBundle(), cloud.AWS, reduced, false)[0].Coverage
		if cov > withAll {
			t.Fatalf("removing %s raised coverage from %v to %v", removed, withAll, cov)
		}
	}
}

func TestCoverageErroredRuleBlocksControl(t *testing.T) {
	outcomes := map[string]RuleOutcome{
		"rule-a": {Executed: true, Errored: true},
	}
	got := Coverage(coverageBundle(), cloud.AWS, outcomes, false)
	if got[0].Successful != 0 {
		t.Fatalf("errored rule must not count as successful: %#v", got[0])
	}
}
