package reports

import (
	"sort"

	"github.com/samber/lo"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/sharding"
)

// FailedChecks breaks down violating rules by severity.
type FailedChecks struct {
	Total      int                    `json:"total"`
	BySeverity map[cloud.Severity]int `json:"by_severity"`
}

// Digest is the headline report of one scan.
type Digest struct {
	TotalChecks        int          `json:"total_checks"`
	SuccessfulChecks   int          `json:"successful_checks"`
	FailedChecks       FailedChecks `json:"failed_checks"`
	ViolatingResources int          `json:"violating_resources"`
}

// BuildDigest summarizes a scan. executedRules lists every rule that ran;
// rules absent from the collection's parts produced no violations.
func BuildDigest(parts []sharding.Part, c cloud.Cloud, bundle *metadata.Bundle, executedRules []string) Digest {
	violating := make(map[string]bool)
	resources := make(map[uint64]bool)
	for _, p := range parts {
		if len(p.Resources) == 0 {
			continue
		}
		violating[p.Policy] = true
		meta, _ := bundle.Rule(p.Policy)
		for _, r := range FromPart(c, p, meta.ResourceType) {
			resources[r.Hash()] = true
		}
	}

	executed := lo.Uniq(append(lo.Keys(violating), executedRules...))

	d := Digest{
		TotalChecks: len(executed),
		FailedChecks: FailedChecks{
			Total:      len(violating),
			BySeverity: make(map[cloud.Severity]int),
		},
		ViolatingResources: len(resources),
	}
	d.SuccessfulChecks = d.TotalChecks - d.FailedChecks.Total
	for rule := range violating {
		d.FailedChecks.BySeverity[bundle.Severity(rule).Normalize()]++
	}
	return d
}

// DetailItem is one (rule, region) entry of the details report.
type DetailItem struct {
	Policy    string           `json:"policy"`
	Region    string           `json:"region"`
	Severity  cloud.Severity   `json:"severity"`
	Resources []map[string]any `json:"resources"`
}

// BuildDetails lists every (rule, region) with its violating resources,
// ordered by policy then region. An empty collection yields an empty,
// non-nil slice.
func BuildDetails(parts []sharding.Part, bundle *metadata.Bundle) []DetailItem {
	type key struct {
		policy string
		region string
	}
	grouped := make(map[key]*DetailItem)
	for _, p := range parts {
		if len(p.Resources) == 0 {
			continue
		}
		k := key{policy: p.Policy, region: p.Location}
		item := grouped[k]
		if item == nil {
			item = &DetailItem{
				Policy:    p.Policy,
				Region:    p.Location,
				Severity:  bundle.Severity(p.Policy).Normalize(),
				Resources: make([]map[string]any, 0, len(p.Resources)),
			}
			grouped[k] = item
		}
		item.Resources = append(item.Resources, p.Resources...)
	}

	out := make([]DetailItem, 0, len(grouped))
	for _, item := range grouped {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Policy != out[j].Policy {
			return out[i].Policy < out[j].Policy
		}
		return out[i].Region < out[j].Region
	})
	return out
}
