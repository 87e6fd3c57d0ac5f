package reports

import (
	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/sharding"
)

// regionSynthesized lists AWS resource types whose DTOs are identical
// across regions and need the region stamped into the payload.
var regionSynthesized = map[string]bool{
	"aws.glue-catalog": true,
	"aws.account":      true,
}

// ApplyModifications normalizes parts before report derivation:
// region-ambiguous resource types get the region stamped into each dict,
// multi-region cloudtrail parts and globally flagged rules relocate to the
// multiregion pseudo-region.
func ApplyModifications(parts []sharding.Part, bundle *metadata.Bundle) []sharding.Part {
	out := make([]sharding.Part, 0, len(parts))
	for _, p := range parts {
		meta, _ := bundle.Rule(p.Policy)

		if regionSynthesized[meta.ResourceType] {
			resources := make([]map[string]any, 0, len(p.Resources))
			for _, data := range p.Resources {
				stamped := make(map[string]any, len(data)+1)
				for k, v := range data {
					stamped[k] = v
				}
				stamped["region"] = p.Location
				resources = append(resources, stamped)
			}
			p.Resources = resources
		}

		if meta.Global {
			p.Location = cloud.Multiregion
			out = append(out, p)
			continue
		}

		if meta.ResourceType == "aws.cloudtrail" {
			local, multi := splitMultiRegionTrails(p.Resources)
			if len(multi) > 0 {
				relocated := p
				relocated.Location = cloud.Multiregion
				relocated.Resources = multi
				out = append(out, relocated)
			}
			if len(local) == 0 {
				continue
			}
			p.Resources = local
		}

		out = append(out, p)
	}
	return out
}

func splitMultiRegionTrails(resources []map[string]any) (local, multi []map[string]any) {
	for _, data := range resources {
		if flag, ok := data["IsMultiRegionTrail"].(bool); ok && flag {
			multi = append(multi, data)
		} else {
			local = append(local, data)
		}
	}
	return local, multi
}
