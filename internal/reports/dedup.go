package reports

import (
	"github.com/samber/lo"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/sharding"
)

// identityFields are always retained by field projection regardless of the
// rule's declared report fields.
var identityFields = []string{
	"id", "Id", "ID", "InstanceId", "ResourceId",
	"name", "Name", "BucketName",
	"arn", "Arn", "ARN",
	"uid", "namespace", "region", "Tags",
	"date", "Date", "CreationDate", "CreateDate", "LaunchTime",
}

// Deduplicate projects each part's resources onto the rule's declared
// report fields and drops repeated resources within one (rule, region).
// Deduplicating an already deduplicated slice is a no-op.
func Deduplicate(parts []sharding.Part, c cloud.Cloud, bundle *metadata.Bundle) []sharding.Part {
	type key struct {
		policy   string
		location string
	}
	seen := make(map[key]map[uint64]bool)

	out := make([]sharding.Part, 0, len(parts))
	for _, p := range parts {
		meta, _ := bundle.Rule(p.Policy)
		k := key{policy: p.Policy, location: p.Location}
		if seen[k] == nil {
			seen[k] = make(map[uint64]bool)
		}

		kept := make([]map[string]any, 0, len(p.Resources))
		for _, r := range FromPart(c, p, meta.ResourceType) {
			if seen[k][r.Hash()] {
				continue
			}
			seen[k][r.Hash()] = true
			kept = append(kept, projectFields(r.Data, meta.ReportFields))
		}
		if len(kept) == 0 {
			continue
		}
		p.Resources = kept
		out = append(out, p)
	}
	return out
}

// projectFields keeps the declared report fields plus identity fields.
// Rules with no declared fields keep the full dict.
func projectFields(data map[string]any, declared []string) map[string]any {
	if len(declared) == 0 {
		return data
	}
	allowed := lo.SliceToMap(append(declared, identityFields...), func(f string) (string, bool) {
		return f, true
	})
	out := make(map[string]any, len(declared))
	for k, v := range data {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}
