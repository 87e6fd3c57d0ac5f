// Package siem converts scan results into downstream SIEM payloads and
// pushes them with bounded parallelism.
package siem

import (
	"fmt"
	"sort"
	"time"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/sharding"
)

// Options tune conversion.
type Options struct {
	// PerResource emits one finding per resource instead of one per
	// (rule, region).
	PerResource bool
	// Attachment selects how resource payloads ride along on findings.
	Attachment AttachmentMode
}

// Finding is the generic DefectDojo-compatible shape.
type Finding struct {
	Title       string           `json:"title"`
	RuleName    string           `json:"rule_name"`
	Region      string           `json:"region"`
	Severity    cloud.Severity   `json:"severity"`
	Description string           `json:"description,omitempty"`
	MitreRefs   []string         `json:"mitre_refs,omitempty"`
	Resources   []map[string]any `json:"resources,omitempty"`
	Attachment  *Attachment      `json:"attachment,omitempty"`
}

// Findings converts parts into DefectDojo findings. Severity UNKNOWN maps
// to MEDIUM; all other severities pass through.
func Findings(parts []sharding.Part, bundle *metadata.Bundle, opts Options) ([]Finding, error) {
	out := make([]Finding, 0, len(parts))
	for _, p := range sortParts(parts) {
		meta, _ := bundle.Rule(p.Policy)
		base := Finding{
			RuleName:    p.Policy,
			Region:      p.Location,
			Severity:    bundle.Severity(p.Policy).Normalize(),
			Description: meta.Description,
			MitreRefs:   flattenMitre(meta.MitreAttacks),
		}

		if opts.PerResource {
			for _, r := range p.Resources {
				f := base
				f.Title = fmt.Sprintf("%s: %s", p.Policy, resourceLabel(r))
				f.Resources = []map[string]any{r}
				if err := attach(&f, opts.Attachment); err != nil {
					return nil, err
				}
				out = append(out, f)
			}
			continue
		}

		f := base
		f.Title = fmt.Sprintf("%s (%s)", p.Policy, p.Location)
		f.Resources = p.Resources
		if err := attach(&f, opts.Attachment); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// CustodianItem is the Cloud Custodian scan shape.
type CustodianItem struct {
	Policy    string           `json:"policy"`
	Region    string           `json:"region"`
	Severity  cloud.Severity   `json:"severity"`
	Resources []map[string]any `json:"resources"`
}

// CustodianScan converts parts into Cloud Custodian items.
func CustodianScan(parts []sharding.Part, bundle *metadata.Bundle, perResource bool) []CustodianItem {
	out := make([]CustodianItem, 0, len(parts))
	for _, p := range sortParts(parts) {
		severity := bundle.Severity(p.Policy).Normalize()
		if perResource {
			for _, r := range p.Resources {
				out = append(out, CustodianItem{
					Policy: p.Policy, Region: p.Location, Severity: severity,
					Resources: []map[string]any{r},
				})
			}
			continue
		}
		out = append(out, CustodianItem{
			Policy: p.Policy, Region: p.Location, Severity: severity, Resources: p.Resources,
		})
	}
	return out
}

// UDMEvent is a Chronicle unified data model event.
type UDMEvent struct {
	Metadata struct {
		EventTimestamp string `json:"event_timestamp"`
		EventType      string `json:"event_type"`
		ProductName    string `json:"product_name"`
	} `json:"metadata"`
	SecurityResult struct {
		RuleName    string `json:"rule_name"`
		Severity    string `json:"severity"`
		Description string `json:"description,omitempty"`
	} `json:"security_result"`
	Target struct {
		Resource struct {
			Name     string `json:"name"`
			Location string `json:"location"`
		} `json:"resource"`
	} `json:"target"`
}

// UDMEntity is a Chronicle entity record for one affected resource.
type UDMEntity struct {
	Entity struct {
		Asset struct {
			AssetID  string `json:"asset_id"`
			Location string `json:"location"`
		} `json:"asset"`
	} `json:"entity"`
	Metadata struct {
		CollectedTimestamp string `json:"collected_timestamp"`
		ProductName        string `json:"product_name"`
	} `json:"metadata"`
}

const productName = "sentra"

// UDMEvents converts parts into Chronicle events, one per resource.
func UDMEvents(parts []sharding.Part, bundle *metadata.Bundle, at time.Time) []UDMEvent {
	stamp := at.UTC().Format(time.RFC3339)
	out := make([]UDMEvent, 0)
	for _, p := range sortParts(parts) {
		meta, _ := bundle.Rule(p.Policy)
		for _, r := range p.Resources {
			var e UDMEvent
			e.Metadata.EventTimestamp = stamp
			e.Metadata.EventType = "SCAN_UNCATEGORIZED"
			e.Metadata.ProductName = productName
			e.SecurityResult.RuleName = p.Policy
			e.SecurityResult.Severity = string(bundle.Severity(p.Policy).Normalize())
			e.SecurityResult.Description = meta.Description
			e.Target.Resource.Name = resourceLabel(r)
			e.Target.Resource.Location = p.Location
			out = append(out, e)
		}
	}
	return out
}

// UDMEntities converts parts into Chronicle entity records.
func UDMEntities(parts []sharding.Part, at time.Time) []UDMEntity {
	stamp := at.UTC().Format(time.RFC3339)
	seen := make(map[string]bool)
	out := make([]UDMEntity, 0)
	for _, p := range sortParts(parts) {
		for _, r := range p.Resources {
			label := resourceLabel(r) + "|" + p.Location
			if seen[label] {
				continue
			}
			seen[label] = true
			var e UDMEntity
			e.Entity.Asset.AssetID = resourceLabel(r)
			e.Entity.Asset.Location = p.Location
			e.Metadata.CollectedTimestamp = stamp
			e.Metadata.ProductName = productName
			out = append(out, e)
		}
	}
	return out
}

func flattenMitre(attacks map[string][]string) []string {
	out := make([]string, 0)
	for tactic, techniques := range attacks {
		for _, t := range techniques {
			out = append(out, tactic+"/"+t)
		}
	}
	sort.Strings(out)
	return out
}

func resourceLabel(r map[string]any) string {
	for _, key := range []string{"InstanceId", "id", "Id", "ID", "arn", "Arn", "name", "Name", "uid"} {
		if v, ok := r[key].(string); ok && v != "" {
			return v
		}
	}
	return "unknown"
}

func sortParts(parts []sharding.Part) []sharding.Part {
	out := make([]sharding.Part, len(parts))
	copy(out, parts)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Policy != out[j].Policy {
			return out[i].Policy < out[j].Policy
		}
		return out[i].Location < out[j].Location
	})
	return out
}
