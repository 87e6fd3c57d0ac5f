package reports

import (
	"sort"
	"strings"
	"time"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/sharding"
)

// ResourceException excludes matching resources from violation reports.
// Only populated fields constrain the match.
type ResourceException struct {
	ID           string    `json:"id"`
	Customer     string    `json:"customer"`
	Tenant       string    `json:"tenant"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Location     string    `json:"location,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	ARN          string    `json:"arn,omitempty"`
	// TagFilters are "Key=Value" pairs; every filter must be present on
	// the resource.
	TagFilters []string  `json:"tag_filters,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the exception has lapsed.
func (e ResourceException) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Matches reports whether every populated field of the exception matches
// the resource.
func (e ResourceException) Matches(r Resource) bool {
	if e.ResourceID != "" && e.ResourceID != r.ID {
		return false
	}
	if e.Location != "" && e.Location != r.Location {
		return false
	}
	if e.ResourceType != "" && e.ResourceType != r.ResourceType {
		return false
	}
	if e.ARN != "" && e.ARN != r.ARN {
		return false
	}
	if len(e.TagFilters) > 0 {
		tags := r.Tags()
		for _, filter := range e.TagFilters {
			key, value, _ := strings.Cut(filter, "=")
			if tags[key] != value {
				return false
			}
		}
	}
	return true
}

// ExceptionSummary is the severity-bucketed account of what one exception
// removed. ResourcesData counts distinct resources per severity,
// ViolationsData counts (resource, rule) pairs, MitreData counts (resource,
// rule) pairs whose rule carries MITRE references, once per pair no matter
// how many techniques the rule maps.
type ExceptionSummary struct {
	ExceptionID    string                 `json:"exception_id"`
	ResourcesData  map[cloud.Severity]int `json:"resources_data"`
	ViolationsData map[cloud.Severity]int `json:"violations_data"`
	MitreData      map[cloud.Severity]int `json:"mitre_data"`
}

// FilterResult is the outcome of exception filtering.
type FilterResult struct {
	Kept      []sharding.Part
	Summaries []ExceptionSummary
}

// FilterExceptions partitions a collection's parts into surviving parts
// and per-exception summaries. Expired exceptions never match.
func FilterExceptions(parts []sharding.Part, c cloud.Cloud, bundle *metadata.Bundle, exceptions []ResourceException, now time.Time) FilterResult {
	active := make([]ResourceException, 0, len(exceptions))
	for _, e := range exceptions {
		if !e.Expired(now) {
			active = append(active, e)
		}
	}

	summaries := make(map[string]*ExceptionSummary)
	seenResources := make(map[string]map[cloud.Severity]map[uint64]bool)

	kept := make([]sharding.Part, 0, len(parts))
	for _, p := range parts {
		meta, _ := bundle.Rule(p.Policy)
		severity := bundle.Severity(p.Policy).Normalize()

		surviving := make([]map[string]any, 0, len(p.Resources))
		for _, r := range FromPart(c, p, meta.ResourceType) {
			excludedBy := ""
			for _, e := range active {
				if e.Matches(r) {
					excludedBy = e.ID
					break
				}
			}
			if excludedBy == "" {
				surviving = append(surviving, r.Data)
				continue
			}

			s := summaries[excludedBy]
			if s == nil {
				s = &ExceptionSummary{
					ExceptionID:    excludedBy,
					ResourcesData:  make(map[cloud.Severity]int),
					ViolationsData: make(map[cloud.Severity]int),
					MitreData:      make(map[cloud.Severity]int),
				}
				summaries[excludedBy] = s
				seenResources[excludedBy] = make(map[cloud.Severity]map[uint64]bool)
			}

			if seenResources[excludedBy][severity] == nil {
				seenResources[excludedBy][severity] = make(map[uint64]bool)
			}
			if !seenResources[excludedBy][severity][r.Hash()] {
				seenResources[excludedBy][severity][r.Hash()] = true
				s.ResourcesData[severity]++
			}
			s.ViolationsData[severity]++
			if len(meta.MitreAttacks) > 0 {
				s.MitreData[severity]++
			}
		}
		if len(surviving) == 0 {
			continue
		}
		p.Resources = surviving
		kept = append(kept, p)
	}

	out := FilterResult{Kept: kept}
	for _, s := range summaries {
		out.Summaries = append(out.Summaries, *s)
	}
	sort.Slice(out.Summaries, func(i, j int) bool {
		return out.Summaries[i].ExceptionID < out.Summaries[j].ExceptionID
	})
	return out
}
