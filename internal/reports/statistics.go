package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sentra-scan/sentra/internal/objectstore"
	"github.com/sentra-scan/sentra/internal/sharding"
)

// StatisticsItem is one rule execution record for one region. Exactly one
// of (ScannedResources/FailedResources) or (ErrorType/Reason/Traceback) is
// populated.
type StatisticsItem struct {
	Policy   string  `json:"policy"`
	Region   string  `json:"region"`
	Tenant   string  `json:"tenant,omitempty"`
	Customer string  `json:"customer,omitempty"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`

	APICalls         map[string]int `json:"api_calls,omitempty"`
	ScannedResources *int           `json:"scanned_resources,omitempty"`
	FailedResources  *int           `json:"failed_resources,omitempty"`

	ErrorType string `json:"error_type,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// Failed reports whether the invocation errored.
func (i StatisticsItem) Failed() bool {
	return i.ErrorType != "" || i.Reason != "" || i.Traceback != ""
}

// ExecSeconds is the invocation duration.
func (i StatisticsItem) ExecSeconds() float64 {
	if i.End <= i.Start {
		return 0
	}
	return i.End - i.Start
}

// AverageStatistics aggregates invocations of one (policy, region).
type AverageStatistics struct {
	Policy string `json:"policy"`
	Region string `json:"region"`

	Invocations          int `json:"invocations"`
	SucceededInvocations int `json:"succeeded_invocations"`
	FailedInvocations    int `json:"failed_invocations"`

	TotalAPICalls map[string]int `json:"total_api_calls,omitempty"`

	MinExec     float64 `json:"min_exec"`
	MaxExec     float64 `json:"max_exec"`
	TotalExec   float64 `json:"total_exec"`
	AverageExec float64 `json:"average_exec"`

	ResourcesScanned        int     `json:"resources_scanned"`
	ResourcesFailed         int     `json:"resources_failed"`
	AverageResourcesScanned float64 `json:"average_resources_scanned"`
	AverageResourcesFailed  float64 `json:"average_resources_failed"`
}

// Aggregate folds raw statistics items into per-(policy, region) averages,
// ordered by policy then region.
func Aggregate(items []StatisticsItem) []AverageStatistics {
	type key struct {
		policy string
		region string
	}
	groups := make(map[key]*AverageStatistics)
	counted := make(map[key]int)

	for _, item := range items {
		k := key{policy: item.Policy, region: item.Region}
		agg := groups[k]
		if agg == nil {
			agg = &AverageStatistics{
				Policy:        item.Policy,
				Region:        item.Region,
				TotalAPICalls: make(map[string]int),
			}
			groups[k] = agg
		}

		agg.Invocations++
		if item.Failed() {
			agg.FailedInvocations++
		} else {
			agg.SucceededInvocations++
		}

		exec := item.ExecSeconds()
		if agg.Invocations == 1 || exec < agg.MinExec {
			agg.MinExec = exec
		}
		if exec > agg.MaxExec {
			agg.MaxExec = exec
		}
		agg.TotalExec += exec

		for call, count := range item.APICalls {
			agg.TotalAPICalls[call] += count
		}
		if item.ScannedResources != nil {
			agg.ResourcesScanned += *item.ScannedResources
		}
		if item.FailedResources != nil {
			agg.ResourcesFailed += *item.FailedResources
		}
		if item.ScannedResources != nil || item.FailedResources != nil {
			counted[k]++
		}
	}

	out := make([]AverageStatistics, 0, len(groups))
	for k, agg := range groups {
		agg.AverageExec = agg.TotalExec / float64(agg.Invocations)
		if n := counted[k]; n > 0 {
			agg.AverageResourcesScanned = float64(agg.ResourcesScanned) / float64(n)
			agg.AverageResourcesFailed = float64(agg.ResourcesFailed) / float64(n)
		}
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Policy != out[j].Policy {
			return out[i].Policy < out[j].Policy
		}
		return out[i].Region < out[j].Region
	})
	return out
}

// FailedStatistics is the failed-only statistics view: execution details
// are hidden, only the failure identity remains.
type FailedStatistics struct {
	Policy    string `json:"policy"`
	Region    string `json:"region"`
	ErrorType string `json:"error_type,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// LoadStatistics reads the statistics sidecar under a collection prefix.
// A missing sidecar reads as empty.
func LoadStatistics(ctx context.Context, store objectstore.Store, prefix string) ([]StatisticsItem, error) {
	obj, err := store.Get(ctx, sharding.StatisticsKey(prefix))
	if objectstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch statistics under %s: %w", prefix, err)
	}
	var items []StatisticsItem
	if err := json.Unmarshal(obj.Body, &items); err != nil {
		return nil, fmt.Errorf("decode statistics under %s: %w", prefix, err)
	}
	return items, nil
}

// SaveStatistics writes the statistics sidecar under a collection prefix.
func SaveStatistics(ctx context.Context, store objectstore.Store, prefix string, items []StatisticsItem) error {
	body, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	if err := store.Put(ctx, sharding.StatisticsKey(prefix), body, ""); err != nil {
		return fmt.Errorf("write statistics under %s: %w", prefix, err)
	}
	return nil
}

// FailedOnly projects the raw items down to their failures.
func FailedOnly(items []StatisticsItem) []FailedStatistics {
	out := make([]FailedStatistics, 0)
	for _, item := range items {
		if !item.Failed() {
			continue
		}
		out = append(out, FailedStatistics{
			Policy:    item.Policy,
			Region:    item.Region,
			ErrorType: item.ErrorType,
			Reason:    item.Reason,
		})
	}
	return out
}
