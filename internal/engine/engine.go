// Package engine is the worker dispatch boundary. The orchestrator hands
// it a fully-built environment and gets back the compute backend's native
// job id; everything cloud-specific stays behind the Engine interface.
package engine

import (
	"context"
	"sort"
	"strings"
)

// Environment variable names the platform sets on every dispatched worker.
// Workers read these to know what to scan and where to report.
const (
	EnvSubmittedAt      = "SUBMITTED_AT"
	EnvScheduledJobName = "SCHEDULED_JOB_NAME"
	EnvTargetRegions    = "TARGET_REGIONS"
	EnvTargetRulesets   = "TARGET_RULESETS_VIEW"
	EnvLicensedRulesets = "LICENSED_RULESETS"
	EnvAffectedLicenses = "AFFECTED_LICENSES"
	EnvJobType          = "JOB_TYPE"
	EnvBatchResultsID   = "BATCH_RESULTS_ID"
	EnvBatchResultsIDs  = "BATCH_RESULTS_IDS"
	EnvTenantName       = "TENANT_NAME"
	EnvCredentialsKey   = "CREDENTIALS_KEY"
)

// Engine dispatches scan workers onto a compute backend.
type Engine interface {
	// SubmitBatch starts one worker with the given environment and returns
	// the backend's native job id. credentialsKey rides along as
	// CREDENTIALS_KEY so the worker can fetch tenant credentials itself.
	SubmitBatch(ctx context.Context, jobDef, queue string, env map[string]string, credentialsKey string) (string, error)
	// GetJobDefinitionARN resolves the active revision of a job definition.
	GetJobDefinitionARN(ctx context.Context, jobDef string) (string, error)
	// GetJobQueueARN resolves a job queue name to its ARN.
	GetJobQueueARN(ctx context.Context, queue string) (string, error)
	// CreateJobDefinitionFromExisting registers a new revision of jobDef
	// with the container image swapped for imageURL.
	CreateJobDefinitionFromExisting(ctx context.Context, jobDef, imageURL string) (string, error)
}

// JoinList encodes a multi-valued env value the way workers decode it.
func JoinList(values []string) string {
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// SplitList decodes a multi-valued env value. Empty input yields nil.
func SplitList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}
