package trigger

import (
	"context"
	"time"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/engine"
	"github.com/sentra-scan/sentra/internal/orchestrator"
)

// workerStateDetailType marks worker lifecycle notifications on the event
// queue.
const workerStateDetailType = "Batch Job State Change"

// WorkerStateRecord is the subset of a worker state-change envelope the
// consumer applies to the job store.
type WorkerStateRecord struct {
	DetailType string `json:"detail-type"`
	Detail     struct {
		JobID         string `json:"jobId"`
		Status        string `json:"status"`
		JobQueue      string `json:"jobQueue"`
		JobDefinition string `json:"jobDefinition"`
		// Epoch milliseconds; zero when the stage was not reached yet.
		CreatedAt int64 `json:"createdAt"`
		StartedAt int64 `json:"startedAt"`
		StoppedAt int64 `json:"stoppedAt"`
		Container struct {
			Environment []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"environment"`
		} `json:"container"`
	} `json:"detail"`
}

// JobUpdater applies worker lifecycle reports.
type JobUpdater interface {
	UpdateJobFromWorker(ctx context.Context, nativeID string, detail orchestrator.WorkerDetail, env map[string]string) error
}

// Env flattens the container environment into a map.
func (r WorkerStateRecord) Env() map[string]string {
	env := make(map[string]string, len(r.Detail.Container.Environment))
	for _, kv := range r.Detail.Container.Environment {
		env[kv.Name] = kv.Value
	}
	return env
}

// WorkerDetail converts the record into the orchestrator's report shape.
func (r WorkerStateRecord) WorkerDetail() orchestrator.WorkerDetail {
	env := r.Env()
	return orchestrator.WorkerDetail{
		Status:        cloud.JobStatus(r.Detail.Status),
		CreatedAt:     epochMillis(r.Detail.CreatedAt),
		StartedAt:     epochMillis(r.Detail.StartedAt),
		StoppedAt:     epochMillis(r.Detail.StoppedAt),
		JobQueue:      r.Detail.JobQueue,
		JobDefinition: r.Detail.JobDefinition,
		Regions:       engine.SplitList(env[engine.EnvTargetRegions]),
		Rulesets:      engine.SplitList(env[engine.EnvTargetRulesets]),
	}
}

func epochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
