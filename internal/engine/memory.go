package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Submission records one dispatched worker.
type Submission struct {
	NativeJobID    string
	JobDef         string
	Queue          string
	Env            map[string]string
	CredentialsKey string
}

// Memory is an in-process engine. Useful in tests and local runs where no
// compute backend exists.
type Memory struct {
	mu          sync.Mutex
	submissions []Submission
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) SubmitBatch(_ context.Context, jobDef, queue string, env map[string]string, credentialsKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]string, len(env)+1)
	for k, v := range env {
		copied[k] = v
	}
	if credentialsKey != "" {
		copied[EnvCredentialsKey] = credentialsKey
	}
	id := uuid.NewString()
	m.submissions = append(m.submissions, Submission{
		NativeJobID: id, JobDef: jobDef, Queue: queue, Env: copied, CredentialsKey: credentialsKey,
	})
	return id, nil
}

func (m *Memory) GetJobDefinitionARN(_ context.Context, jobDef string) (string, error) {
	return fmt.Sprintf("arn:aws:batch:local:000000000000:job-definition/%s:1", jobDef), nil
}

func (m *Memory) GetJobQueueARN(_ context.Context, queue string) (string, error) {
	return fmt.Sprintf("arn:aws:batch:local:000000000000:job-queue/%s", queue), nil
}

func (m *Memory) CreateJobDefinitionFromExisting(_ context.Context, jobDef, _ string) (string, error) {
	return fmt.Sprintf("arn:aws:batch:local:000000000000:job-definition/%s:2", jobDef), nil
}

// Submissions returns everything dispatched so far.
func (m *Memory) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Submission, len(m.submissions))
	copy(out, m.submissions)
	return out
}
