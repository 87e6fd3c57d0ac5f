package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/apierr"
	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/engine"
	"github.com/sentra-scan/sentra/internal/events"
	"github.com/sentra-scan/sentra/internal/license"
	"github.com/sentra-scan/sentra/internal/rules"
	"github.com/sentra-scan/sentra/internal/secrets"
	"github.com/sentra-scan/sentra/internal/sharding"
	"github.com/sentra-scan/sentra/internal/tenants"
)

type stubLM struct {
	postJobErr    error
	permissionErr error
	denyAll       bool

	postedJobs       []string
	updatedJobs      []string
	updatedCustomers []string
	updateErr        error
}

func (s *stubLM) AcceptVersion() string { return "3.0" }

func (s *stubLM) SyncLicenses(context.Context, string) ([]license.License, error) { return nil, nil }

func (s *stubLM) PostJob(_ context.Context, jobID, _, _ string, _ map[string][]string) error {
	if s.postJobErr != nil {
		return s.postJobErr
	}
	s.postedJobs = append(s.postedJobs, jobID)
	return nil
}

func (s *stubLM) UpdateJob(_ context.Context, jobID, customer string, _, _, _ time.Time, _ string) error {
	s.updatedJobs = append(s.updatedJobs, jobID)
	s.updatedCustomers = append(s.updatedCustomers, customer)
	return s.updateErr
}

func (s *stubLM) CheckPermission(_ context.Context, _, _ string, tenantNames []string) ([]string, error) {
	if s.permissionErr != nil {
		return nil, s.permissionErr
	}
	if s.denyAll {
		return nil, nil
	}
	return tenantNames, nil
}

func (s *stubLM) SetActivationDate(context.Context, string, string, time.Time) error { return nil }

func (s *stubLM) PublishRuleset(context.Context, string, rules.Ruleset) error { return nil }

type testEnv struct {
	orch    *Orchestrator
	jobs    *Store
	lm      *stubLM
	eng     *engine.Memory
	secrets *secrets.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	jobs, err := NewStore(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = jobs.Close() })

	tenantStore, err := tenants.NewStore(filepath.Join(dir, "tenants.db"))
	if err != nil {
		t.Fatalf("open tenant store: %v", err)
	}
	t.Cleanup(func() { _ = tenantStore.Close() })

	licenses, err := license.NewStore(filepath.Join(dir, "licenses.db"))
	if err != nil {
		t.Fatalf("open license store: %v", err)
	}
	t.Cleanup(func() { _ = licenses.Close() })

	catalog, err := rules.NewStore(filepath.Join(dir, "rules.db"))
	if err != nil {
		t.Fatalf("open rule store: %v", err)
	}
	t.Cleanup(func() { _ = catalog.Close() })

	if err := tenantStore.CreateCustomer(tenants.Customer{Name: "acme"}); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if _, err := tenantStore.CreateTenant(tenants.Tenant{
		Name: "prod-account", Customer: "acme", Cloud: cloud.AWS,
		AccountID: "111122223333", Regions: []string{"us-east-1"}, Active: true,
	}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	if err := licenses.Put(license.License{
		Key:           "LIC-1",
		ApplicationID: "app-1",
		Scope:         license.ScopeAll,
		Expiration:    time.Now().Add(24 * time.Hour),
		Customers:     map[string]license.CustomerScope{"acme": {AttachmentModel: license.AttachPermitted}},
		RulesetIDs:    []string{"cis-aws"},
	}); err != nil {
		t.Fatalf("put license: %v", err)
	}

	if err := catalog.PutRuleset(rules.Ruleset{
		Customer: "acme", Name: "cis-aws", Version: "1.0", Cloud: cloud.AWS,
		Rules: []string{"ec2-public", "s3-encryption"},
	}); err != nil {
		t.Fatalf("put ruleset: %v", err)
	}

	lm := &stubLM{}
	eng := engine.NewMemory()
	sec := secrets.NewMemory()
	orch := New(jobs, tenantStore, licenses, catalog, lm, eng, sec,
		events.NewBus(8), zap.NewNop(), "scan-def", "scan-queue")

	return &testEnv{orch: orch, jobs: jobs, lm: lm, eng: eng, secrets: sec}
}

func TestSubmitJobHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.orch.SubmitJob(ctx, SubmitRequest{
		Tenant:      "prod-account",
		Credentials: `{"role":"arn:aws:iam::111122223333:role/scan"}`,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != cloud.JobSubmitted {
		t.Fatalf("unexpected status %s", job.Status)
	}
	if len(job.LicensedRulesets) != 1 || job.LicensedRulesets[0] != "cis-aws" {
		t.Fatalf("unexpected licensed rulesets: %v", job.LicensedRulesets)
	}

	stored, err := env.jobs.GetJob(job.ID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if stored.NativeJobID == "" {
		t.Fatal("native job id not recorded")
	}

	subs := env.eng.Submissions()
	if len(subs) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(subs))
	}
	if subs[0].Env[engine.EnvTenantName] != "prod-account" {
		t.Fatalf("tenant env missing: %#v", subs[0].Env)
	}
	if subs[0].Env[engine.EnvCredentialsKey] != "job-creds/"+job.ID {
		t.Fatalf("credentials key env missing: %#v", subs[0].Env)
	}
	if _, err := env.secrets.Get(ctx, "job-creds/"+job.ID); err != nil {
		t.Fatalf("credentials secret missing: %v", err)
	}
}

func TestSubmitJobQuotaDenied(t *testing.T) {
	env := newTestEnv(t)
	env.lm.postJobErr = apierr.New(apierr.QuotaExceeded, "quota exhausted")

	_, err := env.orch.SubmitJob(context.Background(), SubmitRequest{Tenant: "prod-account"})
	if apierr.KindOf(err) != apierr.QuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", err)
	}
	if len(env.eng.Submissions()) != 0 {
		t.Fatal("denied job must not dispatch a worker")
	}
	jobs, err := env.jobs.ListJobs("prod-account")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("denied job must not persist, found %d", len(jobs))
	}
}

func TestSubmitJobNoLicense(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.SubmitJob(context.Background(), SubmitRequest{
		Tenant: "prod-account", LicenseKey: "LIC-MISSING",
	})
	if apierr.KindOf(err) != apierr.NoLicense {
		t.Fatalf("expected NO_LICENSE, got %v", err)
	}
}

func TestSubmitJobInvalidRulesets(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.SubmitJob(context.Background(), SubmitRequest{
		Tenant: "prod-account", Rulesets: []string{"does-not-exist"},
	})
	if apierr.KindOf(err) != apierr.InvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if len(env.lm.postedJobs) != 0 {
		t.Fatal("invalid rulesets must not reach the license manager")
	}
}

func TestUpdateJobStatusMonotonic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.orch.SubmitJob(ctx, SubmitRequest{Tenant: "prod-account"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	nativeID := env.eng.Submissions()[0].NativeJobID

	if err := env.orch.UpdateJobFromWorker(ctx, nativeID, WorkerDetail{Status: cloud.JobRunning}, nil); err != nil {
		t.Fatalf("update to RUNNING: %v", err)
	}
	// Stale report arrives late.
	if err := env.orch.UpdateJobFromWorker(ctx, nativeID, WorkerDetail{Status: cloud.JobPending}, nil); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	stored, err := env.jobs.GetJob(job.ID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if stored.Status != cloud.JobRunning {
		t.Fatalf("status moved backwards: %s", stored.Status)
	}
}

func TestUpdateJobTerminalReleasesCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.orch.SubmitJob(ctx, SubmitRequest{
		Tenant: "prod-account", Credentials: "{}",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	nativeID := env.eng.Submissions()[0].NativeJobID

	started := time.Now().Add(-time.Minute)
	stopped := time.Now()
	// LM returning 404 on the accounting update is tolerated.
	env.lm.updateErr = apierr.New(apierr.InvalidInput, "unknown job")
	err = env.orch.UpdateJobFromWorker(ctx, nativeID, WorkerDetail{
		Status: cloud.JobSucceeded, StartedAt: started, StoppedAt: stopped,
	}, nil)
	if err != nil {
		t.Fatalf("terminal update: %v", err)
	}

	if _, err := env.secrets.Get(ctx, "job-creds/"+job.ID); !secrets.IsNotFound(err) {
		t.Fatalf("credentials secret not released: %v", err)
	}
	if len(env.lm.updatedJobs) != 1 || env.lm.updatedJobs[0] != job.ID {
		t.Fatalf("license manager accounting not called: %v", env.lm.updatedJobs)
	}
	if env.lm.updatedCustomers[0] != "acme" {
		t.Fatalf("accounting update must carry the customer: %v", env.lm.updatedCustomers)
	}

	stored, _ := env.jobs.GetJob(job.ID)
	if stored.Status != cloud.JobSucceeded {
		t.Fatalf("unexpected status %s", stored.Status)
	}
	if stored.StartedAt.IsZero() || stored.StoppedAt.IsZero() {
		t.Fatalf("lifecycle timestamps not filled: %#v", stored)
	}
}

func TestUpdateJobDefensiveCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	envVars := map[string]string{
		engine.EnvTenantName:       "prod-account",
		engine.EnvJobType:          string(cloud.ScanReactive),
		engine.EnvScheduledJobName: "nightly",
		engine.EnvSubmittedAt:      time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
	err := env.orch.UpdateJobFromWorker(ctx, "unseen-native-id", WorkerDetail{Status: cloud.JobRunning}, envVars)
	if err != nil {
		t.Fatalf("update unknown job: %v", err)
	}

	job, err := env.jobs.GetJobByNativeID("unseen-native-id")
	if err != nil {
		t.Fatalf("defensively created job missing: %v", err)
	}
	if job.Tenant != "prod-account" || job.ScheduledRuleName != "nightly" {
		t.Fatalf("unexpected job: %#v", job)
	}
	if job.Customer != "acme" {
		t.Fatalf("customer not resolved from tenant: %q", job.Customer)
	}
	if job.Status != cloud.JobRunning {
		t.Fatalf("unexpected status %s", job.Status)
	}
}

func TestScheduledSubmitKeepsManualScanType(t *testing.T) {
	env := newTestEnv(t)

	job, err := env.orch.SubmitJob(context.Background(), SubmitRequest{
		Tenant: "prod-account", ScheduledRuleName: "acme-nightly",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ScanType != cloud.ScanManual {
		t.Fatalf("cron-triggered job must stay a standard scan, got %s", job.ScanType)
	}
	if job.ScheduledRuleName != "acme-nightly" {
		t.Fatalf("scheduled rule name lost: %#v", job)
	}
	subs := env.eng.Submissions()
	if subs[0].Env[engine.EnvJobType] != string(cloud.ScanManual) {
		t.Fatalf("worker env must carry the standard scan type: %#v", subs[0].Env)
	}
	if subs[0].Env[engine.EnvScheduledJobName] != "acme-nightly" {
		t.Fatalf("scheduled job name env missing: %#v", subs[0].Env)
	}
}

type stubSink struct {
	jobs    []string
	batches []string
	spaces  []sharding.Namespace
}

func (s *stubSink) FinalizeJob(_ context.Context, ns sharding.Namespace, jobID string, _ time.Time) error {
	s.jobs = append(s.jobs, jobID)
	s.spaces = append(s.spaces, ns)
	return nil
}

func (s *stubSink) FinalizeBatchResult(_ context.Context, ns sharding.Namespace, brID string, _ time.Time) error {
	s.batches = append(s.batches, brID)
	s.spaces = append(s.spaces, ns)
	return nil
}

func TestSucceededJobIsFinalized(t *testing.T) {
	env := newTestEnv(t)
	sink := &stubSink{}
	env.orch.SetResultSink(sink)
	ctx := context.Background()

	job, err := env.orch.SubmitJob(ctx, SubmitRequest{Tenant: "prod-account"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	nativeID := env.eng.Submissions()[0].NativeJobID

	err = env.orch.UpdateJobFromWorker(ctx, nativeID, WorkerDetail{Status: cloud.JobSucceeded}, nil)
	if err != nil {
		t.Fatalf("terminal update: %v", err)
	}

	if len(sink.jobs) != 1 || sink.jobs[0] != job.ID {
		t.Fatalf("succeeded job not finalized: %v", sink.jobs)
	}
	want := sharding.Namespace{Customer: "acme", Cloud: cloud.AWS, Account: "111122223333"}
	if sink.spaces[0] != want {
		t.Fatalf("unexpected namespace: %#v", sink.spaces[0])
	}
}

func TestFailedJobIsNotFinalized(t *testing.T) {
	env := newTestEnv(t)
	sink := &stubSink{}
	env.orch.SetResultSink(sink)
	ctx := context.Background()

	if _, err := env.orch.SubmitJob(ctx, SubmitRequest{Tenant: "prod-account"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	nativeID := env.eng.Submissions()[0].NativeJobID

	err := env.orch.UpdateJobFromWorker(ctx, nativeID, WorkerDetail{Status: cloud.JobFailed}, nil)
	if err != nil {
		t.Fatalf("terminal update: %v", err)
	}
	if len(sink.jobs) != 0 {
		t.Fatalf("failed job must not merge into latest: %v", sink.jobs)
	}
}

func TestSucceededBatchResultIsFinalized(t *testing.T) {
	env := newTestEnv(t)
	sink := &stubSink{}
	env.orch.SetResultSink(sink)
	ctx := context.Background()

	br, err := env.orch.RegisterBatchResult(BatchResult{
		Tenant: "prod-account", Customer: "acme", Cloud: cloud.AWS,
		Region: "us-east-1", EventHash: "h1",
		RegionRules: map[string][]string{"us-east-1": {"ec2-public"}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	envVars := map[string]string{
		engine.EnvTenantName:     "prod-account",
		engine.EnvBatchResultsID: br.ID,
	}
	err = env.orch.UpdateJobFromWorker(ctx, "native-single", WorkerDetail{Status: cloud.JobSucceeded}, envVars)
	if err != nil {
		t.Fatalf("succeeded update: %v", err)
	}

	if len(sink.batches) != 1 || sink.batches[0] != br.ID {
		t.Fatalf("succeeded batch result not finalized: %v", sink.batches)
	}
	// The defensively created worker job succeeded too.
	if len(sink.jobs) != 1 {
		t.Fatalf("expected one job finalize, got %v", sink.jobs)
	}
}

func TestBatchResultIdempotent(t *testing.T) {
	env := newTestEnv(t)

	br := BatchResult{
		Tenant: "prod-account", Customer: "acme", Cloud: cloud.AWS,
		Region: "us-east-1", EventHash: "h1",
		RegionRules: map[string][]string{"us-east-1": {"ec2-public"}},
	}
	first, err := env.orch.RegisterBatchResult(br)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := env.orch.RegisterBatchResult(br)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate registration created a new record: %s vs %s", first.ID, second.ID)
	}
}

func TestFailurePropagatesToBatchResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mk := func(hash string) string {
		br, err := env.orch.RegisterBatchResult(BatchResult{
			Tenant: "prod-account", Customer: "acme", Cloud: cloud.AWS,
			Region: "us-east-1", EventHash: hash,
			RegionRules: map[string][]string{"us-east-1": {"ec2-public"}},
		})
		if err != nil {
			t.Fatalf("register %s: %v", hash, err)
		}
		return br.ID
	}
	first, second := mk("h1"), mk("h2")

	envVars := map[string]string{
		engine.EnvTenantName:      "prod-account",
		engine.EnvBatchResultsIDs: engine.JoinList([]string{first, second}),
	}
	err := env.orch.UpdateJobFromWorker(ctx, "native-multi", WorkerDetail{Status: cloud.JobFailed}, envVars)
	if err != nil {
		t.Fatalf("failed update: %v", err)
	}

	for _, id := range []string{first, second} {
		br, err := env.jobs.GetBatchResult(id)
		if err != nil {
			t.Fatalf("load batch result: %v", err)
		}
		if br.Status != cloud.JobFailed {
			t.Fatalf("failure not propagated to %s: %s", id, br.Status)
		}
	}
}

func TestSuccessDoesNotOverrideBatchResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	br, err := env.orch.RegisterBatchResult(BatchResult{
		Tenant: "prod-account", Customer: "acme", Cloud: cloud.AWS,
		Region: "us-east-1", EventHash: "h1",
		RegionRules: map[string][]string{"us-east-1": {"ec2-public"}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	envVars := map[string]string{
		engine.EnvTenantName:      "prod-account",
		engine.EnvBatchResultsIDs: br.ID,
	}
	err = env.orch.UpdateJobFromWorker(ctx, "native-multi", WorkerDetail{Status: cloud.JobSucceeded}, envVars)
	if err != nil {
		t.Fatalf("succeeded update: %v", err)
	}

	stored, err := env.jobs.GetBatchResult(br.ID)
	if err != nil {
		t.Fatalf("load batch result: %v", err)
	}
	// Multi-result success is set inline by the worker, not propagated.
	if stored.Status != cloud.JobSubmitted {
		t.Fatalf("success must not be propagated, got %s", stored.Status)
	}
}
