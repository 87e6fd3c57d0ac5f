package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/apierr"
	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/engine"
	"github.com/sentra-scan/sentra/internal/events"
	"github.com/sentra-scan/sentra/internal/license"
	"github.com/sentra-scan/sentra/internal/metrics"
	"github.com/sentra-scan/sentra/internal/rules"
	"github.com/sentra-scan/sentra/internal/secrets"
	"github.com/sentra-scan/sentra/internal/sharding"
	"github.com/sentra-scan/sentra/internal/tenants"
)

// ResultSink folds a finished scan's output into durable tenant state:
// latest-state merge, snapshot, and the event-driven diff.
type ResultSink interface {
	FinalizeJob(ctx context.Context, ns sharding.Namespace, jobID string, submittedAt time.Time) error
	FinalizeBatchResult(ctx context.Context, ns sharding.Namespace, brID string, submittedAt time.Time) error
}

// Temporary tenant credentials outlive the longest reasonable scan, not
// more. Terminal status reports delete them earlier.
const credentialsTTL = 4 * time.Hour

// Orchestrator admits, dispatches and tracks scan jobs.
type Orchestrator struct {
	jobs     *Store
	tenants  *tenants.Store
	licenses *license.Store
	catalog  *rules.Store
	lm       license.API
	engine   engine.Engine
	secrets  secrets.Store
	bus      *events.Bus
	sink     ResultSink
	logger   *zap.Logger

	jobDefinition string
	jobQueue      string
	now           func() time.Time
}

// New wires an orchestrator. jobDefinition and jobQueue name the compute
// backend resources workers run on.
func New(jobs *Store, tenantStore *tenants.Store, licenses *license.Store,
	catalog *rules.Store, lm license.API, eng engine.Engine, sec secrets.Store,
	bus *events.Bus, logger *zap.Logger, jobDefinition, jobQueue string) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobs:          jobs,
		tenants:       tenantStore,
		licenses:      licenses,
		catalog:       catalog,
		lm:            lm,
		engine:        eng,
		secrets:       sec,
		bus:           bus,
		logger:        logger,
		jobDefinition: jobDefinition,
		jobQueue:      jobQueue,
		now:           time.Now,
	}
}

// SetResultSink attaches the completion-time result finalizer.
func (o *Orchestrator) SetResultSink(sink ResultSink) { o.sink = sink }

// SubmitRequest is one scan admission request.
type SubmitRequest struct {
	Tenant   string   `json:"tenant"`
	Rulesets []string `json:"rulesets,omitempty"`
	Regions  []string `json:"regions,omitempty"`
	// Credentials is an opaque blob handed to the worker through the
	// secret store, never through the job record.
	Credentials string `json:"credentials,omitempty"`
	LicenseKey  string `json:"license_key,omitempty"`
	Owner       string `json:"owner,omitempty"`

	// ScheduledRuleName is set when a cron trigger submitted the job.
	ScheduledRuleName string `json:"scheduled_rule_name,omitempty"`
}

// SubmitJob admits a scan request: license selection, ruleset expansion,
// quota check, LM accounting, then persist and dispatch. A request denied
// by the License Manager leaves no job record and dispatches nothing.
func (o *Orchestrator) SubmitJob(ctx context.Context, req SubmitRequest) (*Job, error) {
	tenant, err := o.tenants.GetTenant(req.Tenant)
	if err != nil {
		if tenants.IsNotFound(err) {
			return nil, apierr.New(apierr.NotFound, "tenant %s not found", req.Tenant)
		}
		return nil, apierr.Wrap(apierr.Internal, err, "load tenant %s", req.Tenant)
	}
	if !tenant.Active {
		return nil, apierr.New(apierr.InvalidInput, "tenant %s is not active", tenant.Name)
	}

	lic, err := o.resolveLicense(tenant, req.LicenseKey)
	if err != nil {
		metrics.RecordAdmissionDenied(tenant.Customer, "NO_LICENSE")
		return nil, err
	}

	rulesetMap, licensedNames, err := o.expandRulesets(tenant, lic, req.Rulesets)
	if err != nil {
		metrics.RecordAdmissionDenied(tenant.Customer, "INVALID_RULESETS")
		return nil, err
	}

	allowed, err := o.lm.CheckPermission(ctx, tenant.Customer, lic.Key, []string{tenant.Name})
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		metrics.RecordAdmissionDenied(tenant.Customer, "QUOTA_EXCEEDED")
		return nil, apierr.New(apierr.QuotaExceeded, "license %s denies tenant %s", lic.Key, tenant.Name)
	}

	jobID := uuid.NewString()
	if err := o.lm.PostJob(ctx, jobID, tenant.Customer, tenant.Name, rulesetMap); err != nil {
		if apierr.KindOf(err) == apierr.QuotaExceeded {
			metrics.RecordAdmissionDenied(tenant.Customer, "QUOTA_EXCEEDED")
		}
		return nil, err
	}

	regions := req.Regions
	if len(regions) == 0 {
		regions = tenant.Regions
	}

	credentialsKey := ""
	if req.Credentials != "" {
		credentialsKey = "job-creds/" + jobID
		if err := o.secrets.Create(ctx, credentialsKey, req.Credentials, credentialsTTL); err != nil {
			return nil, apierr.Wrap(apierr.StorageTransient, err, "store job credentials")
		}
	}

	job := Job{
		ID:                jobID,
		Tenant:            tenant.Name,
		Customer:          tenant.Customer,
		Owner:             req.Owner,
		SubmittedAt:       o.now().UTC(),
		Status:            cloud.JobSubmitted,
		ScanType:          cloud.ScanManual,
		RequestedRulesets: req.Rulesets,
		LicensedRulesets:  licensedNames,
		Regions:           regions,
		LicenseKeys:       []string{lic.Key},
		ScheduledRuleName: req.ScheduledRuleName,
		JobQueue:          o.jobQueue,
		JobDefinition:     o.jobDefinition,
		CredentialsKey:    credentialsKey,
	}
	if err := o.jobs.CreateJob(job); err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, err, "persist job %s", jobID)
	}

	nativeID, err := o.engine.SubmitBatch(ctx, o.jobDefinition, o.jobQueue, o.jobEnv(job), credentialsKey)
	if err != nil {
		_, _ = o.jobs.SetJobStatus(jobID, cloud.JobFailed)
		return nil, apierr.Wrap(apierr.UpstreamUnavailable, err, "dispatch job %s", jobID)
	}
	if err := o.jobs.SetNativeJobID(jobID, nativeID); err != nil {
		o.logger.Warn("record native job id", zap.String("job", jobID), zap.Error(err))
	}
	job.NativeJobID = nativeID

	metrics.RecordJobSubmitted(tenant.Customer)
	o.publish(events.JobSubmitted, job, "job submitted")
	o.logger.Info("job submitted",
		zap.String("job", jobID),
		zap.String("tenant", tenant.Name),
		zap.String("customer", tenant.Customer),
		zap.Strings("rulesets", licensedNames))
	return &job, nil
}

func (o *Orchestrator) resolveLicense(tenant *tenants.Tenant, key string) (*license.License, error) {
	if key != "" {
		lic, err := o.licenses.Get(key)
		if err != nil {
			if license.IsNotFound(err) {
				return nil, apierr.New(apierr.NoLicense, "license %s not found", key)
			}
			return nil, apierr.Wrap(apierr.Internal, err, "load license %s", key)
		}
		if lic.Expired(o.now().UTC()) || !lic.Permits(tenant.Customer, tenant.Name) {
			return nil, apierr.New(apierr.NoLicense, "license %s does not cover tenant %s", key, tenant.Name)
		}
		return lic, nil
	}

	lic, err := o.licenses.SelectForTenant(tenant.Customer, tenant.Name, o.now().UTC())
	if err != nil {
		if license.IsNotFound(err) {
			return nil, apierr.New(apierr.NoLicense, "no active license for tenant %s", tenant.Name)
		}
		return nil, apierr.Wrap(apierr.Internal, err, "select license for tenant %s", tenant.Name)
	}
	return lic, nil
}

// expandRulesets resolves the requested ruleset names against the catalog
// and the license. With no explicit request, every ruleset the license
// covers is used.
func (o *Orchestrator) expandRulesets(tenant *tenants.Tenant, lic *license.License, requested []string) (map[string][]string, []string, error) {
	all, err := o.catalog.ListRulesets(tenant.Customer)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "list rulesets for %s", tenant.Customer)
	}

	covered := make(map[string]bool, len(lic.RulesetIDs))
	for _, id := range lic.RulesetIDs {
		covered[id] = true
	}
	wanted := make(map[string]bool, len(requested))
	for _, name := range requested {
		wanted[name] = true
	}

	rulesetMap := make(map[string][]string)
	names := make([]string, 0)
	for _, rs := range all {
		if rs.Cloud != tenant.Cloud {
			continue
		}
		if len(requested) > 0 && !wanted[rs.Name] {
			continue
		}
		if len(requested) == 0 && !covered[rs.Name] {
			continue
		}
		rulesetMap[rs.Name] = rs.Rules
		names = append(names, rs.Name)
	}
	if len(rulesetMap) == 0 {
		return nil, nil, apierr.New(apierr.InvalidInput, "no usable rulesets for tenant %s", tenant.Name)
	}
	return rulesetMap, names, nil
}

func (o *Orchestrator) jobEnv(job Job) map[string]string {
	env := map[string]string{
		engine.EnvSubmittedAt:      job.SubmittedAt.Format(time.RFC3339),
		engine.EnvTenantName:       job.Tenant,
		engine.EnvJobType:          string(job.ScanType),
		engine.EnvTargetRegions:    engine.JoinList(job.Regions),
		engine.EnvTargetRulesets:   engine.JoinList(job.RequestedRulesets),
		engine.EnvLicensedRulesets: engine.JoinList(job.LicensedRulesets),
		engine.EnvAffectedLicenses: engine.JoinList(job.LicenseKeys),
	}
	if job.ScheduledRuleName != "" {
		env[engine.EnvScheduledJobName] = job.ScheduledRuleName
	}
	return env
}

// WorkerDetail is the lifecycle payload a worker status event carries.
// Zero fields mean "not reported".
type WorkerDetail struct {
	Status        cloud.JobStatus
	CreatedAt     time.Time
	StartedAt     time.Time
	StoppedAt     time.Time
	JobQueue      string
	JobDefinition string
	Regions       []string
	Rulesets      []string
}

// UpdateJobFromWorker applies one worker status report. Reports are
// idempotent and may arrive out of order; the status rank compare-and-set
// drops stale ones. Unknown native ids create the job defensively from the
// worker environment.
func (o *Orchestrator) UpdateJobFromWorker(ctx context.Context, nativeID string, detail WorkerDetail, env map[string]string) error {
	job, err := o.jobs.GetJobByNativeID(nativeID)
	if err != nil {
		if !IsNotFound(err) {
			return apierr.Wrap(apierr.Internal, err, "resolve job by native id %s", nativeID)
		}
		job, err = o.createFromEnv(nativeID, env)
		if err != nil {
			return err
		}
	}

	if err := o.jobs.FillJobFields(job.ID, JobFields{
		CreatedAt:     detail.CreatedAt,
		StartedAt:     detail.StartedAt,
		StoppedAt:     detail.StoppedAt,
		JobQueue:      detail.JobQueue,
		JobDefinition: detail.JobDefinition,
		Regions:       detail.Regions,
		Rulesets:      detail.Rulesets,
	}); err != nil {
		return apierr.Wrap(apierr.StorageTransient, err, "update job %s", job.ID)
	}

	changed, err := o.jobs.SetJobStatus(job.ID, detail.Status)
	if err != nil {
		return apierr.Wrap(apierr.StorageTransient, err, "set job %s status", job.ID)
	}
	if !changed || !detail.Status.Terminal() {
		return nil
	}

	o.finishJob(ctx, job, detail, env)
	return nil
}

// finishJob runs the terminal-status side effects: credentials cleanup,
// batch result propagation, LM accounting, metrics and events. All of it
// is best-effort; the job state is already persisted.
func (o *Orchestrator) finishJob(ctx context.Context, job *Job, detail WorkerDetail, env map[string]string) {
	if job.CredentialsKey != "" {
		if err := o.secrets.Delete(ctx, job.CredentialsKey); err != nil {
			o.logger.Warn("release job credentials", zap.String("job", job.ID), zap.Error(err))
		}
	}

	o.propagateToBatchResults(ctx, detail.Status, env)

	if job.Licensed() {
		err := o.lm.UpdateJob(ctx, job.ID, job.Customer, detail.CreatedAt, detail.StartedAt, detail.StoppedAt, string(detail.Status))
		if err != nil {
			if apierr.KindOf(err) == apierr.InvalidInput {
				// LM no longer knows the job. Accounting-only, tolerated.
				o.logger.Info("license manager dropped job", zap.String("job", job.ID))
			} else {
				o.logger.Warn("license manager job update failed", zap.String("job", job.ID), zap.Error(err))
			}
		}
	}

	duration := time.Duration(0)
	if !detail.StoppedAt.IsZero() && !detail.StartedAt.IsZero() {
		duration = detail.StoppedAt.Sub(detail.StartedAt)
	}
	tenantCloud := ""
	if t, err := o.tenants.GetTenant(job.Tenant); err == nil {
		tenantCloud = string(t.Cloud)
		if o.sink != nil && detail.Status == cloud.JobSucceeded {
			ns := sharding.Namespace{Customer: job.Customer, Cloud: t.Cloud, Account: t.AccountID}
			if err := o.sink.FinalizeJob(ctx, ns, job.ID, job.SubmittedAt); err != nil {
				o.logger.Warn("finalize job results", zap.String("job", job.ID), zap.Error(err))
			}
		}
	}
	metrics.RecordJobComplete(job.Customer, tenantCloud, string(detail.Status), duration)

	evt := events.JobSucceeded
	if detail.Status == cloud.JobFailed {
		evt = events.JobFailed
	}
	o.publish(evt, *job, "job "+string(detail.Status))
	o.logger.Info("job finished",
		zap.String("job", job.ID),
		zap.String("tenant", job.Tenant),
		zap.String("status", string(detail.Status)))
}

// propagateToBatchResults applies the terminal status to the batch results
// a reactive worker covered. A failure fails every covered batch result; a
// success is only propagated for the single-result case, since multi-result
// workers set each result's status inline themselves.
func (o *Orchestrator) propagateToBatchResults(ctx context.Context, status cloud.JobStatus, env map[string]string) {
	if id := env[engine.EnvBatchResultsID]; id != "" {
		changed, err := o.jobs.SetBatchResultStatus(id, status)
		if err != nil {
			o.logger.Warn("propagate status to batch result", zap.String("batch_result", id), zap.Error(err))
		} else if changed && status == cloud.JobSucceeded {
			o.finalizeBatchResult(ctx, id)
		}
	}
	if status != cloud.JobFailed {
		return
	}
	for _, id := range engine.SplitList(env[engine.EnvBatchResultsIDs]) {
		if _, err := o.jobs.SetBatchResultStatus(id, cloud.JobFailed); err != nil {
			o.logger.Warn("propagate failure to batch result", zap.String("batch_result", id), zap.Error(err))
		}
	}
}

// finalizeBatchResult persists the succeeded batch result's latest-state
// merge and its diff against the nearest snapshot. Best-effort.
func (o *Orchestrator) finalizeBatchResult(ctx context.Context, id string) {
	if o.sink == nil {
		return
	}
	br, err := o.jobs.GetBatchResult(id)
	if err != nil {
		o.logger.Warn("load batch result for finalize", zap.String("batch_result", id), zap.Error(err))
		return
	}
	t, err := o.tenants.GetTenant(br.Tenant)
	if err != nil {
		o.logger.Warn("resolve tenant for finalize", zap.String("batch_result", id), zap.Error(err))
		return
	}
	at := br.SubmittedAt
	if at.IsZero() {
		at = br.RegistrationStart
	}
	ns := sharding.Namespace{Customer: br.Customer, Cloud: t.Cloud, Account: t.AccountID}
	if err := o.sink.FinalizeBatchResult(ctx, ns, br.ID, at); err != nil {
		o.logger.Warn("finalize batch result", zap.String("batch_result", id), zap.Error(err))
	}
}

// createFromEnv persists a job for a worker the store has never seen.
// Happens when the job record was lost or the worker was started out of
// band; the environment carries enough to reconstruct the essentials.
func (o *Orchestrator) createFromEnv(nativeID string, env map[string]string) (*Job, error) {
	tenantName := env[engine.EnvTenantName]
	if tenantName == "" {
		return nil, apierr.New(apierr.InvalidInput, "unknown native job %s without tenant env", nativeID)
	}

	job := Job{
		ID:                uuid.NewString(),
		Tenant:            tenantName,
		SubmittedAt:       o.now().UTC(),
		Status:            cloud.JobSubmitted,
		ScanType:          cloud.ScanType(env[engine.EnvJobType]),
		ScheduledRuleName: env[engine.EnvScheduledJobName],
		Regions:           engine.SplitList(env[engine.EnvTargetRegions]),
		LicensedRulesets:  engine.SplitList(env[engine.EnvLicensedRulesets]),
		LicenseKeys:       engine.SplitList(env[engine.EnvAffectedLicenses]),
		NativeJobID:       nativeID,
	}
	if job.ScanType == "" {
		job.ScanType = cloud.ScanManual
	}
	if at, err := time.Parse(time.RFC3339, env[engine.EnvSubmittedAt]); err == nil {
		job.SubmittedAt = at
	}
	if t, err := o.tenants.GetTenant(tenantName); err == nil {
		job.Customer = t.Customer
	}

	if err := o.jobs.CreateJob(job); err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, err, "create job for native id %s", nativeID)
	}
	o.logger.Warn("created job from worker environment",
		zap.String("job", job.ID),
		zap.String("native_id", nativeID),
		zap.String("tenant", tenantName))
	return &job, nil
}

// RegisterBatchResult persists an event-router group idempotently and
// publishes the creation event for fresh records.
func (o *Orchestrator) RegisterBatchResult(br BatchResult) (*BatchResult, error) {
	if br.ID == "" {
		br.ID = uuid.NewString()
	}
	if br.RegistrationStart.IsZero() {
		br.RegistrationStart = o.now().UTC()
	}
	stored, err := o.jobs.CreateBatchResult(br)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, err, "register batch result for %s", br.Tenant)
	}
	if stored.ID == br.ID {
		metrics.BatchResultsTotal.WithLabelValues(string(br.Cloud), string(stored.Status)).Inc()
		if o.bus != nil {
			o.bus.Publish(events.Event{
				Type:     events.BatchResultCreated,
				Tenant:   br.Tenant,
				Customer: br.Customer,
				JobID:    stored.ID,
				Summary:  "batch result registered",
			})
		}
	}
	return stored, nil
}

func (o *Orchestrator) publish(t events.EventType, job Job, summary string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:     t,
		Tenant:   job.Tenant,
		Customer: job.Customer,
		JobID:    job.ID,
		Summary:  summary,
	})
}
