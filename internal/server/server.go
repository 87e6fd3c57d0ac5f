// Package server is the JSON boundary of the platform. It adapts HTTP
// requests onto the orchestrator, the report pipeline, the exception store
// and the trigger scheduler, mapping error kinds to status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/apierr"
	"github.com/sentra-scan/sentra/internal/orchestrator"
	"github.com/sentra-scan/sentra/internal/reports"
	"github.com/sentra-scan/sentra/internal/rules"
	"github.com/sentra-scan/sentra/internal/sharding"
	"github.com/sentra-scan/sentra/internal/tenants"
	"github.com/sentra-scan/sentra/internal/trigger"
)

// JobService accepts scan submissions.
type JobService interface {
	SubmitJob(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.Job, error)
}

// JobReader reads persisted jobs.
type JobReader interface {
	GetJob(id string) (*orchestrator.Job, error)
	ListJobs(tenant string) ([]orchestrator.Job, error)
}

// TenantReader resolves tenants for report namespaces.
type TenantReader interface {
	GetTenant(name string) (*tenants.Tenant, error)
}

// SourceSyncer reconciles one rule source with its git origin.
type SourceSyncer interface {
	Sync(ctx context.Context, sourceID string) error
}

// Config configures the API server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string
}

// Server is the platform API server.
type Server struct {
	config     Config
	jobs       JobService
	jobReader  JobReader
	tenants    TenantReader
	pipeline   *reports.Pipeline
	exceptions *reports.ExceptionStore
	scheduler  *trigger.Scheduler
	schedules  *trigger.Store
	catalog    *rules.Store
	sources    SourceSyncer
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates the API server and registers its routes.
func New(cfg Config, jobs JobService, jobReader JobReader, tenantReader TenantReader,
	pipeline *reports.Pipeline, exceptions *reports.ExceptionStore,
	scheduler *trigger.Scheduler, schedules *trigger.Store,
	catalog *rules.Store, sources SourceSyncer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:     cfg,
		jobs:       jobs,
		jobReader:  jobReader,
		tenants:    tenantReader,
		pipeline:   pipeline,
		exceptions: exceptions,
		scheduler:  scheduler,
		schedules:  schedules,
		catalog:    catalog,
		sources:    sources,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the server until context cancellation or a listener error.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting api server", zap.String("addr", s.config.ListenAddr))

	httpSrv := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api shutdown failed: %w", err)
		}
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server error after shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Jobs
	s.mux.HandleFunc("POST /api/v1/jobs", s.handleSubmitJob)
	s.mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)

	// Reports
	s.mux.HandleFunc("GET /api/v1/tenants/{tenant}/reports/digest", s.handleDigest)
	s.mux.HandleFunc("GET /api/v1/tenants/{tenant}/reports/details", s.handleDetails)
	s.mux.HandleFunc("GET /api/v1/tenants/{tenant}/reports/coverage", s.handleCoverage)
	s.mux.HandleFunc("GET /api/v1/tenants/{tenant}/reports/exceptions", s.handleExceptionImpact)
	s.mux.HandleFunc("GET /api/v1/tenants/{tenant}/reports/statistics", s.handleStatistics)

	// Resource exceptions
	s.mux.HandleFunc("POST /api/v1/exceptions", s.handleCreateException)
	s.mux.HandleFunc("GET /api/v1/exceptions", s.handleListExceptions)
	s.mux.HandleFunc("GET /api/v1/exceptions/{id}", s.handleGetException)
	s.mux.HandleFunc("PUT /api/v1/exceptions/{id}", s.handleUpdateException)
	s.mux.HandleFunc("DELETE /api/v1/exceptions/{id}", s.handleDeleteException)

	// Rule sources
	s.mux.HandleFunc("POST /api/v1/rule-sources", s.handleCreateRuleSource)
	s.mux.HandleFunc("GET /api/v1/rule-sources", s.handleListRuleSources)
	s.mux.HandleFunc("GET /api/v1/rule-sources/{id}", s.handleGetRuleSource)
	s.mux.HandleFunc("DELETE /api/v1/rule-sources/{id}", s.handleDeleteRuleSource)
	s.mux.HandleFunc("POST /api/v1/rule-sources/{id}/sync", s.handleSyncRuleSource)

	// Scheduled jobs
	s.mux.HandleFunc("POST /api/v1/schedules", s.handleCreateSchedule)
	s.mux.HandleFunc("GET /api/v1/schedules", s.handleListSchedules)
	s.mux.HandleFunc("GET /api/v1/schedules/{id}", s.handleGetSchedule)
	s.mux.HandleFunc("PATCH /api/v1/schedules/{id}", s.handleUpdateSchedule)
	s.mux.HandleFunc("DELETE /api/v1/schedules/{id}", s.handleDeleteSchedule)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Jobs ---

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "decode request: %v", err))
		return
	}
	job, err := s.jobs.SubmitJob(r.Context(), req)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "tenant query parameter is required"))
		return
	}
	jobs, err := s.jobReader.ListJobs(tenant)
	if err != nil {
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "list jobs"))
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobReader.GetJob(r.PathValue("id"))
	if err != nil {
		if orchestrator.IsNotFound(err) {
			writeJSONError(w, apierr.New(apierr.NotFound, "job %s not found", r.PathValue("id")))
			return
		}
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "load job"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --- Reports ---

// resolveNamespace maps a tenant path parameter onto its shard namespace.
func (s *Server) resolveNamespace(name string) (sharding.Namespace, *tenants.Tenant, error) {
	tenant, err := s.tenants.GetTenant(name)
	if err != nil {
		if tenants.IsNotFound(err) {
			return sharding.Namespace{}, nil, apierr.New(apierr.NotFound, "tenant %s not found", name)
		}
		return sharding.Namespace{}, nil, apierr.Wrap(apierr.Internal, err, "load tenant %s", name)
	}
	ns := sharding.Namespace{Customer: tenant.Customer, Cloud: tenant.Cloud, Account: tenant.AccountID}
	return ns, tenant, nil
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tenant")
	ns, _, err := s.resolveNamespace(name)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	digest, err := s.pipeline.Digest(r.Context(), ns, name, nil)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, digest)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tenant")
	ns, _, err := s.resolveNamespace(name)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	details, err := s.pipeline.Details(r.Context(), ns, name)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tenant")
	ns, _, err := s.resolveNamespace(name)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	techOnly := r.URL.Query().Get("tech_only") == "true"
	coverage, err := s.pipeline.Coverage(r.Context(), ns, name, nil, techOnly)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coverage)
}

func (s *Server) handleExceptionImpact(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tenant")
	ns, _, err := s.resolveNamespace(name)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	impact, err := s.pipeline.ExceptionImpact(r.Context(), ns, name)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, impact)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tenant")
	ns, _, err := s.resolveNamespace(name)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	if r.URL.Query().Get("failed_only") == "true" {
		failed, err := s.pipeline.FailedRuleStatistics(r.Context(), ns, name)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, failed)
		return
	}
	stats, err := s.pipeline.Statistics(r.Context(), ns, name)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Rule sources ---

func (s *Server) handleCreateRuleSource(w http.ResponseWriter, r *http.Request) {
	var src rules.RuleSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "decode request: %v", err))
		return
	}
	if src.Customer == "" || src.GitURL == "" {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "customer and git_url are required"))
		return
	}
	switch src.Type {
	case rules.SourceGitLab, rules.SourceGitHub, rules.SourceGitHubRelease:
	default:
		writeJSONError(w, apierr.New(apierr.InvalidInput, "unknown source type %q", src.Type))
		return
	}
	created, err := s.catalog.UpsertSource(src)
	if err != nil {
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "register rule source"))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRuleSources(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.ListSources(r.URL.Query().Get("customer"))
	if err != nil {
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "list rule sources"))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRuleSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.catalog.GetSource(r.PathValue("id"))
	if err != nil {
		if rules.IsNotFound(err) {
			writeJSONError(w, apierr.New(apierr.NotFound, "rule source %s not found", r.PathValue("id")))
			return
		}
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "load rule source"))
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleDeleteRuleSource(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteSource(r.PathValue("id")); err != nil {
		if rules.IsNotFound(err) {
			writeJSONError(w, apierr.New(apierr.NotFound, "rule source %s not found", r.PathValue("id")))
			return
		}
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "delete rule source"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncRuleSource(w http.ResponseWriter, r *http.Request) {
	if s.sources == nil {
		writeJSONError(w, apierr.New(apierr.UpstreamUnavailable, "rule source sync is not configured"))
		return
	}
	id := r.PathValue("id")
	if err := s.sources.Sync(r.Context(), id); err != nil {
		if rules.IsNotFound(err) {
			writeJSONError(w, apierr.New(apierr.NotFound, "rule source %s not found", id))
			return
		}
		writeJSONError(w, apierr.Wrap(apierr.UpstreamUnavailable, err, "sync rule source %s", id))
		return
	}
	src, err := s.catalog.GetSource(id)
	if err != nil {
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "load rule source"))
		return
	}
	writeJSON(w, http.StatusOK, src)
}

// --- Resource exceptions ---

func (s *Server) handleCreateException(w http.ResponseWriter, r *http.Request) {
	var e reports.ResourceException
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "decode request: %v", err))
		return
	}
	if e.Customer == "" || e.Tenant == "" {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "customer and tenant are required"))
		return
	}
	created, err := s.exceptions.Create(e)
	if err != nil {
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "create exception"))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.exceptions.List(q.Get("customer"), q.Get("tenant"))
	if err != nil {
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "list exceptions"))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetException(w http.ResponseWriter, r *http.Request) {
	e, err := s.exceptions.Get(r.PathValue("id"))
	if err != nil {
		if reports.IsNotFound(err) {
			writeJSONError(w, apierr.New(apierr.NotFound, "exception %s not found", r.PathValue("id")))
			return
		}
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "load exception"))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdateException(w http.ResponseWriter, r *http.Request) {
	var e reports.ResourceException
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "decode request: %v", err))
		return
	}
	e.ID = r.PathValue("id")
	if err := s.exceptions.Update(e); err != nil {
		if reports.IsNotFound(err) {
			writeJSONError(w, apierr.New(apierr.NotFound, "exception %s not found", e.ID))
			return
		}
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "update exception"))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteException(w http.ResponseWriter, r *http.Request) {
	if err := s.exceptions.Delete(r.PathValue("id")); err != nil {
		if reports.IsNotFound(err) {
			writeJSONError(w, apierr.New(apierr.NotFound, "exception %s not found", r.PathValue("id")))
			return
		}
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "delete exception"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Scheduled jobs ---

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSONError(w, apierr.New(apierr.UpstreamUnavailable, "scheduled triggers are not configured"))
		return
	}
	var req trigger.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "decode request: %v", err))
		return
	}
	job, err := s.scheduler.RegisterJob(r.Context(), req)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.schedules.List(r.URL.Query().Get("customer"))
	if err != nil {
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "list schedules"))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := s.schedules.Get(r.PathValue("id"))
	if err != nil {
		if trigger.IsNotFound(err) {
			writeJSONError(w, apierr.New(apierr.NotFound, "scheduled job %s not found", r.PathValue("id")))
			return
		}
		writeJSONError(w, apierr.Wrap(apierr.Internal, err, "load scheduled job"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSONError(w, apierr.New(apierr.UpstreamUnavailable, "scheduled triggers are not configured"))
		return
	}
	var opts trigger.UpdateOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "decode request: %v", err))
		return
	}
	job, err := s.scheduler.UpdateJob(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSONError(w, apierr.New(apierr.UpstreamUnavailable, "scheduled triggers are not configured"))
		return
	}
	if err := s.scheduler.DeregisterJob(r.Context(), r.PathValue("id")); err != nil {
		writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONError maps the error taxonomy onto the HTTP envelope.
func writeJSONError(w http.ResponseWriter, err error) {
	writeJSON(w, apierr.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  string(apierr.KindOf(err)),
	})
}
