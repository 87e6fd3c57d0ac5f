package orchestrator

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentra-scan/sentra/internal/cloud"
)

// Store persists jobs and batch results in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the orchestrator database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open orchestrator db: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id                  TEXT PRIMARY KEY,
		tenant              TEXT NOT NULL,
		customer            TEXT NOT NULL,
		owner               TEXT NOT NULL DEFAULT '',
		submitted_at        TEXT NOT NULL,
		created_at          TEXT NOT NULL DEFAULT '',
		started_at          TEXT NOT NULL DEFAULT '',
		stopped_at          TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		status_rank         INTEGER NOT NULL,
		scan_type           TEXT NOT NULL,
		requested_rulesets  TEXT NOT NULL DEFAULT '[]',
		licensed_rulesets   TEXT NOT NULL DEFAULT '[]',
		regions             TEXT NOT NULL DEFAULT '[]',
		license_keys        TEXT NOT NULL DEFAULT '[]',
		scheduled_rule_name TEXT NOT NULL DEFAULT '',
		native_job_id       TEXT NOT NULL DEFAULT '',
		job_queue           TEXT NOT NULL DEFAULT '',
		job_definition      TEXT NOT NULL DEFAULT '',
		credentials_key     TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS batch_results (
		id                 TEXT PRIMARY KEY,
		tenant             TEXT NOT NULL,
		customer           TEXT NOT NULL,
		cloud              TEXT NOT NULL,
		region             TEXT NOT NULL,
		event_hash         TEXT NOT NULL,
		registration_start TEXT NOT NULL,
		registration_end   TEXT NOT NULL DEFAULT '',
		submitted_at       TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		status_rank        INTEGER NOT NULL,
		region_rules       TEXT NOT NULL DEFAULT '{}',
		UNIQUE(tenant, region, event_hash)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create batch_results table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_native ON jobs(native_job_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobSelect = `SELECT id, tenant, customer, owner, submitted_at, created_at, started_at,
	stopped_at, status, scan_type, requested_rulesets, licensed_rulesets, regions,
	license_keys, scheduled_rule_name, native_job_id, job_queue, job_definition,
	credentials_key FROM jobs`

// CreateJob inserts a job record.
func (s *Store) CreateJob(j Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Status == "" {
		j.Status = cloud.JobSubmitted
	}
	requested, _ := json.Marshal(j.RequestedRulesets)
	licensed, _ := json.Marshal(j.LicensedRulesets)
	regions, _ := json.Marshal(j.Regions)
	keys, _ := json.Marshal(j.LicenseKeys)

	_, err := s.db.Exec(`INSERT INTO jobs (id, tenant, customer, owner, submitted_at,
		created_at, started_at, stopped_at, status, status_rank, scan_type,
		requested_rulesets, licensed_rulesets, regions, license_keys,
		scheduled_rule_name, native_job_id, job_queue, job_definition, credentials_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Tenant, j.Customer, j.Owner,
		encodeTime(j.SubmittedAt), encodeTime(j.CreatedAt), encodeTime(j.StartedAt), encodeTime(j.StoppedAt),
		string(j.Status), j.Status.Rank(), string(j.ScanType),
		string(requested), string(licensed), string(regions), string(keys),
		j.ScheduledRuleName, j.NativeJobID, j.JobQueue, j.JobDefinition, j.CredentialsKey,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	return scanJob(s.db.QueryRow(jobSelect+` WHERE id = ?`, id))
}

// GetJobByNativeID resolves a job from the compute backend's job id.
func (s *Store) GetJobByNativeID(nativeID string) (*Job, error) {
	return scanJob(s.db.QueryRow(jobSelect+` WHERE native_job_id = ?`, nativeID))
}

// ListJobs returns a tenant's jobs, newest first.
func (s *Store) ListJobs(tenant string) ([]Job, error) {
	rows, err := s.db.Query(jobSelect+` WHERE tenant = ? ORDER BY submitted_at DESC`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// SetNativeJobID records the compute backend id after dispatch.
func (s *Store) SetNativeJobID(id, nativeID string) error {
	res, err := s.db.Exec(`UPDATE jobs SET native_job_id = ? WHERE id = ?`, nativeID, id)
	if err != nil {
		return fmt.Errorf("set native job id: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetJobStatus advances the job's status. The update is a compare-and-set
// on status rank: a report older than the persisted state is ignored, not
// an error. Returns whether the status actually changed.
func (s *Store) SetJobStatus(id string, status cloud.JobStatus) (bool, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, status_rank = ?
		WHERE id = ? AND status_rank < ?`,
		string(status), status.Rank(), id, status.Rank())
	if err != nil {
		return false, fmt.Errorf("set job status: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// FillJobFields sets lifecycle fields that are empty, leaving populated
// ones untouched. Worker status reports may arrive out of order; the first
// value wins.
func (s *Store) FillJobFields(id string, fields JobFields) error {
	regions, _ := json.Marshal(fields.Regions)
	rulesets, _ := json.Marshal(fields.Rulesets)

	_, err := s.db.Exec(`UPDATE jobs SET
		created_at     = CASE WHEN created_at = ''  THEN ? ELSE created_at END,
		started_at     = CASE WHEN started_at = ''  THEN ? ELSE started_at END,
		stopped_at     = CASE WHEN stopped_at = ''  THEN ? ELSE stopped_at END,
		job_queue      = CASE WHEN job_queue = ''   THEN ? ELSE job_queue END,
		job_definition = CASE WHEN job_definition = '' THEN ? ELSE job_definition END,
		regions        = CASE WHEN regions = '[]'   THEN ? ELSE regions END,
		licensed_rulesets = CASE WHEN licensed_rulesets = '[]' THEN ? ELSE licensed_rulesets END
		WHERE id = ?`,
		encodeTime(fields.CreatedAt), encodeTime(fields.StartedAt), encodeTime(fields.StoppedAt),
		fields.JobQueue, fields.JobDefinition, string(regions), string(rulesets), id,
	)
	if err != nil {
		return fmt.Errorf("fill job fields: %w", err)
	}
	return nil
}

// JobFields is the set of lifecycle fields a worker report may carry.
type JobFields struct {
	CreatedAt     time.Time
	StartedAt     time.Time
	StoppedAt     time.Time
	JobQueue      string
	JobDefinition string
	Regions       []string
	Rulesets      []string
}

// CreateBatchResult inserts a batch result. Creation is idempotent on
// (tenant, region, event hash): re-creating an existing group returns the
// persisted record instead.
func (s *Store) CreateBatchResult(br BatchResult) (*BatchResult, error) {
	if br.ID == "" {
		return nil, fmt.Errorf("batch result id is required")
	}
	if br.Status == "" {
		br.Status = cloud.JobSubmitted
	}
	rules, _ := json.Marshal(br.RegionRules)

	_, err := s.db.Exec(`INSERT INTO batch_results (id, tenant, customer, cloud, region,
		event_hash, registration_start, registration_end, submitted_at, status, status_rank, region_rules)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, region, event_hash) DO NOTHING`,
		br.ID, br.Tenant, br.Customer, string(br.Cloud), br.Region, br.EventHash,
		encodeTime(br.RegistrationStart), encodeTime(br.RegistrationEnd), encodeTime(br.SubmittedAt),
		string(br.Status), br.Status.Rank(), string(rules),
	)
	if err != nil {
		return nil, fmt.Errorf("insert batch result: %w", err)
	}
	return s.findBatchResult(br.Tenant, br.Region, br.EventHash)
}

const batchResultSelect = `SELECT id, tenant, customer, cloud, region, event_hash,
	registration_start, registration_end, submitted_at, status, region_rules FROM batch_results`

// GetBatchResult returns one batch result by id.
func (s *Store) GetBatchResult(id string) (*BatchResult, error) {
	return scanBatchResult(s.db.QueryRow(batchResultSelect+` WHERE id = ?`, id))
}

func (s *Store) findBatchResult(tenant, region, eventHash string) (*BatchResult, error) {
	return scanBatchResult(s.db.QueryRow(
		batchResultSelect+` WHERE tenant = ? AND region = ? AND event_hash = ?`,
		tenant, region, eventHash))
}

// SetBatchResultStatus advances a batch result's status with the same
// rank compare-and-set as jobs.
func (s *Store) SetBatchResultStatus(id string, status cloud.JobStatus) (bool, error) {
	res, err := s.db.Exec(`UPDATE batch_results SET status = ?, status_rank = ?
		WHERE id = ? AND status_rank < ?`,
		string(status), status.Rank(), id, status.Rank())
	if err != nil {
		return false, fmt.Errorf("set batch result status: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var (
		j                                    Job
		submitted, created, started, stopped string
		status, scanType                     string
		requested, licensed, regions, keys   string
	)
	if err := sc.Scan(&j.ID, &j.Tenant, &j.Customer, &j.Owner, &submitted, &created,
		&started, &stopped, &status, &scanType, &requested, &licensed, &regions,
		&keys, &j.ScheduledRuleName, &j.NativeJobID, &j.JobQueue, &j.JobDefinition,
		&j.CredentialsKey); err != nil {
		return nil, err
	}
	j.SubmittedAt = decodeTime(submitted)
	j.CreatedAt = decodeTime(created)
	j.StartedAt = decodeTime(started)
	j.StoppedAt = decodeTime(stopped)
	j.Status = cloud.JobStatus(status)
	j.ScanType = cloud.ScanType(scanType)
	_ = json.Unmarshal([]byte(requested), &j.RequestedRulesets)
	_ = json.Unmarshal([]byte(licensed), &j.LicensedRulesets)
	_ = json.Unmarshal([]byte(regions), &j.Regions)
	_ = json.Unmarshal([]byte(keys), &j.LicenseKeys)
	return &j, nil
}

func scanBatchResult(sc scanner) (*BatchResult, error) {
	var (
		br                          BatchResult
		cloudName, status           string
		regStart, regEnd, submitted string
		rules                       string
	)
	if err := sc.Scan(&br.ID, &br.Tenant, &br.Customer, &cloudName, &br.Region,
		&br.EventHash, &regStart, &regEnd, &submitted, &status, &rules); err != nil {
		return nil, err
	}
	br.Cloud = cloud.Cloud(cloudName)
	br.Status = cloud.JobStatus(status)
	br.RegistrationStart = decodeTime(regStart)
	br.RegistrationEnd = decodeTime(regEnd)
	br.SubmittedAt = decodeTime(submitted)
	_ = json.Unmarshal([]byte(rules), &br.RegionRules)
	return &br, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
