// Package trigger provides the two scan trigger modes: cron-style
// scheduled jobs backed by EventBridge rules, and an event router that
// turns cloud audit events into on-demand batch results.
package trigger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ScheduledJob is one recurring scan trigger.
type ScheduledJob struct {
	ID         string    `json:"id"`
	Customer   string    `json:"customer"`
	Tenant     string    `json:"tenant"`
	Expression string    `json:"expression"`
	Regions    []string  `json:"regions,omitempty"`
	Rulesets   []string  `json:"rulesets,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// SanitizeID normalizes a trigger name into a stable identifier safe for
// external rule names.
func SanitizeID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Store persists scheduled jobs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the scheduled jobs database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open trigger db: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id         TEXT PRIMARY KEY,
		customer   TEXT NOT NULL,
		tenant     TEXT NOT NULL,
		expression TEXT NOT NULL,
		regions    TEXT NOT NULL DEFAULT '[]',
		rulesets   TEXT NOT NULL DEFAULT '[]',
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create scheduled_jobs table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a scheduled job record.
func (s *Store) Create(j ScheduledJob) error {
	regions, _ := json.Marshal(j.Regions)
	rulesets, _ := json.Marshal(j.Rulesets)
	enabled := 0
	if j.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(`INSERT INTO scheduled_jobs (id, customer, tenant, expression, regions, rulesets, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Customer, j.Tenant, j.Expression, string(regions), string(rulesets), enabled,
		j.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert scheduled job: %w", err)
	}
	return nil
}

// Update replaces a scheduled job record.
func (s *Store) Update(j ScheduledJob) error {
	regions, _ := json.Marshal(j.Regions)
	rulesets, _ := json.Marshal(j.Rulesets)
	enabled := 0
	if j.Enabled {
		enabled = 1
	}
	res, err := s.db.Exec(`UPDATE scheduled_jobs SET expression = ?, regions = ?, rulesets = ?, enabled = ?
		WHERE id = ?`, j.Expression, string(regions), string(rulesets), enabled, j.ID)
	if err != nil {
		return fmt.Errorf("update scheduled job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get returns one scheduled job by id.
func (s *Store) Get(id string) (*ScheduledJob, error) {
	return scanScheduledJob(s.db.QueryRow(
		`SELECT id, customer, tenant, expression, regions, rulesets, enabled, created_at
		 FROM scheduled_jobs WHERE id = ?`, id))
}

// List returns a customer's scheduled jobs, or all when customer is empty.
func (s *Store) List(customer string) ([]ScheduledJob, error) {
	stmt := `SELECT id, customer, tenant, expression, regions, rulesets, enabled, created_at FROM scheduled_jobs`
	args := []any{}
	if customer != "" {
		stmt += ` WHERE customer = ?`
		args = append(args, customer)
	}
	stmt += ` ORDER BY id`

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ScheduledJob, 0)
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Delete removes a scheduled job record.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScheduledJob(sc scanner) (*ScheduledJob, error) {
	var (
		j                 ScheduledJob
		regions, rulesets string
		enabled           int
		createdAt         string
	)
	if err := sc.Scan(&j.ID, &j.Customer, &j.Tenant, &j.Expression, &regions, &rulesets, &enabled, &createdAt); err != nil {
		return nil, err
	}
	j.Enabled = enabled == 1
	_ = json.Unmarshal([]byte(regions), &j.Regions)
	_ = json.Unmarshal([]byte(rulesets), &j.Rulesets)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &j, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
