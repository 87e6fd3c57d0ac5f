package reports

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ExceptionStore persists resource exceptions in SQLite.
type ExceptionStore struct {
	db *sql.DB
}

// NewExceptionStore opens (or creates) the exceptions database.
func NewExceptionStore(dbPath string) (*ExceptionStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open exceptions db: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS resource_exceptions (
		id            TEXT PRIMARY KEY,
		customer      TEXT NOT NULL,
		tenant        TEXT NOT NULL,
		resource_id   TEXT NOT NULL DEFAULT '',
		location      TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT '',
		arn           TEXT NOT NULL DEFAULT '',
		tag_filters   TEXT NOT NULL DEFAULT '[]',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		expires_at    TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create exceptions table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_exceptions_tenant ON resource_exceptions(customer, tenant)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_exceptions_expiry ON resource_exceptions(expires_at)`)

	return &ExceptionStore{db: db}, nil
}

// Close closes the underlying database.
func (s *ExceptionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts an exception, assigning an id when absent.
func (s *ExceptionStore) Create(e ResourceException) (*ResourceException, error) {
	if strings.TrimSpace(e.Customer) == "" || strings.TrimSpace(e.Tenant) == "" {
		return nil, fmt.Errorf("exception needs customer and tenant")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	filters, _ := json.Marshal(e.TagFilters)
	expires := ""
	if !e.ExpiresAt.IsZero() {
		expires = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(`INSERT INTO resource_exceptions
		(id, customer, tenant, resource_id, location, resource_type, arn, tag_filters, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Customer, e.Tenant, e.ResourceID, e.Location, e.ResourceType, e.ARN,
		string(filters),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		expires,
	)
	if err != nil {
		return nil, fmt.Errorf("insert exception: %w", err)
	}
	out := e
	return &out, nil
}

// Get returns one exception by id.
func (s *ExceptionStore) Get(id string) (*ResourceException, error) {
	row := s.db.QueryRow(exceptionSelect+` WHERE id = ?`, id)
	return scanException(row)
}

// Update rewrites an exception's filter fields and expiry.
func (s *ExceptionStore) Update(e ResourceException) error {
	filters, _ := json.Marshal(e.TagFilters)
	expires := ""
	if !e.ExpiresAt.IsZero() {
		expires = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.Exec(`UPDATE resource_exceptions SET
			resource_id = ?, location = ?, resource_type = ?, arn = ?,
			tag_filters = ?, updated_at = ?, expires_at = ?
		WHERE id = ?`,
		e.ResourceID, e.Location, e.ResourceType, e.ARN, string(filters),
		time.Now().UTC().Format(time.RFC3339Nano), expires, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update exception: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes one exception.
func (s *ExceptionStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM resource_exceptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete exception: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// List returns the tenant's exceptions, pruning expired rows on the way.
func (s *ExceptionStore) List(customer, tenant string) ([]ResourceException, error) {
	s.pruneExpired()

	rows, err := s.db.Query(exceptionSelect+` WHERE customer = ? AND tenant = ? ORDER BY created_at`, customer, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ResourceException, 0)
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// pruneExpired drops lapsed exceptions. Best effort.
func (s *ExceptionStore) pruneExpired() {
	_, _ = s.db.Exec(`DELETE FROM resource_exceptions WHERE expires_at != '' AND expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
}

const exceptionSelect = `SELECT id, customer, tenant, resource_id, location, resource_type, arn, tag_filters, created_at, updated_at, expires_at
	FROM resource_exceptions`

type exceptionScanner interface {
	Scan(dest ...any) error
}

func scanException(sc exceptionScanner) (*ResourceException, error) {
	var (
		e         ResourceException
		filters   string
		createdAt string
		updatedAt string
		expiresAt string
	)
	if err := sc.Scan(&e.ID, &e.Customer, &e.Tenant, &e.ResourceID, &e.Location,
		&e.ResourceType, &e.ARN, &filters, &createdAt, &updatedAt, &expiresAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(filters), &e.TagFilters)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if expiresAt != "" {
		e.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	}
	return &e, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
