package license

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists synced licenses in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the licenses database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open licenses db: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS licenses (
		license_key    TEXT PRIMARY KEY,
		application_id TEXT NOT NULL DEFAULT '',
		scope          TEXT NOT NULL DEFAULT 'ALL',
		expiration     TEXT NOT NULL,
		synced_at      TEXT NOT NULL,
		body           TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create licenses table: %w", err)
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

// Put inserts or replaces a license record.
func (s *Store) Put(l License) error {
	if strings.TrimSpace(l.Key) == "" {
		return fmt.Errorf("license key is required")
	}
	if l.SyncedAt.IsZero() {
		l.SyncedAt = time.Now().UTC()
	}
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode license: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO licenses (license_key, application_id, scope, expiration, synced_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(license_key) DO UPDATE SET
			application_id = excluded.application_id,
			scope = excluded.scope,
			expiration = excluded.expiration,
			synced_at = excluded.synced_at,
			body = excluded.body`,
		l.Key, l.ApplicationID, string(l.Scope),
		l.Expiration.UTC().Format(time.RFC3339Nano),
		l.SyncedAt.UTC().Format(time.RFC3339Nano),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("upsert license: %w", err)
	}
	return nil
}

// Get returns one license by key.
func (s *Store) Get(key string) (*License, error) {
	var body string
	if err := s.db.QueryRow(`SELECT body FROM licenses WHERE license_key = ?`, key).Scan(&body); err != nil {
		return nil, err
	}
	var l License
	if err := json.Unmarshal([]byte(body), &l); err != nil {
		return nil, fmt.Errorf("decode license %s: %w", key, err)
	}
	return &l, nil
}

// List returns every stored license.
func (s *Store) List() ([]License, error) {
	rows, err := s.db.Query(`SELECT body FROM licenses ORDER BY license_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]License, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			continue
		}
		var l License
		if json.Unmarshal([]byte(body), &l) == nil {
			out = append(out, l)
		}
	}
	return out, rows.Err()
}

// Delete removes one license.
func (s *Store) Delete(key string) error {
	res, err := s.db.Exec(`DELETE FROM licenses WHERE license_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SelectForTenant picks the license admitting a customer's tenant.
// Candidates are walked narrowest scope first, deduplicated by application
// id; the first non-expired license whose customer scope permits the
// tenant wins.
func (s *Store) SelectForTenant(customer, tenant string, now time.Time) (*License, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		return scopeOrder[all[i].Scope] < scopeOrder[all[j].Scope]
	})

	seenApps := make(map[string]bool)
	for _, l := range all {
		if l.ApplicationID != "" {
			if seenApps[l.ApplicationID] {
				continue
			}
			seenApps[l.ApplicationID] = true
		}
		if l.Expired(now) {
			continue
		}
		if l.Permits(customer, tenant) {
			out := l
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
