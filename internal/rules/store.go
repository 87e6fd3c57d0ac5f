package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentra-scan/sentra/internal/cloud"
)

// Store persists rules, rule sources and rulesets in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the rule catalog database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open rules db: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS rule_sources (
			id          TEXT PRIMARY KEY,
			customer    TEXT NOT NULL,
			git_url     TEXT NOT NULL,
			project_id  TEXT NOT NULL DEFAULT '',
			ref         TEXT NOT NULL DEFAULT '',
			path_prefix TEXT NOT NULL DEFAULT '',
			type        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			secret_name TEXT NOT NULL DEFAULT '',
			latest_sync TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			name            TEXT NOT NULL,
			source_id       TEXT NOT NULL,
			cloud           TEXT NOT NULL,
			resource_type   TEXT NOT NULL DEFAULT '',
			severity        TEXT NOT NULL DEFAULT 'UNKNOWN',
			description     TEXT NOT NULL DEFAULT '',
			remediation     TEXT NOT NULL DEFAULT '',
			impact          TEXT NOT NULL DEFAULT '',
			standards       TEXT NOT NULL DEFAULT '{}',
			mitre_attacks   TEXT NOT NULL DEFAULT '{}',
			article         TEXT NOT NULL DEFAULT '',
			service_section TEXT NOT NULL DEFAULT '',
			commit_hash     TEXT NOT NULL DEFAULT '',
			path            TEXT NOT NULL DEFAULT '',
			updated_at      TEXT NOT NULL,
			PRIMARY KEY (name, source_id),
			FOREIGN KEY(source_id) REFERENCES rule_sources(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS rulesets (
			customer     TEXT NOT NULL,
			name         TEXT NOT NULL,
			version      TEXT NOT NULL,
			cloud        TEXT NOT NULL,
			rules        TEXT NOT NULL DEFAULT '[]',
			licensed     INTEGER NOT NULL DEFAULT 0,
			license_keys TEXT NOT NULL DEFAULT '[]',
			bucket       TEXT NOT NULL DEFAULT '',
			key          TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (customer, name, version)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create rules schema: %w", err)
		}
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rules_source ON rules(source_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rulesets_customer ON rulesets(customer)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertSource inserts or replaces a rule source. The id is derived when
// empty so re-registering the same coordinates is idempotent.
func (s *Store) UpsertSource(src RuleSource) (*RuleSource, error) {
	if strings.TrimSpace(src.Customer) == "" || strings.TrimSpace(src.GitURL) == "" {
		return nil, fmt.Errorf("rule source needs customer and git url")
	}
	if src.ID == "" {
		src.ID = DeriveSourceID(src.Customer, src.GitURL, src.ProjectID, src.Ref, src.PathPrefix)
	}
	latest, _ := json.Marshal(src.LatestSync)
	_, err := s.db.Exec(`INSERT INTO rule_sources
		(id, customer, git_url, project_id, ref, path_prefix, type, description, secret_name, latest_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			secret_name = excluded.secret_name,
			latest_sync = excluded.latest_sync`,
		src.ID, src.Customer, src.GitURL, src.ProjectID, src.Ref, src.PathPrefix,
		string(src.Type), src.Description, src.SecretName, string(latest),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert rule source: %w", err)
	}
	out := src
	return &out, nil
}

// GetSource returns one rule source by id.
func (s *Store) GetSource(id string) (*RuleSource, error) {
	row := s.db.QueryRow(`SELECT id, customer, git_url, project_id, ref, path_prefix, type, description, secret_name, latest_sync
		FROM rule_sources WHERE id = ?`, id)
	return scanSource(row)
}

// ListSources returns the rule sources of one customer, or all when
// customer is empty.
func (s *Store) ListSources(customer string) ([]RuleSource, error) {
	stmt := `SELECT id, customer, git_url, project_id, ref, path_prefix, type, description, secret_name, latest_sync FROM rule_sources`
	args := []any{}
	if customer != "" {
		stmt += ` WHERE customer = ?`
		args = append(args, customer)
	}
	stmt += ` ORDER BY git_url`

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RuleSource, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			continue
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

// SetSourceSync records the outcome of a sync attempt.
func (s *Store) SetSourceSync(id string, sync LatestSync) error {
	encoded, _ := json.Marshal(sync)
	res, err := s.db.Exec(`UPDATE rule_sources SET latest_sync = ? WHERE id = ?`, string(encoded), id)
	if err != nil {
		return fmt.Errorf("set source sync: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteSource removes a source and, via the foreign key, its rules.
func (s *Store) DeleteSource(id string) error {
	res, err := s.db.Exec(`DELETE FROM rule_sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule source: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpsertRules inserts or replaces rules in one transaction.
func (s *Store) UpsertRules(items []Rule) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO rules
		(name, source_id, cloud, resource_type, severity, description, remediation, impact,
		 standards, mitre_attacks, article, service_section, commit_hash, path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, source_id) DO UPDATE SET
			cloud = excluded.cloud,
			resource_type = excluded.resource_type,
			severity = excluded.severity,
			description = excluded.description,
			remediation = excluded.remediation,
			impact = excluded.impact,
			standards = excluded.standards,
			mitre_attacks = excluded.mitre_attacks,
			article = excluded.article,
			service_section = excluded.service_section,
			commit_hash = excluded.commit_hash,
			path = excluded.path,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range items {
		if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.SourceID) == "" {
			return fmt.Errorf("rule needs name and source id")
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
		standards, _ := json.Marshal(r.Standards)
		mitre, _ := json.Marshal(r.MitreAttacks)
		if _, err := stmt.Exec(
			r.Name, r.SourceID, string(r.Cloud), r.ResourceType, string(r.Severity),
			r.Description, r.Remediation, r.Impact, string(standards), string(mitre),
			r.Article, r.ServiceSection, r.CommitHash, r.Path,
			r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("upsert rule %s: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

// GetRule returns one rule by name within a source.
func (s *Store) GetRule(sourceID, name string) (*Rule, error) {
	row := s.db.QueryRow(ruleSelect+` WHERE source_id = ? AND name = ?`, sourceID, name)
	return scanRule(row)
}

// ListRulesBySource returns the rules of one source ordered by name.
func (s *Store) ListRulesBySource(sourceID string) ([]Rule, error) {
	rows, err := s.db.Query(ruleSelect+` WHERE source_id = ? ORDER BY name`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteRulesByNames removes the named rules from a source. Rules absent
// from the catalog are skipped silently.
func (s *Store) DeleteRulesByNames(sourceID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, name := range names {
		if _, err := tx.Exec(`DELETE FROM rules WHERE source_id = ? AND name = ?`, sourceID, name); err != nil {
			return fmt.Errorf("delete rule %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// PutRuleset inserts or replaces a ruleset.
func (s *Store) PutRuleset(r Ruleset) error {
	if err := r.Validate(); err != nil {
		return err
	}
	ruleNames, _ := json.Marshal(r.Rules)
	keys, _ := json.Marshal(r.LicenseKeys)
	licensed := 0
	if r.Licensed {
		licensed = 1
	}
	_, err := s.db.Exec(`INSERT INTO rulesets
		(customer, name, version, cloud, rules, licensed, license_keys, bucket, key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer, name, version) DO UPDATE SET
			cloud = excluded.cloud,
			rules = excluded.rules,
			licensed = excluded.licensed,
			license_keys = excluded.license_keys,
			bucket = excluded.bucket,
			key = excluded.key`,
		r.Customer, r.Name, r.Version, string(r.Cloud), string(ruleNames),
		licensed, string(keys), r.Bucket, r.Key,
	)
	if err != nil {
		return fmt.Errorf("put ruleset: %w", err)
	}
	return nil
}

// GetRuleset returns one ruleset by its identity triple.
func (s *Store) GetRuleset(customer, name, version string) (*Ruleset, error) {
	row := s.db.QueryRow(`SELECT customer, name, version, cloud, rules, licensed, license_keys, bucket, key
		FROM rulesets WHERE customer = ? AND name = ? AND version = ?`, customer, name, version)
	return scanRuleset(row)
}

// ListRulesets returns the rulesets of one customer, or all when customer
// is empty.
func (s *Store) ListRulesets(customer string) ([]Ruleset, error) {
	stmt := `SELECT customer, name, version, cloud, rules, licensed, license_keys, bucket, key FROM rulesets`
	args := []any{}
	if customer != "" {
		stmt += ` WHERE customer = ?`
		args = append(args, customer)
	}
	stmt += ` ORDER BY name, version`

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Ruleset, 0)
	for rows.Next() {
		r, err := scanRuleset(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RulesetsByLicense returns the customer's rulesets referencing a license
// key. Used when a license removal cascades.
func (s *Store) RulesetsByLicense(customer, licenseKey string) ([]Ruleset, error) {
	all, err := s.ListRulesets(customer)
	if err != nil {
		return nil, err
	}
	out := make([]Ruleset, 0)
	for _, r := range all {
		for _, key := range r.LicenseKeys {
			if key == licenseKey {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// DeleteRuleset removes one ruleset version.
func (s *Store) DeleteRuleset(customer, name, version string) error {
	res, err := s.db.Exec(`DELETE FROM rulesets WHERE customer = ? AND name = ? AND version = ?`,
		customer, name, version)
	if err != nil {
		return fmt.Errorf("delete ruleset: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const ruleSelect = `SELECT name, source_id, cloud, resource_type, severity, description, remediation, impact,
	standards, mitre_attacks, article, service_section, commit_hash, path, updated_at FROM rules`

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(sc scanner) (*Rule, error) {
	var (
		r          Rule
		cloudName  string
		severity   string
		standards  string
		mitre      string
		updatedAt  string
	)
	if err := sc.Scan(&r.Name, &r.SourceID, &cloudName, &r.ResourceType, &severity,
		&r.Description, &r.Remediation, &r.Impact, &standards, &mitre,
		&r.Article, &r.ServiceSection, &r.CommitHash, &r.Path, &updatedAt); err != nil {
		return nil, err
	}
	r.Cloud = cloud.Cloud(cloudName)
	r.Severity = cloud.Severity(severity)
	_ = json.Unmarshal([]byte(standards), &r.Standards)
	_ = json.Unmarshal([]byte(mitre), &r.MitreAttacks)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

func scanSource(sc scanner) (*RuleSource, error) {
	var (
		src      RuleSource
		srcType  string
		latest   string
	)
	if err := sc.Scan(&src.ID, &src.Customer, &src.GitURL, &src.ProjectID, &src.Ref,
		&src.PathPrefix, &srcType, &src.Description, &src.SecretName, &latest); err != nil {
		return nil, err
	}
	src.Type = SourceType(srcType)
	_ = json.Unmarshal([]byte(latest), &src.LatestSync)
	return &src, nil
}

func scanRuleset(sc scanner) (*Ruleset, error) {
	var (
		r         Ruleset
		cloudName string
		ruleNames string
		licensed  int
		keys      string
	)
	if err := sc.Scan(&r.Customer, &r.Name, &r.Version, &cloudName, &ruleNames,
		&licensed, &keys, &r.Bucket, &r.Key); err != nil {
		return nil, err
	}
	r.Cloud = cloud.Cloud(cloudName)
	r.Licensed = licensed == 1
	_ = json.Unmarshal([]byte(ruleNames), &r.Rules)
	_ = json.Unmarshal([]byte(keys), &r.LicenseKeys)
	return &r, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
