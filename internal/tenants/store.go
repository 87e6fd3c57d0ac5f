package tenants

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

// Store persists customers and tenants in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the tenants database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tenants db: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS customers (
		name   TEXT PRIMARY KEY,
		admins TEXT NOT NULL DEFAULT '[]'
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create customers table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tenants (
		name         TEXT PRIMARY KEY,
		customer     TEXT NOT NULL,
		cloud        TEXT NOT NULL,
		account_id   TEXT NOT NULL,
		regions      TEXT NOT NULL DEFAULT '[]',
		active       INTEGER NOT NULL DEFAULT 1,
		activated_at TEXT NOT NULL,
		FOREIGN KEY(customer) REFERENCES customers(name)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tenants table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_tenants_customer ON tenants(customer)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_tenants_account ON tenants(cloud, account_id)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateCustomer inserts a customer.
func (s *Store) CreateCustomer(c Customer) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("customer name is required")
	}
	admins, _ := json.Marshal(c.Admins)
	if _, err := s.db.Exec(`INSERT INTO customers (name, admins) VALUES (?, ?)`, c.Name, string(admins)); err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

// GetCustomer returns one customer by name.
func (s *Store) GetCustomer(name string) (*Customer, error) {
	var c Customer
	var admins string
	err := s.db.QueryRow(`SELECT name, admins FROM customers WHERE name = ?`, name).Scan(&c.Name, &admins)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(admins), &c.Admins)
	return &c, nil
}

// CreateTenant inserts a tenant. The tenant is immutable after creation
// except for regions and the active flag.
func (s *Store) CreateTenant(t Tenant) (*Tenant, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("tenant name is required")
	}
	if strings.TrimSpace(t.Customer) == "" {
		return nil, fmt.Errorf("customer is required")
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if _, err := cloud.ParseCloud(string(t.Cloud)); err != nil {
		return nil, err
	}
	// ActivatedAt stays zero until the first license covers the tenant;
	// the license synchronizer fills it in.
	regions, _ := json.Marshal(t.Regions)
	active := 0
	if t.Active {
		active = 1
	}
	_, err := s.db.Exec(`INSERT INTO tenants (name, customer, cloud, account_id, regions, active, activated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Customer, string(t.Cloud), t.AccountID, string(regions), active,
		t.ActivatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert tenant: %w", err)
	}
	out := t
	return &out, nil
}

// GetTenant returns one tenant by name.
func (s *Store) GetTenant(name string) (*Tenant, error) {
	row := s.db.QueryRow(`SELECT name, customer, cloud, account_id, regions, active, activated_at
		FROM tenants WHERE name = ?`, name)
	return scanTenant(row)
}

// FindTenantByAccount resolves a tenant from its native cloud account id.
func (s *Store) FindTenantByAccount(c cloud.Cloud, accountID string) (*Tenant, error) {
	row := s.db.QueryRow(`SELECT name, customer, cloud, account_id, regions, active, activated_at
		FROM tenants WHERE cloud = ? AND account_id = ?`, string(c), accountID)
	return scanTenant(row)
}

// ListTenants returns the tenants of one customer, or all when customer is
// empty.
func (s *Store) ListTenants(customer string) ([]Tenant, error) {
	stmt := `SELECT name, customer, cloud, account_id, regions, active, activated_at FROM tenants`
	args := []any{}
	if customer != "" {
		stmt += ` WHERE customer = ?`
		args = append(args, customer)
	}
	stmt += ` ORDER BY name`

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Tenant, 0)
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetRegions replaces the tenant's active-region set.
func (s *Store) SetRegions(name string, regions []string) error {
	encoded, _ := json.Marshal(regions)
	res, err := s.db.Exec(`UPDATE tenants SET regions = ? WHERE name = ?`, string(encoded), name)
	if err != nil {
		return fmt.Errorf("set regions: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetActive flips the tenant's active flag.
func (s *Store) SetActive(name string, active bool) error {
	activeInt := 0
	if active {
		activeInt = 1
	}
	res, err := s.db.Exec(`UPDATE tenants SET active = ? WHERE name = ?`, activeInt, name)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetActivatedAt records when the tenant first went live under a license.
func (s *Store) SetActivatedAt(name string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE tenants SET activated_at = ? WHERE name = ?`,
		at.UTC().Format(time.RFC3339Nano), name)
	if err != nil {
		return fmt.Errorf("set activated at: %w", err)
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

func scanTenant(sc scanner) (*Tenant, error) {
	var (
		t           Tenant
		cloudName   string
		regions     string
		active      int
		activatedAt string
	)
	if err := sc.Scan(&t.Name, &t.Customer, &cloudName, &t.AccountID, &regions, &active, &activatedAt); err != nil {
		return nil, err
	}
	t.Cloud = cloud.Cloud(cloudName)
	t.Active = active == 1
	_ = json.Unmarshal([]byte(regions), &t.Regions)
	t.ActivatedAt, _ = time.Parse(time.RFC3339Nano, activatedAt)
	return &t, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
