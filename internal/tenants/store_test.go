package tenants

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sentra-scan/sentra/internal/cloud"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "tenants.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedTenant(t *testing.T, store *Store) *Tenant {
	t.Helper()
	if err := store.CreateCustomer(Customer{Name: "acme", Admins: []string{"admin@acme.io"}}); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	tenant, err := store.CreateTenant(Tenant{
		Name:      "acme-prod",
		Customer:  "acme",
		Cloud:     cloud.AWS,
		AccountID: "123456789012",
		Regions:   []string{"us-east-1", "eu-west-1"},
		Active:    true,
	})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return tenant
}

func TestStoreCreateGetTenant(t *testing.T) {
	store := newTestStore(t)
	created := seedTenant(t, store)

	got, err := store.GetTenant(created.Name)
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if got.Customer != "acme" || got.Cloud != cloud.AWS || got.AccountID != "123456789012" {
		t.Fatalf("unexpected tenant: %#v", got)
	}
	if len(got.Regions) != 2 {
		t.Fatalf("expected 2 regions, got %v", got.Regions)
	}
	if !got.ActivatedAt.IsZero() {
		t.Fatal("activation timestamp must stay empty until a license covers the tenant")
	}
}

func TestSetActivatedAt(t *testing.T) {
	store := newTestStore(t)
	created := seedTenant(t, store)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.SetActivatedAt(created.Name, at); err != nil {
		t.Fatalf("set activated at: %v", err)
	}
	got, err := store.GetTenant(created.Name)
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if !got.ActivatedAt.Equal(at) {
		t.Fatalf("activation timestamp not persisted: %v", got.ActivatedAt)
	}

	if err := store.SetActivatedAt("ghost", at); !IsNotFound(err) {
		t.Fatalf("expected not-found for unknown tenant, got %v", err)
	}
}

func TestFindTenantByAccount(t *testing.T) {
	store := newTestStore(t)
	seedTenant(t, store)

	got, err := store.FindTenantByAccount(cloud.AWS, "123456789012")
	if err != nil {
		t.Fatalf("find by account: %v", err)
	}
	if got.Name != "acme-prod" {
		t.Fatalf("unexpected tenant: %q", got.Name)
	}

	_, err = store.FindTenantByAccount(cloud.AWS, "000000000000")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestMutableFieldsOnly(t *testing.T) {
	store := newTestStore(t)
	created := seedTenant(t, store)

	if err := store.SetRegions(created.Name, []string{"ap-south-1"}); err != nil {
		t.Fatalf("set regions: %v", err)
	}
	if err := store.SetActive(created.Name, false); err != nil {
		t.Fatalf("set active: %v", err)
	}

	got, err := store.GetTenant(created.Name)
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if got.Active {
		t.Fatal("expected inactive tenant")
	}
	if len(got.Regions) != 1 || got.Regions[0] != "ap-south-1" {
		t.Fatalf("unexpected regions: %v", got.Regions)
	}

	if err := store.SetActive("missing", true); !IsNotFound(err) {
		t.Fatalf("expected not-found for missing tenant, got %v", err)
	}
}

func TestCreateTenantValidation(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateTenant(Tenant{Name: "x", Customer: "c", AccountID: "1", Cloud: "NOPE"})
	if err == nil {
		t.Fatal("expected invalid cloud error")
	}
	_, err = store.CreateTenant(Tenant{Customer: "c", AccountID: "1", Cloud: cloud.AWS})
	if err == nil {
		t.Fatal("expected missing name error")
	}
}
