package trigger

import (
	"testing"

	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/orchestrator"
	"github.com/sentra-scan/sentra/internal/tenants"
)

type stubRegistrar struct {
	registered []orchestrator.BatchResult
	seen       map[string]*orchestrator.BatchResult
}

func newStubRegistrar() *stubRegistrar {
	return &stubRegistrar{seen: map[string]*orchestrator.BatchResult{}}
}

func (s *stubRegistrar) RegisterBatchResult(br orchestrator.BatchResult) (*orchestrator.BatchResult, error) {
	key := br.Tenant + "|" + br.Region + "|" + br.EventHash
	if existing, ok := s.seen[key]; ok {
		return existing, nil
	}
	s.registered = append(s.registered, br)
	stored := br
	s.seen[key] = &stored
	return &stored, nil
}

type stubResolver struct {
	byAccount map[string]*tenants.Tenant
	byName    map[string]*tenants.Tenant
}

func (s *stubResolver) FindTenantByAccount(c cloud.Cloud, accountID string) (*tenants.Tenant, error) {
	if t, ok := s.byAccount[string(c)+"|"+accountID]; ok {
		return t, nil
	}
	return nil, errNotFound
}

func (s *stubResolver) GetTenant(name string) (*tenants.Tenant, error) {
	if t, ok := s.byName[name]; ok {
		return t, nil
	}
	return nil, errNotFound
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

func newTestRouter(t *testing.T) (*Router, *stubRegistrar) {
	t.Helper()
	reg := newStubRegistrar()
	prod := &tenants.Tenant{Name: "prod-account", Customer: "acme", Cloud: cloud.AWS, AccountID: "111122223333"}
	gcp := &tenants.Tenant{Name: "gcp-project", Customer: "acme", Cloud: cloud.Google, AccountID: "proj-1"}
	resolver := &stubResolver{
		byAccount: map[string]*tenants.Tenant{"AWS|111122223333": prod},
		byName:    map[string]*tenants.Tenant{"prod-account": prod, "gcp-project": gcp},
	}
	return NewRouter(reg, resolver, "999988887777", zap.NewNop()), reg
}

func trailRecord(source, name, account, region string) EventBridgeRecord {
	rec := EventBridgeRecord{
		DetailType: "AWS API Call via CloudTrail",
		Source:     source,
		Account:    account,
		Region:     region,
	}
	rec.Detail.EventSource = source
	rec.Detail.EventName = name
	rec.Detail.AWSRegion = region
	rec.Detail.UserIdentity.AccountID = account
	return rec
}

func TestRouteCloudTrailGroupsByAccountAndRegion(t *testing.T) {
	router, _ := newTestRouter(t)

	records := []EventBridgeRecord{
		trailRecord("aws.ec2", "RunInstances", "111122223333", "us-east-1"),
		trailRecord("aws.s3", "CreateBucket", "111122223333", "us-east-1"),
		trailRecord("aws.ec2", "RunInstances", "111122223333", "eu-west-1"),
	}
	results, err := router.RouteCloudTrail(records)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(results))
	}

	var east *orchestrator.BatchResult
	for _, br := range results {
		if br.Region == "us-east-1" {
			east = br
		}
	}
	if east == nil {
		t.Fatal("us-east-1 group missing")
	}
	if east.Tenant != "prod-account" || east.Customer != "acme" || east.Cloud != cloud.AWS {
		t.Fatalf("unexpected group identity: %#v", east)
	}
	rules := east.RegionRules["us-east-1"]
	if len(rules) != 4 {
		t.Fatalf("expected merged rules from both events, got %v", rules)
	}
}

func TestRouteCloudTrailDropsSelfAccount(t *testing.T) {
	router, reg := newTestRouter(t)

	rec := trailRecord("aws.ec2", "RunInstances", "111122223333", "us-east-1")
	rec.Detail.UserIdentity.AccountID = "999988887777"
	results, err := router.RouteCloudTrail([]EventBridgeRecord{rec})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(results) != 0 || len(reg.registered) != 0 {
		t.Fatal("self-account event must be dropped")
	}
}

func TestRouteCloudTrailSkipsUnknownAccount(t *testing.T) {
	router, reg := newTestRouter(t)

	results, err := router.RouteCloudTrail([]EventBridgeRecord{
		trailRecord("aws.ec2", "RunInstances", "000000000000", "us-east-1"),
	})
	if err != nil {
		t.Fatalf("unknown account must not error: %v", err)
	}
	if len(results) != 0 || len(reg.registered) != 0 {
		t.Fatal("unknown account must not register a batch result")
	}
}

func TestRouteCloudTrailAcceptsMappedSourceWithoutDetailType(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := trailRecord("aws.ec2", "RunInstances", "111122223333", "us-east-1")
	rec.DetailType = "scheduled"
	results, err := router.RouteCloudTrail([]EventBridgeRecord{rec})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("mapped source must pass the filter, got %d results", len(results))
	}

	rec.Source = "aws.unmapped"
	results, err = router.RouteCloudTrail([]EventBridgeRecord{rec})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(results) != 0 {
		t.Fatal("unmapped source without detail-type must be filtered")
	}
}

func TestRouteCloudTrailDeduplicatesByContentHash(t *testing.T) {
	router, reg := newTestRouter(t)

	records := []EventBridgeRecord{
		trailRecord("aws.ec2", "RunInstances", "111122223333", "us-east-1"),
	}
	if _, err := router.RouteCloudTrail(records); err != nil {
		t.Fatalf("first route: %v", err)
	}
	if _, err := router.RouteCloudTrail(records); err != nil {
		t.Fatalf("second route: %v", err)
	}
	if len(reg.registered) != 1 {
		t.Fatalf("duplicate delivery created %d records", len(reg.registered))
	}
}

func TestRouteMaestroFiltersAndGroups(t *testing.T) {
	router, reg := newTestRouter(t)

	records := []MaestroRecord{
		{Cloud: "GOOGLE", TenantName: "gcp-project", Region: "us-central1", Group: "MANAGEMENT", SubGroup: "INSTANCE", Source: "compute", Action: "CREATE"},
		{Cloud: "GOOGLE", TenantName: "gcp-project", Region: "us-central1", Group: "MANAGEMENT", SubGroup: "INSTANCE", Source: "compute", Action: "UPDATE"},
		// Wrong group, filtered.
		{Cloud: "GOOGLE", TenantName: "gcp-project", Region: "us-central1", Group: "DATA", SubGroup: "INSTANCE", Source: "compute", Action: "CREATE"},
		// AWS is not a maestro vendor.
		{Cloud: "AWS", TenantName: "prod-account", Region: "us-east-1", Group: "MANAGEMENT", SubGroup: "INSTANCE", Action: "CREATE"},
	}
	results, err := router.RouteMaestro(records)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 group, got %d", len(results))
	}
	br := results[0]
	if br.Cloud != cloud.Google || br.Tenant != "gcp-project" || br.Customer != "acme" {
		t.Fatalf("unexpected group: %#v", br)
	}
	rules := br.RegionRules["us-central1"]
	if len(rules) != 3 {
		t.Fatalf("expected merged create+update rules, got %v", rules)
	}
	if len(reg.registered) != 1 {
		t.Fatalf("expected one registration, got %d", len(reg.registered))
	}
}

func TestRouteMaestroMultiregionFallback(t *testing.T) {
	router, _ := newTestRouter(t)

	results, err := router.RouteMaestro([]MaestroRecord{
		{Cloud: "GOOGLE", TenantName: "gcp-project", Group: "MANAGEMENT", SubGroup: "INSTANCE", Source: "compute", Action: "DELETE"},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(results) != 1 || results[0].Region != cloud.Multiregion {
		t.Fatalf("regionless event must land in the multiregion group: %#v", results)
	}
}
