package reports

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/sharding"
)

func newExceptionStore(t *testing.T) *ExceptionStore {
	t.Helper()
	store, err := NewExceptionStore(filepath.Join(t.TempDir(), "exceptions.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestExceptionStoreCRUD(t *testing.T) {
	store := newExceptionStore(t)

	created, err := store.Create(ResourceException{
		Customer: "acme", Tenant: "acme-prod",
		ResourceID: "i-1", TagFilters: []string{"Env=Prod"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ResourceID != "i-1" || len(got.TagFilters) != 1 {
		t.Fatalf("unexpected exception: %#v", got)
	}

	got.Location = "us-east-1"
	if err := store.Update(*got); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, _ := store.Get(created.ID)
	if updated.Location != "us-east-1" {
		t.Fatalf("update lost: %#v", updated)
	}

	if err := store.Delete(created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(created.ID); !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestExceptionStorePrunesExpired(t *testing.T) {
	store := newExceptionStore(t)

	if _, err := store.Create(ResourceException{
		Customer: "acme", Tenant: "t", ResourceID: "gone",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if _, err := store.Create(ResourceException{
		Customer: "acme", Tenant: "t", ResourceID: "kept",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := store.List("acme", "t")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ResourceID != "kept" {
		t.Fatalf("expected expired row pruned, got %#v", list)
	}
}

func TestFilterByTags(t *testing.T) {
	bundle := &metadata.Bundle{
		Version: "test",
		Rules: map[string]metadata.RuleMeta{
			"ec2-public": {Severity: cloud.SeverityHigh, ResourceType: "aws.ec2"},
		},
	}
	parts := []sharding.Part{
		sharding.NewPart("ec2-public", "us-east-1", []map[string]any{
			{"InstanceId": "i-prod", "Tags": []any{map[string]any{"Key": "Env", "Value": "Prod"}}},
			{"InstanceId": "i-dev", "Tags": []any{map[string]any{"Key": "Env", "Value": "Dev"}}},
		}),
	}
	exceptions := []ResourceException{
		{ID: "ex-1", Customer: "acme", Tenant: "T", TagFilters: []string{"Env=Prod"}},
	}

	result := FilterExceptions(parts, cloud.AWS, bundle, exceptions, time.Now())
	if len(result.Kept) != 1 || len(result.Kept[0].Resources) != 1 {
		t.Fatalf("unexpected survivors: %#v", result.Kept)
	}
	if result.Kept[0].Resources[0]["InstanceId"] != "i-dev" {
		t.Fatalf("expected only the Dev resource, got %#v", result.Kept[0].Resources)
	}
	if len(result.Summaries) != 1 || result.Summaries[0].ExceptionID != "ex-1" {
		t.Fatalf("expected summary for ex-1, got %#v", result.Summaries)
	}
	if result.Summaries[0].ResourcesData[cloud.SeverityHigh] != 1 {
		t.Fatalf("expected resources_data[HIGH]=1, got %#v", result.Summaries[0].ResourcesData)
	}
}

func TestExpiredExceptionNeverMatches(t *testing.T) {
	bundle := testBundle()
	parts := []sharding.Part{
		sharding.NewPart("ec2-public", "us-east-1", []map[string]any{{"InstanceId": "i-1"}}),
	}
	exceptions := []ResourceException{
		{ID: "ex-1", Customer: "acme", Tenant: "T", ResourceID: "i-1", ExpiresAt: time.Now().Add(-time.Hour)},
	}

	result := FilterExceptions(parts, cloud.AWS, bundle, exceptions, time.Now())
	if len(result.Kept) != 1 || len(result.Summaries) != 0 {
		t.Fatalf("expired exception must be ignored: %#v", result)
	}
}

func TestSeverityBucketingNoDoubleCounting(t *testing.T) {
	// Two HIGH rules with MITRE techniques both flag the same resource. The
	// resource bucket counts it once; violations and mitre count the pairs.
	bundle := &metadata.Bundle{
		Version: "test",
		Rules: map[string]metadata.RuleMeta{
			"rule-1": {Severity: cloud.SeverityHigh, ResourceType: "aws.ec2",
				MitreAttacks: map[string][]string{"TA0001": {"T1078", "T1110"}}},
			"rule-2": {Severity: cloud.SeverityHigh, ResourceType: "aws.ec2",
				MitreAttacks: map[string][]string{"TA0002": {"T1059"}}},
		},
	}
	parts := []sharding.Part{
		sharding.NewPart("rule-1", "us-east-1", []map[string]any{{"InstanceId": "i-1"}}),
		sharding.NewPart("rule-2", "us-east-1", []map[string]any{{"InstanceId": "i-1"}}),
	}
	exceptions := []ResourceException{{ID: "ex-1", Customer: "acme", Tenant: "T", ResourceID: "i-1"}}

	result := FilterExceptions(parts, cloud.AWS, bundle, exceptions, time.Now())
	if len(result.Summaries) != 1 {
		t.Fatalf("expected one summary, got %#v", result.Summaries)
	}
	s := result.Summaries[0]
	if s.ResourcesData[cloud.SeverityHigh] != 1 {
		t.Fatalf("resource double-counted: %#v", s.ResourcesData)
	}
	if s.ViolationsData[cloud.SeverityHigh] != 2 {
		t.Fatalf("expected 2 violation pairs, got %#v", s.ViolationsData)
	}
	if s.MitreData[cloud.SeverityHigh] != 2 {
		t.Fatalf("mitre pairs must not multiply by technique count: %#v", s.MitreData)
	}
}

func TestSummariesOrderedStably(t *testing.T) {
	bundle := testBundle()
	parts := []sharding.Part{
		sharding.NewPart("ec2-public", "us-east-1", []map[string]any{
			{"InstanceId": "i-1"}, {"InstanceId": "i-2"}, {"InstanceId": "i-3"},
		}),
	}
	exceptions := []ResourceException{
		{ID: "ex-c", Customer: "acme", Tenant: "T", ResourceID: "i-3"},
		{ID: "ex-a", Customer: "acme", Tenant: "T", ResourceID: "i-1"},
		{ID: "ex-b", Customer: "acme", Tenant: "T", ResourceID: "i-2"},
	}

	for range 10 {
		result := FilterExceptions(parts, cloud.AWS, bundle, exceptions, time.Now())
		if len(result.Summaries) != 3 {
			t.Fatalf("expected three summaries, got %#v", result.Summaries)
		}
		for i, want := range []string{"ex-a", "ex-b", "ex-c"} {
			if result.Summaries[i].ExceptionID != want {
				t.Fatalf("summaries out of order: %#v", result.Summaries)
			}
		}
	}
}
