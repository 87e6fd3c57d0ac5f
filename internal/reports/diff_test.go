package reports

import (
	"context"
	"testing"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/sharding"
)

func testNamespace() sharding.Namespace {
	return sharding.Namespace{Customer: "acme", Cloud: cloud.AWS, Account: "123456789012"}
}

func TestDiffKeepsOnlyNewViolations(t *testing.T) {
	ctx := context.Background()
	ns := testNamespace()

	previous := sharding.NewCollection(ns, nil)
	previous.PutPart(sharding.NewPart("ec2-public", "us-east-1", []map[string]any{
		{"InstanceId": "i-old"},
	}))

	current := sharding.NewCollection(ns, nil)
	current.PutPart(sharding.NewPart("ec2-public", "us-east-1", []map[string]any{
		{"InstanceId": "i-old"},
		{"InstanceId": "i-new"},
	}))

	diff, err := Diff(ctx, current, previous, testBundle())
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	parts, err := diff.IterParts(ctx, sharding.Filter{})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(parts) != 1 || len(parts[0].Resources) != 1 {
		t.Fatalf("expected exactly the new violation, got %#v", parts)
	}
	if parts[0].Resources[0]["InstanceId"] != "i-new" {
		t.Fatalf("unexpected diff content: %#v", parts[0].Resources)
	}
}

func TestDiffDisjointRegions(t *testing.T) {
	ctx := context.Background()
	ns := testNamespace()

	previous := sharding.NewCollection(ns, nil)
	previous.PutPart(sharding.NewPart("ec2-public", "eu-west-1", []map[string]any{
		{"InstanceId": "i-1"},
	}))

	current := sharding.NewCollection(ns, nil)
	current.PutPart(sharding.NewPart("ec2-public", "us-east-1", []map[string]any{
		{"InstanceId": "i-1"},
	}))

	diff, err := Diff(ctx, current, previous, testBundle())
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	parts, err := diff.IterParts(ctx, sharding.Filter{})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	// Same instance id in another region is a new violation.
	if len(parts) != 1 || parts[0].Location != "us-east-1" {
		t.Fatalf("expected region-scoped diff, got %#v", parts)
	}
}

func TestDiffEmptyWhenNothingChanged(t *testing.T) {
	ctx := context.Background()
	ns := testNamespace()

	previous := sharding.NewCollection(ns, nil)
	previous.PutPart(sharding.NewPart("ec2-public", "us-east-1", []map[string]any{{"InstanceId": "i-1"}}))
	current := sharding.NewCollection(ns, nil)
	current.PutPart(sharding.NewPart("ec2-public", "us-east-1", []map[string]any{{"InstanceId": "i-1"}}))

	diff, err := Diff(ctx, current, previous, testBundle())
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	parts, err := diff.IterParts(ctx, sharding.Filter{})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("expected empty diff, got %#v", parts)
	}
}
