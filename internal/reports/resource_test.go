package reports

import (
	"testing"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/sharding"
)

func TestResourceHashUsesExposedAttributesOnly(t *testing.T) {
	a := NewAWSResource(map[string]any{"InstanceId": "i-1", "State": "running"}, "aws.ec2", "us-east-1")
	b := NewAWSResource(map[string]any{"InstanceId": "i-1", "State": "stopped"}, "aws.ec2", "us-east-1")
	if a.Hash() != b.Hash() {
		t.Fatal("non-identity data must not change the hash")
	}

	c := NewAWSResource(map[string]any{"InstanceId": "i-2"}, "aws.ec2", "us-east-1")
	if a.Hash() == c.Hash() {
		t.Fatal("different ids must hash differently")
	}

	d := NewAWSResource(map[string]any{"InstanceId": "i-1"}, "aws.ec2", "eu-west-1")
	if a.Hash() == d.Hash() {
		t.Fatal("different regions must hash differently")
	}
}

func TestResourceDiscriminatorsDistinguish(t *testing.T) {
	data := map[string]any{"Id": "123456789012"}
	a := NewAWSResource(data, "aws.account", "us-east-1", "iam")
	b := NewAWSResource(data, "aws.account", "us-east-1", "cloudtrail")
	if a.Hash() == b.Hash() {
		t.Fatal("discriminators must distinguish overlapping resource types")
	}
}

func TestFromPartTypesPerCloud(t *testing.T) {
	p := sharding.NewPart("some-rule", "westeurope", []map[string]any{{"id": "/sub/1", "name": "vm-1"}})
	got := FromPart(cloud.Azure, p, "azure.vm")
	if len(got) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(got))
	}
	if got[0].Cloud != cloud.Azure || got[0].ID != "/sub/1" || got[0].Location != "westeurope" {
		t.Fatalf("unexpected resource: %#v", got[0])
	}

	k8s := FromPart(cloud.Kubernetes, sharding.NewPart("r", "cluster-1", []map[string]any{
		{"uid": "u-1", "name": "pod-a", "namespace": "default"},
	}), "k8s.pod")
	if k8s[0].Namespace != "default" {
		t.Fatalf("expected namespace extraction, got %#v", k8s[0])
	}
}

func TestTagsExtraction(t *testing.T) {
	r := NewAWSResource(map[string]any{
		"InstanceId": "i-1",
		"Tags":       []any{map[string]any{"Key": "Env", "Value": "Prod"}},
	}, "aws.ec2", "us-east-1")
	tags := r.Tags()
	if tags["Env"] != "Prod" {
		t.Fatalf("unexpected tags: %v", tags)
	}

	g := NewGoogleResource(map[string]any{
		"name":   "vm",
		"labels": map[string]any{"env": "dev"},
	}, "gcp.instance", "europe-west1")
	if g.Tags()["env"] != "dev" {
		t.Fatalf("unexpected labels: %v", g.Tags())
	}
}
