// Package reports derives downstream artifacts from shard collections:
// digests, details, coverage, diffs, statistics and exception filtering.
package reports

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/sharding"
)

// Resource is a typed view over one raw resource dict from a shard part.
// Values are never mutated after construction; identity and hash consider
// only the exposed attributes plus the discriminators, never the raw data.
type Resource struct {
	Cloud          cloud.Cloud
	ID             string
	Name           string
	ARN            string
	URN            string
	Namespace      string
	Location       string
	ResourceType   string
	Date           string
	Discriminators []string
	Data           map[string]any

	hash uint64
}

// identity is the hash input of a resource.
type identity struct {
	Cloud          cloud.Cloud
	ID             string
	Name           string
	ARN            string
	URN            string
	Namespace      string
	Location       string
	ResourceType   string
	Date           string
	Discriminators []string
}

func (r *Resource) computeHash() {
	h, err := hashstructure.Hash(identity{
		Cloud:          r.Cloud,
		ID:             r.ID,
		Name:           r.Name,
		ARN:            r.ARN,
		URN:            r.URN,
		Namespace:      r.Namespace,
		Location:       r.Location,
		ResourceType:   r.ResourceType,
		Date:           r.Date,
		Discriminators: r.Discriminators,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		// Hash failure would need an unhashable identity type; the identity
		// struct is all strings.
		h = 0
	}
	r.hash = h
}

// Hash returns the identity hash of the resource.
func (r *Resource) Hash() uint64 { return r.hash }

// stringField returns the first non-empty string among candidate keys.
func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case fmt.Stringer:
				return s.String()
			}
		}
	}
	return ""
}

// NewAWSResource types one AWS resource dict.
func NewAWSResource(data map[string]any, resourceType, region string, discriminators ...string) Resource {
	r := Resource{
		Cloud:          cloud.AWS,
		ID:             stringField(data, "id", "Id", "ID", "InstanceId", "ResourceId", "DBInstanceIdentifier", "FunctionName", "TrailARN"),
		Name:           stringField(data, "name", "Name", "BucketName", "GroupName", "RoleName"),
		ARN:            stringField(data, "arn", "Arn", "ARN", "TrailARN", "FunctionArn"),
		Location:       region,
		ResourceType:   resourceType,
		Date:           stringField(data, "date", "Date", "CreationDate", "CreateDate", "LaunchTime"),
		Discriminators: discriminators,
		Data:           data,
	}
	r.computeHash()
	return r
}

// NewAzureResource types one Azure resource dict.
func NewAzureResource(data map[string]any, resourceType, location string) Resource {
	r := Resource{
		Cloud:        cloud.Azure,
		ID:           stringField(data, "id", "Id", "ID"),
		Name:         stringField(data, "name", "Name"),
		Location:     location,
		ResourceType: resourceType,
		Data:         data,
	}
	r.computeHash()
	return r
}

// NewGoogleResource types one Google resource dict.
func NewGoogleResource(data map[string]any, resourceType, location string, discriminators ...string) Resource {
	r := Resource{
		Cloud:          cloud.Google,
		ID:             stringField(data, "id", "Id", "ID", "name"),
		Name:           stringField(data, "name", "Name", "displayName"),
		URN:            stringField(data, "urn", "selfLink"),
		Location:       location,
		ResourceType:   resourceType,
		Discriminators: discriminators,
		Data:           data,
	}
	r.computeHash()
	return r
}

// NewK8SResource types one Kubernetes resource dict.
func NewK8SResource(data map[string]any, resourceType, location string) Resource {
	r := Resource{
		Cloud:        cloud.Kubernetes,
		ID:           stringField(data, "uid", "id", "ID"),
		Name:         stringField(data, "name", "Name"),
		Namespace:    stringField(data, "namespace", "Namespace"),
		Location:     location,
		ResourceType: resourceType,
		Data:         data,
	}
	r.computeHash()
	return r
}

// FromPart types every resource of one part.
func FromPart(c cloud.Cloud, p sharding.Part, resourceType string, discriminators ...string) []Resource {
	out := make([]Resource, 0, len(p.Resources))
	for _, data := range p.Resources {
		switch c {
		case cloud.Azure:
			out = append(out, NewAzureResource(data, resourceType, p.Location))
		case cloud.Google:
			out = append(out, NewGoogleResource(data, resourceType, p.Location, discriminators...))
		case cloud.Kubernetes:
			out = append(out, NewK8SResource(data, resourceType, p.Location))
		default:
			out = append(out, NewAWSResource(data, resourceType, p.Location, discriminators...))
		}
	}
	return out
}

// Tags extracts the resource's tags as a flat key=value map. AWS-style
// `Tags: [{Key, Value}]` lists and plain string maps are both understood.
func (r *Resource) Tags() map[string]string {
	out := make(map[string]string)
	switch tags := r.Data["Tags"].(type) {
	case []any:
		for _, item := range tags {
			pair, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, _ := pair["Key"].(string)
			value, _ := pair["Value"].(string)
			if key != "" {
				out[key] = value
			}
		}
	case map[string]any:
		for k, v := range tags {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	if labels, ok := r.Data["labels"].(map[string]any); ok {
		for k, v := range labels {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
