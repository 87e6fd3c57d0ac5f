package sharding

import "github.com/sentra-scan/sentra/internal/cloud"

// Distributor assigns parts to shards. A shard id is a stable string key;
// it becomes the object name under the collection prefix.
type Distributor interface {
	ShardID(p Part) string
}

// SingleShard routes every part to shard "0". Default for AWS, AZURE and
// GOOGLE tenants, whose result volume fits one shard.
type SingleShard struct{}

func (SingleShard) ShardID(Part) string { return "0" }

// AccountRegion shards by part location. Used for KUBERNETES, where each
// cluster region produces an independent bounded shard.
type AccountRegion struct{}

func (AccountRegion) ShardID(p Part) string {
	if p.Location == "" {
		return "0"
	}
	return p.Location
}

// ForCloud returns the default distributor for a cloud.
func ForCloud(c cloud.Cloud) Distributor {
	if c == cloud.Kubernetes {
		return AccountRegion{}
	}
	return SingleShard{}
}
