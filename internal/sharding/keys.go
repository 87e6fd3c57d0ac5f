package sharding

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sentra-scan/sentra/internal/cloud"
)

// Storage key layout under the result bucket:
//
//	raw/{customer}/{cloud}/{account}/latest/{shard-id}
//	raw/{customer}/{cloud}/{account}/snapshots/{YYYY-MM-DD-HH}/{shard-id}
//	raw/{customer}/{cloud}/{account}/jobs/standard/{YYYY-MM-DD-HH}/{jobID}/result/{shard-id}
//	raw/{customer}/{cloud}/{account}/jobs/event-driven/{YYYY-MM-DD-HH}/{brID}/result/{shard-id}
//	raw/{customer}/{cloud}/{account}/jobs/event-driven/{YYYY-MM-DD-HH}/{brID}/difference/{shard-id}
//	on-demand/{random}

// SnapshotHourLayout formats the truncated UTC hour used in snapshot and job
// prefixes.
const SnapshotHourLayout = "2006-01-02-15"

const (
	metaObject       = "meta.json"
	statisticsObject = "statistics.json"
)

// Namespace identifies the owner of a shards collection.
type Namespace struct {
	Customer string
	Cloud    cloud.Cloud
	Account  string
}

func (n Namespace) root() string {
	return path.Join("raw", n.Customer, strings.ToLower(string(n.Cloud)), n.Account)
}

// LatestPrefix is the prefix of the tenant's current state.
func (n Namespace) LatestPrefix() string {
	return n.root() + "/latest/"
}

// SnapshotPrefix is the prefix of the snapshot for one truncated hour.
func (n Namespace) SnapshotPrefix(hour time.Time) string {
	return n.root() + "/snapshots/" + hour.UTC().Format(SnapshotHourLayout) + "/"
}

// SnapshotsRoot is the prefix all snapshots share.
func (n Namespace) SnapshotsRoot() string {
	return n.root() + "/snapshots/"
}

// JobResultPrefix is the result prefix of one standard scan job.
func (n Namespace) JobResultPrefix(jobID string, submittedAt time.Time) string {
	return path.Join(n.root(), "jobs/standard", submittedAt.UTC().Format(SnapshotHourLayout), jobID, "result") + "/"
}

// BatchResultPrefix is the result prefix of one event-driven scan.
func (n Namespace) BatchResultPrefix(brID string, submittedAt time.Time) string {
	return path.Join(n.root(), "jobs/event-driven", submittedAt.UTC().Format(SnapshotHourLayout), brID, "result") + "/"
}

// DifferencePrefix is the diff prefix of one event-driven scan.
func (n Namespace) DifferencePrefix(brID string, submittedAt time.Time) string {
	return path.Join(n.root(), "jobs/event-driven", submittedAt.UTC().Format(SnapshotHourLayout), brID, "difference") + "/"
}

// OnDemandKey returns a fresh one-time report key.
func OnDemandKey() string {
	return "on-demand/" + uuid.NewString()
}

// MetaKey is the metadata sidecar object under a collection prefix.
func MetaKey(prefix string) string {
	return prefix + metaObject
}

// ShardKey is the object key of one shard under a collection prefix.
func ShardKey(prefix, shardID string) string {
	return prefix + shardID
}

// IsMetaKey reports whether key names a metadata sidecar.
func IsMetaKey(key string) bool {
	return path.Base(key) == metaObject
}

// StatisticsKey is the execution-statistics sidecar under a collection prefix.
func StatisticsKey(prefix string) string {
	return prefix + statisticsObject
}

// IsStatisticsKey reports whether key names a statistics sidecar.
func IsStatisticsKey(key string) bool {
	return path.Base(key) == statisticsObject
}

// ParseSnapshotHour extracts the hour from a snapshot common prefix such as
// "raw/c/aws/123/snapshots/2024-06-01-13/".
func ParseSnapshotHour(commonPrefix string) (time.Time, error) {
	trimmed := strings.TrimSuffix(commonPrefix, "/")
	hour := path.Base(trimmed)
	ts, err := time.Parse(SnapshotHourLayout, hour)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse snapshot hour %q: %w", hour, err)
	}
	return ts, nil
}

// SortHoursDescending orders snapshot hours newest first.
func SortHoursDescending(hours []time.Time) {
	sort.Slice(hours, func(i, j int) bool { return hours[i].After(hours[j]) })
}
