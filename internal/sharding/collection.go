package sharding

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/sentra-scan/sentra/internal/objectstore"
)

// PolicyMeta is the sidecar descriptor of one policy: resource type,
// description, comment and any extra fields the worker attached.
type PolicyMeta map[string]any

// Filter narrows part iteration by policy and/or location.
type Filter struct {
	Policies  []string
	Locations []string
}

func (f Filter) matches(p Part) bool {
	if len(f.Policies) > 0 && !lo.Contains(f.Policies, p.Policy) {
		return false
	}
	if len(f.Locations) > 0 && !lo.Contains(f.Locations, p.Location) {
		return false
	}
	return true
}

// Collection is a keyed set of shards for one (customer, cloud, account)
// namespace plus a policy metadata side-channel. Safe for concurrent use.
type Collection struct {
	ns   Namespace
	dist Distributor

	mu     sync.Mutex
	shards map[string][]Part
	meta   map[string]PolicyMeta

	// lazy backing; parts are decoded on first access
	store   objectstore.Store
	prefix  string
	fetched bool
}

// NewCollection creates an empty collection for a namespace.
func NewCollection(ns Namespace, dist Distributor) *Collection {
	if dist == nil {
		dist = ForCloud(ns.Cloud)
	}
	return &Collection{
		ns:     ns,
		dist:   dist,
		shards: make(map[string][]Part),
		meta:   make(map[string]PolicyMeta),
	}
}

// Open attaches a collection to a stored prefix. Shards are fetched and
// decoded lazily on first part access.
func Open(store objectstore.Store, ns Namespace, prefix string, dist Distributor) *Collection {
	c := NewCollection(ns, dist)
	c.store = store
	c.prefix = prefix
	return c
}

// Namespace returns the owning namespace.
func (c *Collection) Namespace() Namespace { return c.ns }

// PutPart appends a part to its distributor-chosen shard. Idempotence across
// retries is not guaranteed.
func (c *Collection) PutPart(p Part) {
	shardID := c.dist.ShardID(p)
	c.mu.Lock()
	c.shards[shardID] = append(c.shards[shardID], p)
	c.mu.Unlock()
}

// PutMeta records the sidecar descriptor for a policy.
func (c *Collection) PutMeta(policy string, meta PolicyMeta) {
	c.mu.Lock()
	c.meta[policy] = meta
	c.mu.Unlock()
}

// IterParts returns parts in shard-then-insertion order, optionally filtered.
func (c *Collection) IterParts(ctx context.Context, f Filter) ([]Part, error) {
	if err := c.ensureFetched(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	shardIDs := lo.Keys(c.shards)
	sort.Strings(shardIDs)

	var out []Part
	for _, id := range shardIDs {
		for _, p := range c.shards[id] {
			if f.matches(p) {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// Empty reports whether the collection holds no parts.
func (c *Collection) Empty(ctx context.Context) (bool, error) {
	parts, err := c.IterParts(ctx, Filter{})
	if err != nil {
		return false, err
	}
	return len(parts) == 0, nil
}

// Merge appends all of other's parts into this collection and merges meta
// maps key by key: dict values merge recursively, anything else right-wins.
func (c *Collection) Merge(ctx context.Context, other *Collection) error {
	parts, err := other.IterParts(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("merge: read other parts: %w", err)
	}
	meta, err := other.FetchMeta(ctx)
	if err != nil {
		return fmt.Errorf("merge: read other meta: %w", err)
	}
	for _, p := range parts {
		c.PutPart(p)
	}
	c.mu.Lock()
	for policy, m := range meta {
		c.meta[policy] = mergeMeta(c.meta[policy], m)
	}
	c.mu.Unlock()
	return nil
}

func mergeMeta(left, right PolicyMeta) PolicyMeta {
	if left == nil {
		return cloneMeta(right)
	}
	out := cloneMeta(left)
	for k, rv := range right {
		lv, ok := out[k]
		lm, lIsMap := lv.(map[string]any)
		rm, rIsMap := rv.(map[string]any)
		if ok && lIsMap && rIsMap {
			out[k] = map[string]any(mergeMeta(lm, rm))
			continue
		}
		out[k] = rv
	}
	return out
}

func cloneMeta(m PolicyMeta) PolicyMeta {
	out := make(PolicyMeta, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = map[string]any(cloneMeta(nested))
			continue
		}
		out[k] = v
	}
	return out
}

// Write flushes shards under prefix. Each shard is gzipped and stored as a
// single PUT, which keeps per-shard writes atomic.
func (c *Collection) Write(ctx context.Context, store objectstore.Store, prefix string) error {
	if err := c.ensureFetched(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	shards := make(map[string][]Part, len(c.shards))
	for id, parts := range c.shards {
		shards[id] = parts
	}
	c.mu.Unlock()

	for id, parts := range shards {
		body, err := Bytes(parts)
		if err != nil {
			return fmt.Errorf("write shard %s: %w", id, err)
		}
		compressed, err := gzipBytes(body)
		if err != nil {
			return fmt.Errorf("write shard %s: %w", id, err)
		}
		if err := store.Put(ctx, ShardKey(prefix, id), compressed, "gzip"); err != nil {
			return fmt.Errorf("write shard %s: %w", id, err)
		}
	}
	return c.WriteMeta(ctx, store, prefix)
}

// WriteMeta flushes only the metadata sidecar.
func (c *Collection) WriteMeta(ctx context.Context, store objectstore.Store, prefix string) error {
	c.mu.Lock()
	meta := cloneMetaMap(c.meta)
	c.mu.Unlock()

	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := store.Put(ctx, MetaKey(prefix), body, ""); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// FetchMeta returns the policy metadata map, loading the sidecar from the
// backing store when attached.
func (c *Collection) FetchMeta(ctx context.Context) (map[string]PolicyMeta, error) {
	c.mu.Lock()
	attached := c.store != nil && !c.fetched
	store, prefix := c.store, c.prefix
	c.mu.Unlock()

	if attached {
		obj, err := store.Get(ctx, MetaKey(prefix))
		switch {
		case objectstore.IsNotFound(err):
			// No sidecar written yet; treat as empty.
		case err != nil:
			return nil, fmt.Errorf("fetch meta: %w", err)
		default:
			var meta map[string]PolicyMeta
			if err := json.Unmarshal(obj.Body, &meta); err != nil {
				return nil, fmt.Errorf("decode meta: %w", err)
			}
			c.mu.Lock()
			for policy, m := range meta {
				c.meta[policy] = mergeMeta(c.meta[policy], m)
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMetaMap(c.meta), nil
}

func cloneMetaMap(meta map[string]PolicyMeta) map[string]PolicyMeta {
	out := make(map[string]PolicyMeta, len(meta))
	for policy, m := range meta {
		out[policy] = cloneMeta(m)
	}
	return out
}

// FetchAll forces shard and meta materialization from the backing store.
func (c *Collection) FetchAll(ctx context.Context) error {
	if err := c.ensureFetched(ctx); err != nil {
		return err
	}
	_, err := c.FetchMeta(ctx)
	return err
}

func (c *Collection) ensureFetched(ctx context.Context) error {
	c.mu.Lock()
	if c.store == nil || c.fetched {
		c.mu.Unlock()
		return nil
	}
	store, prefix := c.store, c.prefix
	c.mu.Unlock()

	listing, err := store.List(ctx, prefix, "")
	if err != nil {
		return fmt.Errorf("list shards under %s: %w", prefix, err)
	}

	decoded := make(map[string][]Part)
	for _, key := range listing.Keys {
		if IsMetaKey(key) || IsStatisticsKey(key) {
			continue
		}
		obj, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("fetch shard %s: %w", key, err)
		}
		body, err := gunzipIfNeeded(obj)
		if err != nil {
			return fmt.Errorf("decompress shard %s: %w", key, err)
		}
		parts, err := DecodeAll(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("decode shard %s: %w", key, err)
		}
		decoded[shardIDFromKey(prefix, key)] = parts
	}

	c.mu.Lock()
	for id, parts := range decoded {
		c.shards[id] = append(parts, c.shards[id]...)
	}
	c.fetched = true
	c.mu.Unlock()
	return nil
}

func shardIDFromKey(prefix, key string) string {
	if len(key) > len(prefix) {
		return key[len(prefix):]
	}
	return key
}

func gzipBytes(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipIfNeeded(obj *objectstore.Object) ([]byte, error) {
	body := obj.Body
	isGzip := obj.ContentEncoding == "gzip" ||
		(len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b)
	if !isGzip {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
