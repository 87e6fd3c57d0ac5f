package metadata

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/apierr"
	"github.com/sentra-scan/sentra/internal/objectstore"
)

const bundlePrefix = "metadata/bundles/"

// Registry loads versioned metadata bundles from the object store and
// caches them. Bundles are immutable once written, so cache entries only
// expire to bound memory, never for staleness.
type Registry struct {
	store  objectstore.Store
	cache  *gocache.Cache
	logger *zap.Logger
}

// NewRegistry creates a registry over the given object store.
func NewRegistry(store objectstore.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		cache:  gocache.New(30*time.Minute, 10*time.Minute),
		logger: logger,
	}
}

func bundleKey(version string) string {
	return bundlePrefix + version + ".json"
}

// PutBundle writes a bundle version. Overwriting an existing version is a
// conflict: bundles are immutable releases.
func (r *Registry) PutBundle(ctx context.Context, b *Bundle) error {
	if b == nil || strings.TrimSpace(b.Version) == "" {
		return apierr.New(apierr.InvalidInput, "metadata bundle needs a version")
	}
	key := bundleKey(b.Version)
	exists, err := r.store.Head(ctx, key)
	if err != nil {
		return apierr.Wrap(apierr.StorageTransient, err, "check bundle existence")
	}
	if exists {
		return apierr.New(apierr.Conflict, "metadata bundle %s already published", b.Version)
	}
	body, err := json.Marshal(b)
	if err != nil {
		return apierr.Wrap(apierr.EncodeDecode, err, "encode metadata bundle")
	}
	if err := r.store.Put(ctx, key, body, ""); err != nil {
		return apierr.Wrap(apierr.StorageTransient, err, "write metadata bundle")
	}
	r.cache.Set(b.Version, b, gocache.DefaultExpiration)
	r.logger.Info("published metadata bundle",
		zap.String("version", b.Version),
		zap.Int("rules", len(b.Rules)))
	return nil
}

// Bundle returns one bundle version, from cache when warm.
func (r *Registry) Bundle(ctx context.Context, version string) (*Bundle, error) {
	if cached, ok := r.cache.Get(version); ok {
		return cached.(*Bundle), nil
	}
	obj, err := r.store.Get(ctx, bundleKey(version))
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, apierr.Wrap(apierr.NotFound, err, "metadata bundle %s", version)
		}
		return nil, apierr.Wrap(apierr.StorageTransient, err, "read metadata bundle")
	}
	var b Bundle
	if err := json.Unmarshal(obj.Body, &b); err != nil {
		return nil, apierr.Wrap(apierr.EncodeDecode, err, "decode metadata bundle")
	}
	r.cache.Set(version, &b, gocache.DefaultExpiration)
	return &b, nil
}

// Versions lists the published bundle versions, newest last.
func (r *Registry) Versions(ctx context.Context) ([]string, error) {
	listing, err := r.store.List(ctx, bundlePrefix, "")
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, err, "list metadata bundles")
	}
	out := make([]string, 0, len(listing.Keys))
	for _, key := range listing.Keys {
		name := strings.TrimPrefix(key, bundlePrefix)
		name = strings.TrimSuffix(name, ".json")
		if name != "" {
			out = append(out, name)
		}
	}
	sort.Sort(byVersion(out))
	return out, nil
}

// Latest returns the newest published bundle.
func (r *Registry) Latest(ctx context.Context) (*Bundle, error) {
	versions, err := r.Versions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, apierr.New(apierr.NotFound, "no metadata bundle published")
	}
	return r.Bundle(ctx, versions[len(versions)-1])
}

// byVersion sorts dotted numeric versions; non-numeric segments compare
// lexically after numeric ones.
type byVersion []string

func (v byVersion) Len() int      { return len(v) }
func (v byVersion) Swap(i, j int) { v[i], v[j] = v[j], v[i] }
func (v byVersion) Less(i, j int) bool {
	a, b := strings.Split(v[i], "."), strings.Split(v[j], ".")
	for k := 0; k < len(a) && k < len(b); k++ {
		an, aok := atoi(a[k])
		bn, bok := atoi(b[k])
		switch {
		case aok && bok:
			if an != bn {
				return an < bn
			}
		case aok != bok:
			return aok
		default:
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
	}
	return len(a) < len(b)
}

func atoi(s string) (int, bool) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, s != ""
}
