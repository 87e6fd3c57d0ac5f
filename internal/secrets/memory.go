package secrets

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is a TTL-aware in-memory store used in tests and single-node
// deployments.
type Memory struct {
	cache *gocache.Cache
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{cache: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (m *Memory) Create(_ context.Context, name, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.cache.Set(name, value, ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, name string) (string, error) {
	v, ok := m.cache.Get(name)
	if !ok {
		return "", ErrNotFound
	}
	return v.(string), nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.cache.Delete(name)
	return nil
}
