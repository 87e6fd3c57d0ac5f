// Package objectstore defines the result-storage contract and its S3 and
// in-memory implementations. Shards, snapshots and report artifacts all
// persist through this interface.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Head for missing keys.
var ErrNotFound = errors.New("object not found")

// Object is a stored blob plus its content encoding.
type Object struct {
	Body            []byte
	ContentEncoding string
}

// Listing is one page of keys under a prefix. When a delimiter was given,
// CommonPrefixes holds the collapsed "directories".
type Listing struct {
	Keys           []string
	CommonPrefixes []string
}

// Store is the object-store contract required by the platform.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentEncoding string) error
	Get(ctx context.Context, key string) (*Object, error)
	Head(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix, delimiter string) (*Listing, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	// Presign issues a one-time download URL for key.
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
