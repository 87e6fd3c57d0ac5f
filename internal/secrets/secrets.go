// Package secrets abstracts short-lived secret storage for worker
// credentials and license-manager tokens.
package secrets

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a secret does not exist or has expired.
var ErrNotFound = errors.New("secret not found")

// Store is the secret store contract. Deletion is idempotent: deleting a
// missing secret is not an error.
type Store interface {
	// Create writes a secret. A zero ttl means no expiration.
	Create(ctx context.Context, name, value string, ttl time.Duration) error
	Get(ctx context.Context, name string) (string, error)
	Delete(ctx context.Context, name string) error
}

// IsNotFound reports whether err means the secret does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
