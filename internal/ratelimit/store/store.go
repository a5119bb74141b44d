// Package store provides shared counter storage for rate limiting.
package store

import (
	"context"
	"time"
)

// Store is an atomic counter store.
type Store interface {
	// IncrementWithExpiry adds delta to key and returns the new value. The
	// expiration is set only when the increment created the key, so a
	// window never slides.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)
}
