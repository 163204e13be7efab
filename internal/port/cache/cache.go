// Package cache defines the port for the byte cache that holds resolved
// effective configurations.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. A ttl of zero means the
// entry never expires on its own.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
