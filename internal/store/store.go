// ABOUTME: KV interface and errors for tutor-mesh durable persistence
// ABOUTME: Defines the put/get/delete contract the session manager snapshots through

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested key does not exist or has expired.
var ErrNotFound = errors.New("not found")

// KV is the durable key/value collaborator the coordination core persists
// through. Values are opaque strings (JSON blobs in practice). A zero TTL
// means the entry never expires.
type KV interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
