// Package kv provides the small durable key-value store used to persist the
// offline action queue and last-known driver state across process restarts.
package kv

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get when the key has never been set.
var ErrKeyNotFound = errors.New("kv: key not found")

// Store is the durable key-value port. Values are opaque byte payloads;
// callers own serialization. Implementations must make Set atomic per key so
// a read-modify-write cycle under a caller-held lock cannot lose updates.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}
