// Package storage provides the durable key-value backends that hold session
// state across process restarts.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("storage: key not found")

// Batch is a set of writes applied all-or-nothing. Deletes are applied after
// puts, so a key present in both ends up deleted.
type Batch struct {
	Put    map[string][]byte
	Delete []string
}

// KV is a durable key-value store with atomic batch writes.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMany reads keys from a single snapshot, so a concurrent Write is
	// seen either entirely or not at all. Missing keys are absent from the
	// result.
	GetMany(ctx context.Context, keys ...string) (map[string][]byte, error)
	Write(ctx context.Context, b Batch) error
	Close() error
}
