package ledger

import (
	"context"
	"errors"
)

// ErrStoreClosed is returned by stores after Close.
var ErrStoreClosed = errors.New("ledger: store closed")

// Store persists ledger records as opaque JSON values keyed by "<txid>:<vout>".
// Implementations must be safe for concurrent use. The Ledger serializes
// writers per key, so a Store only needs single-key Get/Put consistency.
type Store interface {
	// Get returns the value for key. ok is false if the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
}

// Iterator is implemented by stores that can enumerate their contents.
type Iterator interface {
	// ForEach calls fn for every key in ascending key order. Iteration
	// stops at the first error returned by fn.
	ForEach(ctx context.Context, fn func(key string, value []byte) error) error
}
