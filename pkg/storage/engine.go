package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Engine.Get for an absent key.
	ErrNotFound = errors.New("storage: key not found")
	// ErrStopScan may be returned by a scan callback to end the scan early
	// without an error.
	ErrStopScan = errors.New("storage: stop scan")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// ScanOptions selects keys in [Start, End). An empty End means "to the end
// of the keyspace". Limit of zero means unlimited.
type ScanOptions struct {
	Start   string
	End     string
	Reverse bool
	Limit   int
}

// Engine is the ordered key-value backend used by KVStore.
type Engine interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Scan(ctx context.Context, opts ScanOptions, fn func(key string, value []byte) error) error
	// DeleteRange removes keys in [start, end) and reports how many were removed.
	DeleteRange(ctx context.Context, start, end string) (int64, error)
	Close() error
}

// prefixEnd returns the exclusive upper bound of all keys starting with prefix.
// Keys are restricted to printable ASCII so 0xff sorts after every key byte.
func prefixEnd(prefix string) string {
	return prefix + "\xff"
}
