package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

const badgerDeleteBatch = 1000

// BadgerOptions configures the embedded badger engine.
type BadgerOptions struct {
	Path     string
	InMemory bool
	// SyncWrites makes every write durable before it returns.
	SyncWrites bool
}

// BadgerEngine stores records in an embedded badger database.
type BadgerEngine struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger opens or creates the database described by opts.
func OpenBadger(opts BadgerOptions) (*BadgerEngine, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("badger path must not be empty")
	}
	path := opts.Path
	if opts.InMemory {
		path = ""
	}
	badgerOpts := badger.DefaultOptions(path).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// Put implements Engine.
func (e *BadgerEngine) Put(_ context.Context, key string, value []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get implements Engine.
func (e *BadgerEngine) Get(_ context.Context, key string) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Scan implements Engine.
func (e *BadgerEngine) Scan(ctx context.Context, opts ScanOptions, fn func(key string, value []byte) error) error {
	if e.closed.Load() {
		return ErrClosed
	}
	start, end := []byte(opts.Start), []byte(opts.End)

	return e.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = opts.Reverse
		it := txn.NewIterator(itOpts)
		defer it.Close()

		switch {
		case !opts.Reverse:
			it.Seek(start)
		case len(end) > 0:
			// Reverse seek lands on the largest key <= end.
			it.Seek(end)
		default:
			it.Rewind()
		}

		seen := 0
		for ; it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			if len(end) > 0 && bytes.Compare(key, end) >= 0 {
				if opts.Reverse {
					continue
				}
				break
			}
			if bytes.Compare(key, start) < 0 {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			if err := fn(string(key), value); err != nil {
				if errors.Is(err, ErrStopScan) {
					return nil
				}
				return err
			}
			seen++
			if opts.Limit > 0 && seen >= opts.Limit {
				break
			}
		}
		return nil
	})
}

// DeleteRange implements Engine.
func (e *BadgerEngine) DeleteRange(ctx context.Context, start, end string) (int64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	var keys [][]byte
	err := e.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Seek([]byte(start)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			if end != "" && bytes.Compare(key, []byte(end)) >= 0 {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var deleted int64
	for len(keys) > 0 {
		n := len(keys)
		if n > badgerDeleteBatch {
			n = badgerDeleteBatch
		}
		batch := keys[:n]
		keys = keys[n:]
		if err := e.db.Update(func(txn *badger.Txn) error {
			for _, key := range batch {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return deleted, fmt.Errorf("delete range: %w", err)
		}
		deleted += int64(len(batch))
	}
	return deleted, nil
}

// Close implements Engine. It is safe to call more than once.
func (e *BadgerEngine) Close() error {
	if e == nil || e.closed.Swap(true) {
		return nil
	}
	return e.db.Close()
}

var _ Engine = (*BadgerEngine)(nil)
