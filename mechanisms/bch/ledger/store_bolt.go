package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketUtxo = []byte("utxo_by_outpoint")

// BoltStore is a Store backed by a bbolt file. bbolt takes an exclusive
// file lock, so a ledger file is owned by one process at a time.
type BoltStore struct {
	path string
	db   *bolt.DB
}

// BoltOptions configures OpenBolt.
type BoltOptions struct {
	// Timeout bounds how long Open waits for the file lock. Default 1s.
	Timeout time.Duration

	// ReadOnly opens the file with a shared lock for inspection tools.
	ReadOnly bool
}

// OpenBolt opens (creating if needed) the ledger database at path.
func OpenBolt(path string, opts *BoltOptions) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path required")
	}
	if opts == nil {
		opts = &BoltOptions{}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 1 * time.Second
	}

	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:  timeout,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	if !opts.ReadOnly {
		if err := bdb.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketUtxo); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(bucketUtxo), err)
			}
			return nil
		}); err != nil {
			_ = bdb.Close()
			return nil, err
		}
	}

	return &BoltStore{path: path, db: bdb}, nil
}

// Path returns the database file path.
func (s *BoltStore) Path() string { return s.path }

// Close releases the file lock.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get implements Store.
func (s *BoltStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUtxo)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, wrapBoltErr("get", err)
	}
	return out, ok, nil
}

// Put implements Store.
func (s *BoltStore) Put(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUtxo)
		if b == nil {
			return fmt.Errorf("bucket %s missing", string(bucketUtxo))
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return wrapBoltErr("put", err)
	}
	return nil
}

// ForEach implements Iterator. Keys are visited in byte order.
func (s *BoltStore) ForEach(_ context.Context, fn func(key string, value []byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUtxo)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
	if err != nil {
		return wrapBoltErr("iterate", err)
	}
	return nil
}

func wrapBoltErr(op string, err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("bbolt %s: %w: %w", op, ErrStoreClosed, err)
	}
	return fmt.Errorf("bbolt %s: %w", op, err)
}
