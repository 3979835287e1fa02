// Package bbolt provides a BBolt-backed storage.DurableStore.
package bbolt

import (
	"bytes"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/schoolhub/sessionkeeper/storage"
)

// DefaultBucket holds all keys unless another bucket is requested.
const DefaultBucket = "sessionkeeper"

// Store implements storage.DurableStore backed by a BBolt database.
// Every write is a committed transaction, so it is on disk when Put returns.
type Store struct {
	db     *bbolt.DB
	bucket []byte
}

var (
	_ storage.DurableStore = (*Store)(nil)
	_ storage.Batcher      = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithBucket scopes the store to the named bucket.
func WithBucket(name string) Option {
	return func(s *Store) {
		s.bucket = []byte(name)
	}
}

// New returns a Store backed by the given BBolt database.
func New(db *bbolt.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, bucket: []byte(DefaultBucket)}
	for _, opt := range opts {
		opt(s)
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %q: %w", s.bucket, err)
	}
	return s, nil
}

// NewFromFile opens a BBolt database at the given path and returns a new Store.
func NewFromFile(path string, options *bbolt.Options, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database. Later calls on s fail with
// storage.ErrClosed.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	return closedErr(s.db.View(fn))
}

func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	return closedErr(s.db.Update(fn))
}

func closedErr(err error) error {
	if errors.Is(err, berrors.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		// data is only valid for the life of the transaction.
		out = bytes.Clone(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Put(key string, value []byte) error {
	return s.update(func(tx *bbolt.Tx) error {
		return putInBucket(tx.Bucket(s.bucket), key, value)
	})
}

func (s *Store) Delete(key string) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

func (s *Store) List(prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := s.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func putInBucket(b *bbolt.Bucket, key string, value []byte) error {
	// bbolt treats a nil value as a delete marker on some versions.
	if value == nil {
		value = []byte{}
	}
	return b.Put([]byte(key), value)
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Put(key string, value []byte) error {
	return putInBucket(tx.bucket, key, value)
}

func (tx *boltBatchTx) Delete(key string) error {
	return tx.bucket.Delete([]byte(key))
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	return s.update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{bucket: tx.Bucket(s.bucket)})
	})
}
