// Package storage provides the durable key-value abstraction used to persist
// session state across process restarts.
package storage

import "errors"

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("store closed")

// DurableStore is a process-wide key-value store. Writes must be durable
// once the call returns.
type DurableStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// List returns all keys beginning with prefix, in lexical order.
	List(prefix string) ([]string, error)
}

// Batcher is implemented by stores that can apply several writes atomically.
type Batcher interface {
	Batch(fn func(tx BatchTx) error) error
}

// BatchTx provides Put and Delete within an atomic transaction.
type BatchTx interface {
	Put(key string, value []byte) error
	Delete(key string) error
}

// Batch runs fn atomically when s supports it, and sequentially otherwise.
func Batch(s DurableStore, fn func(tx BatchTx) error) error {
	if b, ok := s.(Batcher); ok {
		return b.Batch(fn)
	}
	return fn(s)
}
