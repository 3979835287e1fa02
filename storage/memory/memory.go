// Package memory provides a thread-safe in-memory implementation of storage.DurableStore.
package memory

import (
	"slices"
	"strings"
	"sync"

	"github.com/schoolhub/sessionkeeper/storage"
)

// Store is a thread-safe in-memory implementation of storage.DurableStore.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var (
	_ storage.DurableStore = (*Store)(nil)
	_ storage.Batcher      = (*Store)(nil)
)

// New creates a new empty in-memory Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (s *Store) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = slices.Clone(value)
	return nil
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// memTx stages writes so a failing batch leaves the store untouched.
type memTx struct {
	puts    map[string][]byte
	deletes map[string]struct{}
}

func (tx *memTx) Put(key string, value []byte) error {
	delete(tx.deletes, key)
	tx.puts[key] = slices.Clone(value)
	return nil
}

func (tx *memTx) Delete(key string) error {
	delete(tx.puts, key)
	tx.deletes[key] = struct{}{}
	return nil
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{puts: make(map[string][]byte), deletes: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(s.data, k)
	}
	for k, v := range tx.puts {
		s.data[k] = v
	}
	return nil
}
