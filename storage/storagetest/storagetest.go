// Package storagetest provides a conformance suite for storage.DurableStore
// implementations.
package storagetest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolhub/sessionkeeper/storage"
)

// Run exercises the common DurableStore contract against store.
func Run(t *testing.T, store storage.DurableStore) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, store.Put("accessToken", []byte("tok-1")))
		got, err := store.Get("accessToken")
		require.NoError(t, err)
		assert.Equal(t, []byte("tok-1"), got)

		// Returned slices must not alias stored data.
		got[0] = 'X'
		again, err := store.Get("accessToken")
		require.NoError(t, err)
		assert.Equal(t, []byte("tok-1"), again)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get("no-such-key")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.Put("refreshToken", []byte("v1")))
		require.NoError(t, store.Put("refreshToken", []byte("v2")))
		got, err := store.Get("refreshToken")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put("tmp", []byte("x")))
		require.NoError(t, store.Delete("tmp"))
		_, err := store.Get("tmp")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		assert.NoError(t, store.Delete("never-existed"))
	})

	t.Run("ListPrefix", func(t *testing.T) {
		require.NoError(t, store.Put("attendance:c2:2025-01-02", []byte("b")))
		require.NoError(t, store.Put("attendance:c1:2025-01-01", []byte("a")))
		require.NoError(t, store.Put("attendanceX", []byte("nope")))
		keys, err := store.List("attendance:")
		require.NoError(t, err)
		assert.Equal(t, []string{"attendance:c1:2025-01-01", "attendance:c2:2025-01-02"}, keys)

		keys, err = store.List("missing:")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Batch", func(t *testing.T) {
		require.NoError(t, store.Put("b-old", []byte("1")))
		err := storage.Batch(store, func(tx storage.BatchTx) error {
			if err := tx.Put("b-new", []byte("2")); err != nil {
				return err
			}
			return tx.Delete("b-old")
		})
		require.NoError(t, err)
		_, err = store.Get("b-old")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		got, err := store.Get("b-new")
		require.NoError(t, err)
		assert.Equal(t, "2", string(got))
	})

	if _, ok := store.(storage.Batcher); ok {
		t.Run("BatchRollback", func(t *testing.T) {
			boom := errors.New("boom")
			err := storage.Batch(store, func(tx storage.BatchTx) error {
				if err := tx.Put("rolled-back", []byte("x")); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)
			_, err = store.Get("rolled-back")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}
