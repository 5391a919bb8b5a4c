package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// runStoreSuite exercises the transactional contract shared by all backends.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.Put("suite/a", record{Name: "a", Count: 1})
		}))
		var got record
		require.NoError(t, s.View(ctx, func(tx Tx) error { return tx.Get("suite/a", &got) }))
		assert.Equal(t, record{Name: "a", Count: 1}, got)
	})

	t.Run("missing key", func(t *testing.T) {
		err := s.View(ctx, func(tx Tx) error {
			var r record
			return tx.Get("suite/missing", &r)
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("error discards staged writes", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Update(ctx, func(tx Tx) error {
			if err := tx.Put("suite/a", record{Name: "changed"}); err != nil {
				return err
			}
			if err := tx.Put("suite/b", record{Name: "b"}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			var a record
			require.NoError(t, tx.Get("suite/a", &a))
			assert.Equal(t, "a", a.Name)
			var b record
			assert.ErrorIs(t, tx.Get("suite/b", &b), ErrNotFound)
			return nil
		}))
	})

	t.Run("reads see own writes", func(t *testing.T) {
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			require.NoError(t, tx.Put("suite/own", record{Count: 7}))
			var r record
			require.NoError(t, tx.Get("suite/own", &r))
			assert.Equal(t, 7, r.Count)
			return nil
		}))
	})

	t.Run("scan is prefix bounded and ordered", func(t *testing.T) {
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			for _, k := range []string{"scan/c", "scan/a", "scan/b", "scanx/z"} {
				if err := tx.Put(k, record{Name: k}); err != nil {
					return err
				}
			}
			return nil
		}))
		var keys []string
		require.NoError(t, s.View(ctx, func(tx Tx) error {
			return tx.Scan("scan/", func(key string, raw []byte) error {
				var r record
				require.NoError(t, Decode(raw, &r))
				assert.Equal(t, key, r.Name)
				keys = append(keys, key)
				return nil
			})
		}))
		assert.Equal(t, []string{"scan/a", "scan/b", "scan/c"}, keys)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			require.NoError(t, tx.Delete("scan/b"))
			return tx.Delete("scan/never-existed")
		}))
		var keys []string
		require.NoError(t, s.View(ctx, func(tx Tx) error {
			return tx.Scan("scan/", func(key string, _ []byte) error {
				keys = append(keys, key)
				return nil
			})
		}))
		assert.Equal(t, []string{"scan/a", "scan/c"}, keys)
	})

	t.Run("view rejects writes", func(t *testing.T) {
		err := s.View(ctx, func(tx Tx) error { return tx.Put("suite/ro", record{}) })
		assert.Error(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStore_ScanSeesStagedWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.Put("p/1", record{Count: 1}) }))

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		require.NoError(t, tx.Put("p/2", record{Count: 2}))
		require.NoError(t, tx.Delete("p/1"))
		var counts []int
		require.NoError(t, tx.Scan("p/", func(_ string, raw []byte) error {
			var r record
			if err := Decode(raw, &r); err != nil {
				return err
			}
			counts = append(counts, r.Count)
			return nil
		}))
		assert.Equal(t, []int{2}, counts)
		return nil
	}))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().Update(ctx, func(Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadger("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Ping())
	runStoreSuite(t, s)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.Put("k", record{Name: "durable"}) }))
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var got record
	require.NoError(t, s.View(ctx, func(tx Tx) error { return tx.Get("k", &got) }))
	assert.Equal(t, "durable", got.Name)
}
