package kvstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/notibot/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func exerciseStore(t *testing.T, s types.KVStore) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "b", "2"))
	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "b", "two"))

	v, ok, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", v)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Remove(ctx, "a"))
	require.NoError(t, s.Remove(ctx, "never-set"))
	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)

	require.NoError(t, s.Set(ctx, "empty", ""))
	v, ok, err = s.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", v)

	require.NoError(t, s.Clear(ctx))
	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openTestStore(t))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "counter", "7"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "7", v)
}

func TestTurnLockSerializes(t *testing.T) {
	lock := NewTurnLock()
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Set(ctx, "n", "0"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, lock.Acquire(ctx)) {
				return
			}
			defer lock.Release()
			v, _, _ := s.Get(ctx, "n")
			time.Sleep(time.Millisecond)
			s.Set(ctx, "n", v+"x")
		}()
	}
	wg.Wait()

	v, _, _ := s.Get(ctx, "n")
	assert.Equal(t, 21, len(v))
}

func TestTurnLockAcquireHonorsContext(t *testing.T) {
	lock := NewTurnLock()
	require.NoError(t, lock.Acquire(context.Background()))
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lock.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTurnLockGenerations(t *testing.T) {
	lock := NewTurnLock()
	plain := context.Background()
	pinned := lock.Pin(plain)
	assert.False(t, lock.Stale(pinned))

	require.NoError(t, lock.Acquire(plain))
	lock.Advance()
	lock.Release()

	assert.True(t, lock.Stale(pinned))
	assert.False(t, lock.Stale(plain), "unpinned contexts are never stale")
	assert.False(t, lock.Stale(lock.Pin(plain)))
}
