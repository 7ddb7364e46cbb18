package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// engine is the surface both stores share.
type engine interface {
	Put(ctx context.Context, key hash.ID, value []byte, expiresAt time.Time) error
	Get(ctx context.Context, key hash.ID) (Entry, error)
	Extend(ctx context.Context, key hash.ID, expiresAt time.Time) error
	Delete(ctx context.Context, key hash.ID) error
	SweepExpired(ctx context.Context) ([]hash.ID, error)
	Keys(ctx context.Context) ([]hash.ID, error)
	Stats() Stats
	Close() error
}

func testLogger(t *testing.T) *pkg.Logger {
	cfg := pkg.DefaultConfig()
	cfg.Console.Enable = false
	logger, err := pkg.New(cfg)
	require.NoError(t, err)
	return logger
}

func engines(t *testing.T) map[string]func() engine {
	return map[string]func() engine{
		"memory": func() engine { return NewMemoryStore() },
		"leveldb": func() engine {
			s, err := OpenLevelDB(t.TempDir(), testLogger(t))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStorePutGet(t *testing.T) {
	ctx := context.Background()

	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			key := hash.HashString("thread:1:meta")
			expires := time.Now().Add(time.Hour)

			_, err := s.Get(ctx, key)
			assert.ErrorIs(t, err, pkg.ErrKeyNotFound)

			require.NoError(t, s.Put(ctx, key, []byte("hello"), expires))

			e, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), e.Value)
			assert.Equal(t, expires.UnixNano(), e.ExpiresAt.UnixNano())

			// Returned values are copies.
			e.Value[0] = 'X'
			again, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), again.Value)

			require.NoError(t, s.Delete(ctx, key))
			require.NoError(t, s.Delete(ctx, key), "delete is idempotent")
			_, err = s.Get(ctx, key)
			assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
		})
	}
}

func TestStoreExpiry(t *testing.T) {
	ctx := context.Background()

	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			live := hash.HashString("live")
			dead := hash.HashString("dead")
			lazy := hash.HashString("lazy")

			require.NoError(t, s.Put(ctx, live, []byte("a"), time.Now().Add(time.Hour)))
			require.NoError(t, s.Put(ctx, dead, []byte("b"), time.Now().Add(-time.Second)))
			require.NoError(t, s.Put(ctx, lazy, []byte("c"), time.Now().Add(-time.Second)))

			_, err := s.Get(ctx, lazy)
			assert.ErrorIs(t, err, pkg.ErrKeyNotFound, "expired entries are never returned")

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []hash.ID{live}, keys)

			removed, err := s.SweepExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, []hash.ID{dead}, removed)

			removed, err = s.SweepExpired(ctx)
			require.NoError(t, err)
			assert.Empty(t, removed)

			_, err = s.Get(ctx, live)
			assert.NoError(t, err)
		})
	}
}

func TestStoreExtend(t *testing.T) {
	ctx := context.Background()

	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			key := hash.HashString("hot")
			now := time.Now()
			require.NoError(t, s.Put(ctx, key, []byte("v"), now.Add(time.Hour)))

			require.NoError(t, s.Extend(ctx, key, now.Add(2*time.Hour)))
			e, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), e.Value)
			assert.WithinDuration(t, now.Add(2*time.Hour), e.ExpiresAt, time.Millisecond)

			require.NoError(t, s.Extend(ctx, key, now.Add(time.Minute)))
			e, err = s.Get(ctx, key)
			require.NoError(t, err)
			assert.WithinDuration(t, now.Add(2*time.Hour), e.ExpiresAt, time.Millisecond, "never shortened")

			assert.ErrorIs(t, s.Extend(ctx, hash.HashString("missing"), now.Add(time.Hour)), pkg.ErrKeyNotFound)

			lapsed := hash.HashString("lapsed")
			require.NoError(t, s.Put(ctx, lapsed, []byte("v"), now.Add(-time.Second)))
			assert.ErrorIs(t, s.Extend(ctx, lapsed, now.Add(time.Hour)), pkg.ErrKeyNotFound)
		})
	}
}

func TestStoreExtendKeepsConcurrentPut(t *testing.T) {
	ctx := context.Background()

	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			key := hash.HashString("contended")
			for i := 0; i < 50; i++ {
				require.NoError(t, s.Put(ctx, key, []byte("old"), time.Now().Add(time.Hour)))

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					_ = s.Extend(ctx, key, time.Now().Add(2*time.Hour))
				}()
				go func() {
					defer wg.Done()
					_ = s.Put(ctx, key, []byte("new"), time.Now().Add(time.Hour))
				}()
				wg.Wait()

				e, err := s.Get(ctx, key)
				require.NoError(t, err)
				require.Equal(t, []byte("new"), e.Value, "iteration %d", i)
			}
		})
	}
}

func TestLevelDBLazyDeleteKeepsRefreshedEntry(t *testing.T) {
	ctx := context.Background()
	s, err := OpenLevelDB(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	key := hash.HashString("refreshed")
	require.NoError(t, s.Put(ctx, key, []byte("stale"), time.Now().Add(-time.Second)))

	// A reader saw the stale entry, then a writer refreshed it before the
	// reader's delete ran.
	require.NoError(t, s.Put(ctx, key, []byte("fresh"), time.Now().Add(time.Hour)))
	require.NoError(t, s.deleteIfExpired(key))

	e, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), e.Value)

	require.NoError(t, s.Put(ctx, key, []byte("stale"), time.Now().Add(-time.Second)))
	require.NoError(t, s.deleteIfExpired(key))
	assert.Zero(t, s.Stats().Entries)
}

func TestStoreClosed(t *testing.T) {
	ctx := context.Background()

	for name, open := range engines(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			require.NoError(t, s.Close())
			require.NoError(t, s.Close(), "close is idempotent")

			key := hash.HashString("k")
			assert.ErrorIs(t, s.Put(ctx, key, []byte("v"), time.Time{}), pkg.ErrStorageUnavailable)
			_, err := s.Get(ctx, key)
			assert.ErrorIs(t, err, pkg.ErrStorageUnavailable)
			_, err = s.SweepExpired(ctx)
			assert.ErrorIs(t, err, pkg.ErrStorageUnavailable)
			assert.ErrorIs(t, s.Extend(ctx, key, time.Now()), pkg.ErrStorageUnavailable)
		})
	}
}

func TestStoreCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemoryStore()
	defer s.Close()

	assert.ErrorIs(t, s.Put(ctx, hash.HashString("k"), nil, time.Time{}), pkg.ErrContextCanceled)
	_, err := s.Keys(ctx)
	assert.ErrorIs(t, err, pkg.ErrContextCanceled)
}

func TestLevelDBSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := hash.HashString("durable")

	s, err := OpenLevelDB(dir, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, key, []byte("persisted"), time.Now().Add(time.Hour)))
	require.NoError(t, s.Close())

	reopened, err := OpenLevelDB(dir, testLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	e, err := reopened.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), e.Value)
}

func TestMemoryStoreConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := hash.HashKey([]byte{byte(i)})
			for j := 0; j < 100; j++ {
				_ = s.Put(ctx, key, []byte{byte(j)}, time.Now().Add(time.Minute))
				_, _ = s.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	stats := s.Stats()
	assert.Equal(t, 16, stats.Entries)
	assert.Equal(t, int64(1600), stats.Sets)
	assert.Equal(t, int64(1600), stats.Hits)
}
