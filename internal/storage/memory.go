package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// MemoryStore keeps records in a map. It is safe for concurrent use.
// Expired entries are removed lazily on read and by SweepExpired.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[hash.ID]Entry
	closed atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[hash.ID]Entry),
	}
}

// Put stores value under key until expiresAt, replacing any previous entry.
func (ms *MemoryStore) Put(ctx context.Context, key hash.ID, value []byte, expiresAt time.Time) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if ms.closed.Load() {
		return pkg.ErrStorageUnavailable
	}

	e := Entry{Value: copyBytes(value), ExpiresAt: expiresAt}

	ms.mu.Lock()
	if ms.data == nil {
		ms.mu.Unlock()
		return pkg.ErrStorageUnavailable
	}
	ms.data[key] = e
	ms.mu.Unlock()

	ms.sets.Add(1)
	return nil
}

// Get returns the live entry under key.
// Returns pkg.ErrKeyNotFound if the key doesn't exist or has expired.
func (ms *MemoryStore) Get(ctx context.Context, key hash.ID) (Entry, error) {
	if err := checkContext(ctx); err != nil {
		return Entry{}, err
	}
	if ms.closed.Load() {
		return Entry{}, pkg.ErrStorageUnavailable
	}

	ms.mu.RLock()
	e, exists := ms.data[key]
	ms.mu.RUnlock()

	if !exists {
		ms.misses.Add(1)
		return Entry{}, pkg.ErrKeyNotFound
	}

	if e.Expired(time.Now()) {
		ms.mu.Lock()
		// Re-check: a concurrent Put may have refreshed it.
		if cur, ok := ms.data[key]; ok && cur.Expired(time.Now()) {
			delete(ms.data, key)
			ms.evictions.Add(1)
		}
		ms.mu.Unlock()

		ms.misses.Add(1)
		return Entry{}, pkg.ErrKeyNotFound
	}

	ms.hits.Add(1)
	return Entry{Value: copyBytes(e.Value), ExpiresAt: e.ExpiresAt}, nil
}

// Extend moves the expiry of the live entry under key to expiresAt, keeping
// whatever value is current. An expiry is never shortened.
// Returns pkg.ErrKeyNotFound if the key doesn't exist or has expired.
func (ms *MemoryStore) Extend(ctx context.Context, key hash.ID, expiresAt time.Time) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if ms.closed.Load() {
		return pkg.ErrStorageUnavailable
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.data[key]
	if !ok || e.Expired(time.Now()) {
		return pkg.ErrKeyNotFound
	}
	if e.ExpiresAt.IsZero() || !expiresAt.After(e.ExpiresAt) {
		return nil
	}
	e.ExpiresAt = expiresAt
	ms.data[key] = e
	return nil
}

// Delete removes key. No error is returned if the key doesn't exist.
func (ms *MemoryStore) Delete(ctx context.Context, key hash.ID) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if ms.closed.Load() {
		return pkg.ErrStorageUnavailable
	}

	ms.mu.Lock()
	delete(ms.data, key)
	ms.mu.Unlock()

	ms.deletes.Add(1)
	return nil
}

// SweepExpired removes every expired entry and returns the removed keys.
func (ms *MemoryStore) SweepExpired(ctx context.Context) ([]hash.ID, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if ms.closed.Load() {
		return nil, pkg.ErrStorageUnavailable
	}

	now := time.Now()
	var removed []hash.ID

	ms.mu.Lock()
	for key, e := range ms.data {
		if e.Expired(now) {
			delete(ms.data, key)
			removed = append(removed, key)
		}
	}
	ms.mu.Unlock()

	ms.evictions.Add(int64(len(removed)))
	return removed, nil
}

// Keys returns the keys of all live entries.
func (ms *MemoryStore) Keys(ctx context.Context) ([]hash.ID, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if ms.closed.Load() {
		return nil, pkg.ErrStorageUnavailable
	}

	now := time.Now()

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	keys := make([]hash.ID, 0, len(ms.data))
	for key, e := range ms.data {
		if !e.Expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Stats returns current storage statistics.
func (ms *MemoryStore) Stats() Stats {
	ms.mu.RLock()
	entries := len(ms.data)
	ms.mu.RUnlock()

	return Stats{
		Entries:   entries,
		Hits:      ms.hits.Load(),
		Misses:    ms.misses.Load(),
		Sets:      ms.sets.Load(),
		Deletes:   ms.deletes.Load(),
		Evictions: ms.evictions.Load(),
	}
}

// Close releases the store. Further calls return pkg.ErrStorageUnavailable.
func (ms *MemoryStore) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil
	}

	ms.mu.Lock()
	ms.data = nil
	ms.mu.Unlock()
	return nil
}
