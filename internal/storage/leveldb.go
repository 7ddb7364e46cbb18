package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// expiryPrefixLen is the size of the big-endian unix-nano expiry stored
// ahead of every value.
const expiryPrefixLen = 8

// LevelDBStore persists records in a goleveldb database. Writes are synced
// so a completed Put survives a crash.
type LevelDBStore struct {
	db     *leveldb.DB
	logger *pkg.Logger
	closed atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// OpenLevelDB opens (or creates) the database at path. A corrupted
// database is recovered before giving up.
func OpenLevelDB(path string, logger *pkg.Logger) (*LevelDBStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create leveldb directory %s: %w", path, err)
	}

	log := logger.WithFields(pkg.Fields{"component": "leveldb", "path": path})

	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfExist: false})
	if lerrors.IsCorrupted(err) {
		log.Warn().Err(err).Msg("LevelDB corrupted, attempting recovery")
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}

	log.Info().Msg("LevelDB opened")
	return &LevelDBStore{db: db, logger: log}, nil
}

func encodeEntry(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, expiryPrefixLen+len(value))
	var nanos int64
	if !expiresAt.IsZero() {
		nanos = expiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	copy(buf[expiryPrefixLen:], value)
	return buf
}

func decodeEntry(raw []byte) (Entry, error) {
	if len(raw) < expiryPrefixLen {
		return Entry{}, pkg.ErrCorruptEntry
	}
	var e Entry
	if nanos := int64(binary.BigEndian.Uint64(raw)); nanos != 0 {
		e.ExpiresAt = time.Unix(0, nanos)
	}
	e.Value = copyBytes(raw[expiryPrefixLen:])
	return e, nil
}

func (s *LevelDBStore) check(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if s.closed.Load() {
		return pkg.ErrStorageUnavailable
	}
	return nil
}

// Put stores value under key until expiresAt.
func (s *LevelDBStore) Put(ctx context.Context, key hash.ID, value []byte, expiresAt time.Time) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.db.Put(key[:], encodeEntry(value, expiresAt), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	s.sets.Add(1)
	return nil
}

// Get returns the live entry under key, deleting it if it has expired.
func (s *LevelDBStore) Get(ctx context.Context, key hash.ID) (Entry, error) {
	if err := s.check(ctx); err != nil {
		return Entry{}, err
	}

	raw, err := s.db.Get(key[:], nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		s.misses.Add(1)
		return Entry{}, pkg.ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("leveldb get: %w", err)
	}

	e, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, err
	}
	if e.Expired(time.Now()) {
		if err := s.deleteIfExpired(key); err != nil {
			s.logger.Warn().Err(err).Str("key", key.Short()).Msg("Failed to delete expired entry")
		}
		s.misses.Add(1)
		return Entry{}, pkg.ErrKeyNotFound
	}

	s.hits.Add(1)
	return e, nil
}

// deleteIfExpired re-reads key inside a transaction and deletes it only if
// the stored entry is still expired. A Put that refreshed the key after the
// caller's read survives.
func (s *LevelDBStore) deleteIfExpired(key hash.ID) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()

	raw, err := tr.Get(key[:], nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e, err := decodeEntry(raw); err == nil && !e.Expired(time.Now()) {
		return nil
	}
	if err := tr.Delete(key[:], nil); err != nil {
		return err
	}
	if err := tr.Commit(); err != nil {
		return err
	}
	s.evictions.Add(1)
	return nil
}

// Extend moves the expiry of the live entry under key to expiresAt. The
// read, check and write-back run in one transaction so a concurrent Put of
// a new value is never overwritten with the old one. An expiry is never
// shortened.
func (s *LevelDBStore) Extend(ctx context.Context, key hash.ID, expiresAt time.Time) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("leveldb transaction: %w", err)
	}
	defer tr.Discard()

	raw, err := tr.Get(key[:], nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return pkg.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("leveldb get: %w", err)
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return err
	}
	if e.Expired(time.Now()) {
		return pkg.ErrKeyNotFound
	}
	if e.ExpiresAt.IsZero() || !expiresAt.After(e.ExpiresAt) {
		return nil
	}

	if err := tr.Put(key[:], encodeEntry(e.Value, expiresAt), nil); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	if err := tr.Commit(); err != nil {
		return fmt.Errorf("leveldb commit: %w", err)
	}
	s.sets.Add(1)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *LevelDBStore) Delete(ctx context.Context, key hash.ID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.db.Delete(key[:], &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb delete: %w", err)
	}
	s.deletes.Add(1)
	return nil
}

// SweepExpired deletes every expired entry in one batch and returns the keys.
func (s *LevelDBStore) SweepExpired(ctx context.Context) ([]hash.ID, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	var removed []hash.ID
	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(nil, nil)
	for iter.Next() {
		key, err := hash.FromBytes(iter.Key())
		if err != nil {
			continue
		}
		e, err := decodeEntry(iter.Value())
		if err != nil || e.Expired(now) {
			batch.Delete(iter.Key())
			removed = append(removed, key)
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}

	if batch.Len() > 0 {
		if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
			return nil, fmt.Errorf("leveldb sweep: %w", err)
		}
	}

	s.evictions.Add(int64(len(removed)))
	return removed, nil
}

// Keys returns the keys of all live entries.
func (s *LevelDBStore) Keys(ctx context.Context) ([]hash.ID, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	var keys []hash.ID

	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key, err := hash.FromBytes(iter.Key())
		if err != nil {
			continue
		}
		e, err := decodeEntry(iter.Value())
		if err != nil || e.Expired(now) {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}
	return keys, nil
}

// Stats returns operation counters. Entries counts every stored key,
// expired or not.
func (s *LevelDBStore) Stats() Stats {
	entries := 0
	if !s.closed.Load() {
		iter := s.db.NewIterator(nil, nil)
		for iter.Next() {
			entries++
		}
		iter.Release()
	}

	return Stats{
		Entries:   entries,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
