package kademlia

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vazonhub/rhizome/internal/config"
	"github.com/vazonhub/rhizome/internal/metrics"
	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

type popularityEntry struct {
	hits       uint64
	score      float64
	lastAccess time.Time
	lastDecay  time.Time // start of the current decay window
	factor     int
}

// decay applies one DecayFactor multiplication per whole window elapsed.
// Within a window the score never goes down.
func (e *popularityEntry) decay(now time.Time, window time.Duration, factor float64) {
	steps := int(now.Sub(e.lastDecay) / window)
	if steps <= 0 {
		return
	}
	e.score *= math.Pow(factor, float64(steps))
	e.lastDecay = e.lastDecay.Add(time.Duration(steps) * window)
}

// PopularKey is one entry of the popularity ranking.
type PopularKey struct {
	Key        string    `json:"key"`
	Score      float64   `json:"score"`
	Hits       uint64    `json:"hits"`
	LastAccess time.Time `json:"last_access"`
	Factor     int       `json:"replication_factor"`
}

// TickStats summarises one maintenance tick.
type TickStats struct {
	Extended int
	Boosted  int
	Dropped  int
}

// PopularityTracker scores keys by access frequency with time decay. Popular
// keys get longer TTLs and a higher replication factor; cold keys whose
// records have lapsed are forgotten.
type PopularityTracker struct {
	mu      sync.Mutex
	entries map[hash.ID]*popularityEntry

	store  Store
	logger *pkg.Logger
	now    func() time.Time

	k               int
	popularFactor   int
	window          time.Duration
	decayFactor     float64
	extendThreshold float64
	popularThresh   float64
	floor           float64
	extension       float64
	maxTTL          time.Duration

	onExtend func(key hash.ID, expiresAt time.Time)
	onDrop   func(key hash.ID)
}

// NewPopularityTracker creates a tracker over store.
func NewPopularityTracker(cfg *config.Config, store Store, logger *pkg.Logger) *PopularityTracker {
	if logger == nil {
		logger = pkg.Nop()
	}
	return &PopularityTracker{
		entries:         make(map[hash.ID]*popularityEntry),
		store:           store,
		logger:          logger.Component("popularity"),
		now:             time.Now,
		k:               cfg.K,
		popularFactor:   cfg.PopularReplicationFactor,
		window:          cfg.DecayWindow,
		decayFactor:     cfg.DecayFactor,
		extendThreshold: cfg.ExtendThreshold,
		popularThresh:   cfg.PopularThreshold,
		floor:           cfg.ScoreFloor,
		extension:       cfg.TTLExtensionFactor,
		maxTTL:          cfg.MaxTTL,
	}
}

// OnExtend registers a hook called after a record's TTL is extended.
func (pt *PopularityTracker) OnExtend(fn func(key hash.ID, expiresAt time.Time)) {
	pt.onExtend = fn
}

// OnDrop registers a hook called after a cold record is dropped.
func (pt *PopularityTracker) OnDrop(fn func(key hash.ID)) {
	pt.onDrop = fn
}

func (pt *PopularityTracker) entry(key hash.ID, now time.Time) *popularityEntry {
	e, ok := pt.entries[key]
	if !ok {
		e = &popularityEntry{lastAccess: now, lastDecay: now, factor: pt.k}
		pt.entries[key] = e
	}
	return e
}

// Track starts tracking key without counting an access.
func (pt *PopularityTracker) Track(key hash.ID) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.entry(key, pt.now())
}

// Hit records one access to key and returns its new score.
func (pt *PopularityTracker) Hit(key hash.ID) float64 {
	now := pt.now()

	pt.mu.Lock()
	defer pt.mu.Unlock()

	e := pt.entry(key, now)
	e.decay(now, pt.window, pt.decayFactor)
	e.hits++
	e.score++
	e.lastAccess = now
	return e.score
}

// Score returns the current decayed score of key.
func (pt *PopularityTracker) Score(key hash.ID) (float64, bool) {
	now := pt.now()

	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, ok := pt.entries[key]
	if !ok {
		return 0, false
	}
	e.decay(now, pt.window, pt.decayFactor)
	return e.score, true
}

// ReplicationFactor returns the replica count for key as of the last tick.
func (pt *PopularityTracker) ReplicationFactor(key hash.ID) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if e, ok := pt.entries[key]; ok && e.factor > pt.k {
		return e.factor
	}
	return pt.k
}

// Forget stops tracking key.
func (pt *PopularityTracker) Forget(key hash.ID) {
	pt.mu.Lock()
	delete(pt.entries, key)
	pt.mu.Unlock()
}

// Len returns the number of tracked keys.
func (pt *PopularityTracker) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.entries)
}

// Top returns up to n keys ranked by score, highest first.
func (pt *PopularityTracker) Top(n int) []PopularKey {
	now := pt.now()

	pt.mu.Lock()
	out := make([]PopularKey, 0, len(pt.entries))
	for key, e := range pt.entries {
		e.decay(now, pt.window, pt.decayFactor)
		out = append(out, PopularKey{
			Key:        key.String(),
			Score:      e.score,
			Hits:       e.hits,
			LastAccess: e.lastAccess,
			Factor:     max(e.factor, pt.k),
		})
	}
	pt.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Tick decays every score, extends TTLs of hot records, raises replication
// factors of popular keys and drops cold keys whose records have lapsed.
func (pt *PopularityTracker) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	now := pt.now()

	var extend, drop []hash.ID
	pt.mu.Lock()
	for key, e := range pt.entries {
		e.decay(now, pt.window, pt.decayFactor)
		switch {
		case e.score >= pt.popularThresh:
			if e.factor != pt.popularFactor {
				stats.Boosted++
			}
			e.factor = pt.popularFactor
		default:
			e.factor = pt.k
		}
		if e.score >= pt.extendThreshold {
			extend = append(extend, key)
		}
		if e.score < pt.floor {
			drop = append(drop, key)
		}
	}
	pt.mu.Unlock()

	for _, key := range extend {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ok, err := pt.extend(ctx, key, now)
		if err != nil {
			return stats, err
		}
		if ok {
			stats.Extended++
		}
	}

	for _, key := range drop {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ok, err := pt.drop(ctx, key)
		if err != nil {
			return stats, err
		}
		if ok {
			stats.Dropped++
		}
	}

	if stats.Extended+stats.Boosted+stats.Dropped > 0 {
		pt.logger.Debug().
			Int("extended", stats.Extended).
			Int("boosted", stats.Boosted).
			Int("dropped", stats.Dropped).
			Msg("Popularity tick")
	}
	return stats, nil
}

// extend grows the remaining TTL of key, capped at now+MaxTTL.
func (pt *PopularityTracker) extend(ctx context.Context, key hash.ID, now time.Time) (bool, error) {
	entry, err := pt.store.Get(ctx, key)
	if errors.Is(err, pkg.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	remaining := entry.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return false, nil
	}
	expiresAt := now.Add(time.Duration(float64(remaining) * (1 + pt.extension)))
	if ceiling := now.Add(pt.maxTTL); expiresAt.After(ceiling) {
		expiresAt = ceiling
	}
	if !expiresAt.After(entry.ExpiresAt) {
		return false, nil
	}

	err = pt.store.Extend(ctx, key, expiresAt)
	if errors.Is(err, pkg.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.TTLExtensions.Inc()
	if pt.onExtend != nil {
		pt.onExtend(key, expiresAt)
	}
	return true, nil
}

// drop removes key when its record has lapsed and it is still cold.
func (pt *PopularityTracker) drop(ctx context.Context, key hash.ID) (bool, error) {
	_, err := pt.store.Get(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pkg.ErrKeyNotFound) {
		return false, err
	}

	pt.mu.Lock()
	e, ok := pt.entries[key]
	if !ok || e.score >= pt.floor {
		pt.mu.Unlock()
		return false, nil
	}
	delete(pt.entries, key)
	pt.mu.Unlock()

	if err := pt.store.Delete(ctx, key); err != nil {
		return false, err
	}
	metrics.RecordsExpired.Inc()
	if pt.onDrop != nil {
		pt.onDrop(key)
	}
	return true, nil
}
