package kademlia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vazonhub/rhizome/internal/metrics"
	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// Replicator pushes records to the peers closest to their keys and remembers
// which peers acknowledged which expiry, so periodic sweeps only re-send
// what a peer is missing.
type Replicator struct {
	node   *Node
	logger *pkg.Logger

	mu      sync.Mutex
	holders map[hash.ID]map[hash.ID]time.Time // key -> peer -> acked expiry
}

// NewReplicator creates a replicator driven by node.
func NewReplicator(node *Node) *Replicator {
	return &Replicator{
		node:    node,
		logger:  node.logger.Component("replication"),
		holders: make(map[hash.ID]map[hash.ID]time.Time),
	}
}

// factor returns the number of replicas wanted for key.
func (r *Replicator) factor(key hash.ID) int {
	return max(r.node.config.K, r.node.popularity.ReplicationFactor(key))
}

// Quorum returns the acknowledgements needed out of targets replicas.
func Quorum(factor, targets int) int {
	return min(factor, targets)/2 + 1
}

// Replicate stores the record on the closest peers to key. It returns
// ErrReplicationFailed only when every target failed; fewer acks than a
// quorum yields a Degraded outcome with a nil error.
func (r *Replicator) Replicate(ctx context.Context, key hash.ID, value []byte, expiresAt time.Time) (ReplicationOutcome, error) {
	factor := r.factor(key)
	res, err := r.node.iterativeLookup(ctx, key, false, factor)
	if err != nil {
		return ReplicationOutcome{Key: key, Status: ReplicationFailed}, err
	}

	outcome := r.push(ctx, key, value, expiresAt, res.Peers, factor)
	metrics.ReplicationOutcomes.WithLabelValues(string(outcome.Status)).Inc()

	r.logger.Debug().
		Str("key", key.Short()).
		Str("status", string(outcome.Status)).
		Int("targets", outcome.Targets).
		Int("acked", outcome.Acked).
		Int("quorum", outcome.Quorum).
		Msg("Replication finished")

	if outcome.Status == ReplicationFailed {
		return outcome, fmt.Errorf("%w: 0 of %d targets acknowledged", ErrReplicationFailed, outcome.Targets)
	}
	return outcome, nil
}

// push sends STOREs to targets in parallel, bounded by ReplicationWorkers.
// No new STORE starts once ctx is done; ones already in flight finish on
// their own timeout.
func (r *Replicator) push(ctx context.Context, key hash.ID, value []byte, expiresAt time.Time, targets []Peer, factor int) ReplicationOutcome {
	outcome := ReplicationOutcome{Key: key, Targets: len(targets)}
	if len(targets) == 0 {
		outcome.Status = ReplicationLocalOnly
		return outcome
	}
	outcome.Quorum = Quorum(factor, len(targets))

	workers := r.node.config.ReplicationWorkers
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(workers)

	var (
		g     errgroup.Group
		acked atomic.Int64
	)
	for _, p := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := r.storeWithRetry(ctx, p, key, value, expiresAt); err != nil {
				r.logger.Debug().
					Err(err).
					Str("key", key.Short()).
					Str("peer", p.ID.Short()).
					Msg("Replica STORE failed")
				return nil
			}
			acked.Add(1)
			r.markHeld(key, p.ID, expiresAt)
			return nil
		})
	}
	_ = g.Wait()

	outcome.Acked = int(acked.Load())
	outcome.Failed = outcome.Targets - outcome.Acked
	switch {
	case outcome.Acked >= outcome.Quorum:
		outcome.Status = ReplicationComplete
	case outcome.Acked > 0:
		outcome.Status = ReplicationDegraded
	default:
		outcome.Status = ReplicationFailed
	}
	return outcome
}

// storeWithRetry sends one STORE, retrying transient failures with
// exponential backoff. Rejections and auth failures are not retried.
func (r *Replicator) storeWithRetry(ctx context.Context, peer Peer, key hash.ID, value []byte, expiresAt time.Time) error {
	cfg := r.node.config

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		ttl := time.Until(expiresAt)
		if ttl <= 0 {
			return backoff.Permanent(fmt.Errorf("%w: record expired before replication", ErrInvalidRecord))
		}

		// An attempt that has started runs to completion even if ctx is
		// cancelled meanwhile.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.RequestTimeout)
		defer cancel()

		err := r.node.storeAt(sctx, peer, key, value, ttl)
		if errors.Is(err, ErrInvalidRecord) || errors.Is(err, ErrAuthentication) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithMaxRetries(b, cfg.ReplicationRetries))
}

func (r *Replicator) markHeld(key, peer hash.ID, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.holders[key]
	if !ok {
		peers = make(map[hash.ID]time.Time)
		r.holders[key] = peers
	}
	peers[peer] = expiresAt
}

// holdsFresh reports whether peer acknowledged key with an expiry no earlier
// than expiresAt.
func (r *Replicator) holdsFresh(key, peer hash.ID, expiresAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	acked, ok := r.holders[key][peer]
	return ok && !acked.Before(expiresAt)
}

// Holders returns the peers known to hold a fresh copy of key.
func (r *Replicator) Holders(key hash.ID) []hash.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var out []hash.ID
	for id, exp := range r.holders[key] {
		if exp.After(now) {
			out = append(out, id)
		}
	}
	return out
}

// Forget drops holder bookkeeping for key.
func (r *Replicator) Forget(key hash.ID) {
	r.mu.Lock()
	delete(r.holders, key)
	r.mu.Unlock()
}

// retain drops bookkeeping for keys no longer in the store.
func (r *Replicator) retain(keys []hash.ID) {
	live := make(map[hash.ID]struct{}, len(keys))
	for _, k := range keys {
		live[k] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.holders {
		if _, ok := live[k]; !ok {
			delete(r.holders, k)
		}
	}
}

// SweepStats summarises one replication sweep.
type SweepStats struct {
	Keys     int
	Pushed   int
	Acked    int
	Degraded int
}

// Sweep re-pushes every live local record to current closest peers that do
// not already hold a fresh copy.
func (r *Replicator) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	cfg := r.node.config

	keys, err := r.node.store.Keys(ctx)
	if err != nil {
		return stats, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	r.retain(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		entry, err := r.node.store.Get(ctx, key)
		if errors.Is(err, pkg.ErrKeyNotFound) {
			r.Forget(key)
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		// Peers would reject a TTL below the minimum.
		if time.Until(entry.ExpiresAt) < cfg.MinTTL {
			continue
		}
		stats.Keys++

		factor := r.factor(key)
		res, err := r.node.iterativeLookup(ctx, key, false, factor)
		if err != nil {
			return stats, err
		}

		var targets []Peer
		for _, p := range res.Peers {
			if !r.holdsFresh(key, p.ID, entry.ExpiresAt) {
				targets = append(targets, p)
			}
		}
		if len(targets) == 0 {
			continue
		}

		outcome := r.push(ctx, key, entry.Value, entry.ExpiresAt, targets, factor)
		stats.Pushed += outcome.Targets
		stats.Acked += outcome.Acked
		if outcome.Status != ReplicationComplete {
			stats.Degraded++
		}
	}

	if stats.Pushed > 0 {
		r.logger.Info().
			Int("keys", stats.Keys).
			Int("pushed", stats.Pushed).
			Int("acked", stats.Acked).
			Int("degraded", stats.Degraded).
			Msg("Replication sweep finished")
	}
	return stats, nil
}
