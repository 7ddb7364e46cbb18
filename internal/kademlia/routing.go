package kademlia

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vazonhub/rhizome/internal/metrics"
	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// InsertResult reports what Insert did with a peer.
type InsertResult int

const (
	// InsertAdded means the peer was appended to a bucket with room.
	InsertAdded InsertResult = iota
	// InsertUpdated means the peer was already known and is now most recently seen.
	InsertUpdated
	// InsertPending means the bucket is full; the peer waits on a liveness check
	// of the least recently seen entry.
	InsertPending
	// InsertRejected means the peer can never be stored (self or no address).
	InsertRejected
)

func (r InsertResult) String() string {
	switch r {
	case InsertAdded:
		return "added"
	case InsertUpdated:
		return "updated"
	case InsertPending:
		return "pending"
	default:
		return "rejected"
	}
}

// Routing table change events passed to the change hook.
const (
	RoutingPeerAdded   = "peer_added"
	RoutingPeerEvicted = "peer_evicted"
	RoutingPeerRemoved = "peer_removed"
)

// bucket holds up to k peers ordered least to most recently seen.
type bucket struct {
	mu          sync.Mutex
	peers       []Peer
	lastTouched time.Time
	probing     bool
	replacement *Peer
}

func (b *bucket) indexOf(id hash.ID) int {
	for i := range b.peers {
		if b.peers[i].ID == id {
			return i
		}
	}
	return -1
}

// moveToBack makes peers[i] the most recently seen entry.
func (b *bucket) moveToBack(i int) {
	p := b.peers[i]
	copy(b.peers[i:], b.peers[i+1:])
	b.peers[len(b.peers)-1] = p
}

func (b *bucket) removeAt(i int) Peer {
	p := b.peers[i]
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	return p
}

// RoutingTable is a fixed array of hash.IDBits k-buckets, each with its own
// lock. Bucket i holds peers whose distance from self has i leading zero bits.
// Buckets never split, so at most k peers are kept per distance range.
type RoutingTable struct {
	self        hash.ID
	k           int
	pinger      Pinger
	pingTimeout time.Duration
	logger      *pkg.Logger

	buckets [hash.IDBits]bucket
	size    atomic.Int64

	onChange func(event string, peer Peer)

	ctx    context.Context
	cancel context.CancelFunc
	checks sync.WaitGroup
}

// Compile-time check
var _ Router = (*RoutingTable)(nil)

// NewRoutingTable creates an empty table for self with bucket capacity k.
func NewRoutingTable(self hash.ID, k int, pinger Pinger, pingTimeout time.Duration, logger *pkg.Logger) *RoutingTable {
	if logger == nil {
		logger = pkg.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := &RoutingTable{
		self:        self,
		k:           k,
		pinger:      pinger,
		pingTimeout: pingTimeout,
		logger:      logger.Component("routing"),
		ctx:         ctx,
		cancel:      cancel,
	}
	now := time.Now()
	for i := range rt.buckets {
		rt.buckets[i].lastTouched = now
	}
	return rt
}

// OnChange registers a hook for peer additions and evictions.
// It must be set before the table is shared.
func (rt *RoutingTable) OnChange(fn func(event string, peer Peer)) {
	rt.onChange = fn
}

func (rt *RoutingTable) notify(event string, p Peer) {
	metrics.RoutingEvents.WithLabelValues(event).Inc()
	if rt.onChange != nil {
		rt.onChange(event, p)
	}
}

// Self returns the local node id.
func (rt *RoutingTable) Self() hash.ID {
	return rt.self
}

// K returns the bucket capacity.
func (rt *RoutingTable) K() int {
	return rt.k
}

// Insert records that peer was seen. A full bucket triggers an asynchronous
// ping of its least recently seen entry; the newcomer is admitted only if
// that ping fails.
func (rt *RoutingTable) Insert(peer Peer) InsertResult {
	idx := hash.BucketIndex(rt.self, peer.ID)
	if idx < 0 || peer.Address == "" {
		return InsertRejected
	}
	now := time.Now()
	if peer.LastSeen.IsZero() {
		peer.LastSeen = now
	}

	b := &rt.buckets[idx]
	b.mu.Lock()

	if i := b.indexOf(peer.ID); i >= 0 {
		existing := &b.peers[i]
		existing.Address = peer.Address
		existing.LastSeen = now
		existing.FailedPings = 0
		b.moveToBack(i)
		b.lastTouched = now
		b.mu.Unlock()
		return InsertUpdated
	}

	if len(b.peers) < rt.k {
		b.peers = append(b.peers, peer)
		b.lastTouched = now
		b.mu.Unlock()

		rt.size.Add(1)
		metrics.RoutingPeers.Inc()
		rt.notify(RoutingPeerAdded, peer)
		rt.logger.Debug().Str("peer", peer.ID.Short()).Int("bucket", idx).Msg("Peer added")
		return InsertAdded
	}

	// Full. Keep the newest candidate waiting on the liveness check.
	candidate := peer
	b.replacement = &candidate
	if b.probing || rt.pinger == nil {
		b.mu.Unlock()
		return InsertPending
	}
	b.probing = true
	oldest := b.peers[0]
	b.mu.Unlock()

	metrics.RoutingEvents.WithLabelValues("liveness_check").Inc()
	rt.checks.Add(1)
	go rt.checkOldest(idx, oldest)
	return InsertPending
}

// checkOldest pings the least recently seen peer of a full bucket. No lock is held
// while the ping is in flight.
func (rt *RoutingTable) checkOldest(idx int, oldest Peer) {
	defer rt.checks.Done()

	ctx, cancel := context.WithTimeout(rt.ctx, rt.pingTimeout)
	err := rt.pinger.Ping(ctx, oldest)
	cancel()

	b := &rt.buckets[idx]
	b.mu.Lock()

	b.probing = false
	repl := b.replacement
	b.replacement = nil

	if rt.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}

	now := time.Now()
	pos := b.indexOf(oldest.ID)

	if err == nil {
		if pos >= 0 {
			b.peers[pos].LastSeen = now
			b.peers[pos].FailedPings = 0
			b.moveToBack(pos)
		}
		b.lastTouched = now
		b.mu.Unlock()

		rt.logger.Debug().
			Str("peer", oldest.ID.Short()).
			Int("bucket", idx).
			Msg("Oldest peer alive, newcomer dropped")
		return
	}

	var evicted *Peer
	if pos >= 0 {
		p := b.removeAt(pos)
		evicted = &p
	}
	var admitted *Peer
	if repl != nil && len(b.peers) < rt.k && b.indexOf(repl.ID) < 0 {
		repl.LastSeen = now
		b.peers = append(b.peers, *repl)
		admitted = repl
	}
	b.lastTouched = now
	b.mu.Unlock()

	if evicted != nil {
		rt.size.Add(-1)
		metrics.RoutingPeers.Dec()
		rt.notify(RoutingPeerEvicted, *evicted)
	}
	if admitted != nil {
		rt.size.Add(1)
		metrics.RoutingPeers.Inc()
		rt.notify(RoutingPeerAdded, *admitted)
	}

	rt.logger.Debug().
		Err(err).
		Str("evicted", oldest.ID.Short()).
		Bool("admitted", admitted != nil).
		Int("bucket", idx).
		Msg("Oldest peer failed liveness check")
}

// WaitLivenessChecks blocks until all in-flight liveness checks finish.
func (rt *RoutingTable) WaitLivenessChecks() {
	rt.checks.Wait()
}

// Close cancels outstanding liveness checks without mutating the table.
func (rt *RoutingTable) Close() {
	rt.cancel()
	rt.checks.Wait()
}

// Remove drops the peer with id. It reports whether a peer was removed.
func (rt *RoutingTable) Remove(id hash.ID) bool {
	idx := hash.BucketIndex(rt.self, id)
	if idx < 0 {
		return false
	}

	b := &rt.buckets[idx]
	b.mu.Lock()
	i := b.indexOf(id)
	if i < 0 {
		if b.replacement != nil && b.replacement.ID == id {
			b.replacement = nil
		}
		b.mu.Unlock()
		return false
	}
	p := b.removeAt(i)
	b.mu.Unlock()

	rt.size.Add(-1)
	metrics.RoutingPeers.Dec()
	rt.notify(RoutingPeerRemoved, p)
	return true
}

// Touch marks a known peer as seen now and folds rtt into its estimate.
func (rt *RoutingTable) Touch(id hash.ID, rtt time.Duration) bool {
	idx := hash.BucketIndex(rt.self, id)
	if idx < 0 {
		return false
	}

	b := &rt.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	now := time.Now()
	p := &b.peers[i]
	p.LastSeen = now
	p.FailedPings = 0
	if rtt > 0 {
		if p.RTT == 0 {
			p.RTT = rtt
		} else {
			p.RTT = (7*p.RTT + rtt) / 8
		}
	}
	b.moveToBack(i)
	b.lastTouched = now
	return true
}

// RecordFailure bumps the failure count of a known peer and returns it.
// It never evicts; eviction goes through the ping-before-evict path.
func (rt *RoutingTable) RecordFailure(id hash.ID) int {
	idx := hash.BucketIndex(rt.self, id)
	if idx < 0 {
		return 0
	}

	b := &rt.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(id)
	if i < 0 {
		return 0
	}
	b.peers[i].FailedPings++
	return b.peers[i].FailedPings
}

// Get returns the peer with id, if known.
func (rt *RoutingTable) Get(id hash.ID) (Peer, bool) {
	idx := hash.BucketIndex(rt.self, id)
	if idx < 0 {
		return Peer{}, false
	}

	b := &rt.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(id); i >= 0 {
		return b.peers[i], true
	}
	return Peer{}, false
}

// Closest returns up to count peers ordered by ascending XOR distance to
// target, ties broken by id.
func (rt *RoutingTable) Closest(target hash.ID, count int) []Peer {
	if count <= 0 {
		return nil
	}
	all := rt.Peers()
	sortByDistance(all, target)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Peers returns a copy of every peer in the table.
func (rt *RoutingTable) Peers() []Peer {
	out := make([]Peer, 0, rt.Size())
	for i := range rt.buckets {
		b := &rt.buckets[i]
		b.mu.Lock()
		out = append(out, b.peers...)
		b.mu.Unlock()
	}
	return out
}

// Size returns the number of peers in the table.
func (rt *RoutingTable) Size() int {
	return int(rt.size.Load())
}

// StaleBuckets returns the non-empty buckets not touched within olderThan.
func (rt *RoutingTable) StaleBuckets(olderThan time.Duration) []int {
	cutoff := time.Now().Add(-olderThan)
	var stale []int
	for i := range rt.buckets {
		b := &rt.buckets[i]
		b.mu.Lock()
		if len(b.peers) > 0 && b.lastTouched.Before(cutoff) {
			stale = append(stale, i)
		}
		b.mu.Unlock()
	}
	return stale
}

// RandomIDInBucket returns a random id that falls in bucket idx.
func (rt *RoutingTable) RandomIDInBucket(idx int) hash.ID {
	return hash.RandomInBucket(rt.self, idx)
}

// Snapshot summarises the table.
func (rt *RoutingTable) Snapshot() RoutingSnapshot {
	var snap RoutingSnapshot
	for i := range rt.buckets {
		b := &rt.buckets[i]
		b.mu.Lock()
		n := len(b.peers)
		touched := b.lastTouched
		b.mu.Unlock()

		if n == 0 {
			continue
		}
		snap.BucketCount++
		snap.PeerCount += n
		snap.Buckets = append(snap.Buckets, BucketInfo{Index: i, Peers: n, LastTouched: touched})
	}
	return snap
}

// sortByDistance orders peers by XOR distance to target, then by id.
func sortByDistance(peers []Peer, target hash.ID) {
	sort.Slice(peers, func(i, j int) bool {
		return hash.Closer(target, peers[i].ID, peers[j].ID)
	})
}
