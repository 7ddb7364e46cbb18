package kademlia

import (
	"context"
	"time"

	"github.com/vazonhub/rhizome/internal/storage"
	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// RemoteClient delivers a signed envelope to address and returns the reply.
// Implementations honour ctx for the delivery timeout and map transport
// failures onto ErrTimeout, ErrAuthentication and ErrRateLimited.
type RemoteClient interface {
	Send(ctx context.Context, address string, env *wire.Envelope) (*wire.Envelope, error)
}

// Store is the local record store the node reads and writes.
// Get returns pkg.ErrKeyNotFound for absent or expired keys. Extend moves a
// live key's expiry later without touching its value, atomically with
// respect to Put.
type Store interface {
	Put(ctx context.Context, key hash.ID, value []byte, expiresAt time.Time) error
	Get(ctx context.Context, key hash.ID) (storage.Entry, error)
	Extend(ctx context.Context, key hash.ID, expiresAt time.Time) error
	Delete(ctx context.Context, key hash.ID) error
	SweepExpired(ctx context.Context) ([]hash.ID, error)
	Keys(ctx context.Context) ([]hash.ID, error)
	Close() error
}

// Compile-time checks for the bundled engines.
var (
	_ Store = (*storage.MemoryStore)(nil)
	_ Store = (*storage.LevelDBStore)(nil)
)

// Pinger checks liveness of a peer for ping-before-evict.
type Pinger interface {
	Ping(ctx context.Context, peer Peer) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, peer Peer) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context, peer Peer) error {
	return f(ctx, peer)
}

// Router is the routing table surface used by protocol handlers.
type Router interface {
	Insert(peer Peer) InsertResult
	Remove(id hash.ID) bool
	Touch(id hash.ID, rtt time.Duration) bool
	RecordFailure(id hash.ID) int
	Closest(target hash.ID, count int) []Peer
	Get(id hash.ID) (Peer, bool)
	StaleBuckets(olderThan time.Duration) []int
	Peers() []Peer
	Size() int
	Snapshot() RoutingSnapshot
}
