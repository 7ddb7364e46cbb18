package kademlia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vazonhub/rhizome/internal/config"
	"github.com/vazonhub/rhizome/internal/identity"
	"github.com/vazonhub/rhizome/internal/metrics"
	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// Node is a single participant in the DHT. It owns the routing table, the
// local store, popularity bookkeeping and the replication engine.
type Node struct {
	identity *identity.Identity
	self     hash.ID

	address string
	addrMu  sync.RWMutex

	config *config.Config
	logger *pkg.Logger

	store      Store
	routes     *RoutingTable
	popularity *PopularityTracker
	replicator *Replicator

	// Remote client for outbound requests
	remote RemoteClient

	// Bounds concurrently handled inbound requests
	inbound *semaphore.Weighted

	broadcaster EventBroadcaster
	eventsMu    sync.RWMutex

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	shutdown   bool
	shutdownMu sync.RWMutex
}

// NewNode creates a node with the given identity and store. The node takes
// ownership of store and closes it on Shutdown.
func NewNode(cfg *config.Config, ident *identity.Identity, store Store, logger *pkg.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if ident == nil {
		return nil, fmt.Errorf("identity cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	self := ident.ID()
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		identity: ident,
		self:     self,
		address:  cfg.Address(),
		config:   cfg,
		logger:   logger.WithFields(pkg.Fields{"node_id": self.Short()}),
		store:    store,
		inbound:  semaphore.NewWeighted(cfg.MaxConcurrentReqs),
		ctx:      ctx,
		cancel:   cancel,
	}

	n.routes = NewRoutingTable(self, cfg.K, n, cfg.PingTimeout, n.logger)
	n.routes.OnChange(n.onRoutingChange)
	n.popularity = NewPopularityTracker(cfg, store, n.logger)
	n.popularity.OnExtend(func(key hash.ID, expiresAt time.Time) {
		n.emit(Event{Type: EventTTLExtended, Key: key.String(), ExpiresAt: expiresAt.Unix()})
	})
	n.popularity.OnDrop(func(key hash.ID) {
		n.replicator.Forget(key)
		n.emit(Event{Type: EventRecordDropped, Key: key.String()})
	})
	n.replicator = NewReplicator(n)

	n.logger.Info().
		Str("address", n.address).
		Str("node_id", self.String()).
		Int("k", cfg.K).
		Int("alpha", cfg.Alpha).
		Msg("Node created")

	return n, nil
}

// ID returns the node's identifier.
func (n *Node) ID() hash.ID {
	return n.self
}

// Address returns the address advertised to peers.
func (n *Node) Address() string {
	n.addrMu.RLock()
	defer n.addrMu.RUnlock()
	return n.address
}

// SetAddress overrides the advertised address, e.g. once an ephemeral port is bound.
func (n *Node) SetAddress(addr string) {
	n.addrMu.Lock()
	n.address = addr
	n.addrMu.Unlock()
}

// SetRemote sets the client used for outbound requests.
func (n *Node) SetRemote(remote RemoteClient) {
	n.remote = remote
}

// SetBroadcaster sets the sink for node events.
func (n *Node) SetBroadcaster(b EventBroadcaster) {
	n.eventsMu.Lock()
	n.broadcaster = b
	n.eventsMu.Unlock()
}

// Routes exposes the routing table.
func (n *Node) Routes() Router {
	return n.routes
}

// Popularity exposes the popularity tracker.
func (n *Node) Popularity() *PopularityTracker {
	return n.popularity
}

// RoutingSnapshot returns a point-in-time view of the routing table.
func (n *Node) RoutingSnapshot() RoutingSnapshot {
	return n.routes.Snapshot()
}

func (n *Node) onRoutingChange(event string, p Peer) {
	switch event {
	case RoutingPeerAdded:
		n.emit(Event{Type: EventPeerAdded, Peer: p.ID.String()})
	case RoutingPeerEvicted, RoutingPeerRemoved:
		n.emit(Event{Type: EventPeerEvicted, Peer: p.ID.String()})
	}
}

// Start launches the maintenance loops. It is safe to call once.
func (n *Node) Start() error {
	if n.IsShutdown() {
		return ErrNodeShutdown
	}
	if n.remote == nil {
		return fmt.Errorf("remote client not set")
	}
	if n.started {
		return nil
	}
	n.started = true
	n.startBackgroundTasks()

	n.logger.Info().Str("address", n.Address()).Msg("Node started")
	return nil
}

// Bootstrap pings each address, adds the responders to the routing table and
// then looks up the node's own id to populate nearby buckets. It fails only
// if no bootstrap address answered.
func (n *Node) Bootstrap(ctx context.Context, addrs []string) error {
	if n.IsShutdown() {
		return ErrNodeShutdown
	}
	if len(addrs) == 0 {
		return nil
	}

	reached := 0
	for _, addr := range addrs {
		if addr == "" || addr == n.Address() {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, n.config.PingTimeout)
		err := n.Ping(pctx, Peer{Address: addr})
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Str("address", addr).Msg("Bootstrap node unreachable")
			continue
		}
		reached++
	}
	if reached == 0 {
		return fmt.Errorf("no bootstrap node reachable out of %d", len(addrs))
	}

	if _, err := n.LookupNode(ctx, n.self); err != nil {
		return fmt.Errorf("self lookup failed: %w", err)
	}

	n.logger.Info().
		Int("bootstrap_nodes", reached).
		Int("peers", n.routes.Size()).
		Msg("Bootstrap complete")
	return nil
}

// startBackgroundTasks starts all periodic maintenance loops.
func (n *Node) startBackgroundTasks() {
	n.runEvery("refresh", n.refreshTick(), n.refresh)
	n.runEvery("expiry", n.config.ExpirySweepInterval, n.sweepExpired)
	n.runEvery("replication", n.config.ReplicationInterval, n.replicate)
	n.runEvery("popularity", n.config.PopularityInterval, n.tickPopularity)

	n.logger.Debug().Msg("Background tasks started")
}

// refreshTick checks buckets several times per refresh interval so a bucket
// goes stale for at most a fraction more than the interval.
func (n *Node) refreshTick() time.Duration {
	tick := n.config.RefreshInterval / 4
	if tick < time.Second {
		tick = time.Second
	}
	return tick
}

func (n *Node) runEvery(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-n.ctx.Done():
				n.logger.Debug().Str("loop", name).Msg("Maintenance loop stopped")
				return
			case <-ticker.C:
				if err := fn(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
					n.logger.Error().Err(err).Str("loop", name).Msg("Maintenance task failed")
				}
			}
		}
	}()
}

// refresh looks up a random id in every stale bucket and retires peers that
// keep failing.
func (n *Node) refresh(ctx context.Context) error {
	if n.routes.Size() == 0 && len(n.config.BootstrapNodes) > 0 {
		return n.Bootstrap(ctx, n.config.BootstrapNodes)
	}

	for _, idx := range n.routes.StaleBuckets(n.config.RefreshInterval) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		target := n.routes.RandomIDInBucket(idx)
		if _, err := n.LookupNode(ctx, target); err != nil {
			n.logger.Debug().Err(err).Int("bucket", idx).Msg("Bucket refresh failed")
		}
	}

	for _, p := range n.routes.Peers() {
		if p.FailedPings < n.config.MaxFailedPings {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, n.config.PingTimeout)
		err := n.Ping(pctx, p)
		cancel()
		if err != nil && ctx.Err() == nil {
			n.routes.Remove(p.ID)
			n.logger.Info().
				Str("peer", p.ID.Short()).
				Int("failed_pings", p.FailedPings).
				Msg("Removed unresponsive peer")
		}
	}
	return nil
}

func (n *Node) sweepExpired(ctx context.Context) error {
	removed, err := n.store.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, key := range removed {
		n.replicator.Forget(key)
	}
	if len(removed) > 0 {
		metrics.RecordsExpired.Add(float64(len(removed)))
		n.logger.Debug().Int("count", len(removed)).Msg("Expired records removed")
	}
	return nil
}

func (n *Node) replicate(ctx context.Context) error {
	_, err := n.replicator.Sweep(ctx)
	return err
}

func (n *Node) tickPopularity(ctx context.Context) error {
	_, err := n.popularity.Tick(ctx)
	return err
}

// Store validates and stores a record locally, then pushes it to the peers
// closest to key. A Degraded outcome still returns a nil error.
func (n *Node) Store(ctx context.Context, key hash.ID, value []byte, ttl time.Duration) (ReplicationOutcome, error) {
	outcome := ReplicationOutcome{Key: key, Status: ReplicationFailed}
	if n.IsShutdown() {
		return outcome, ErrNodeShutdown
	}
	if err := n.validateRecord(len(value), ttl); err != nil {
		return outcome, err
	}

	expiresAt := time.Now().Add(ttl)
	if err := n.store.Put(ctx, key, value, expiresAt); err != nil {
		return outcome, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	n.popularity.Track(key)

	n.logger.Debug().
		Str("key", key.Short()).
		Int("size", len(value)).
		Dur("ttl", ttl).
		Msg("Stored record locally")
	n.emit(Event{Type: EventRecordStored, Key: key.String(), ExpiresAt: expiresAt.Unix()})

	outcome, err := n.replicator.Replicate(ctx, key, value, expiresAt)
	n.emit(Event{Type: EventReplication, Key: key.String(), Replication: &outcome})
	return outcome, err
}

// LookupValue returns the record for key, from the local store if held,
// otherwise via an iterative FIND_VALUE lookup.
func (n *Node) LookupValue(ctx context.Context, key hash.ID) (*Record, error) {
	if n.IsShutdown() {
		return nil, ErrNodeShutdown
	}

	entry, err := n.store.Get(ctx, key)
	switch {
	case err == nil:
		score := n.popularity.Hit(key)
		return &Record{Key: key, Value: entry.Value, ExpiresAt: entry.ExpiresAt, Popularity: score}, nil
	case errors.Is(err, pkg.ErrKeyNotFound):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	res, err := n.iterativeLookup(ctx, key, true, n.config.K)
	if err != nil {
		return nil, err
	}
	if res.Record == nil {
		return nil, ErrNotFound
	}
	return res.Record, nil
}

// LookupNode returns the k closest live peers to target found by an
// iterative FIND_NODE lookup.
func (n *Node) LookupNode(ctx context.Context, target hash.ID) ([]Peer, error) {
	if n.IsShutdown() {
		return nil, ErrNodeShutdown
	}
	res, err := n.iterativeLookup(ctx, target, false, n.config.K)
	if err != nil {
		return nil, err
	}
	return res.Peers, nil
}

// validateRecord applies the size and TTL limits shared by local and
// remote stores.
func (n *Node) validateRecord(size int, ttl time.Duration) error {
	if size > n.config.MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes exceeds %d", ErrInvalidRecord, size, n.config.MaxValueSize)
	}
	if ttl < n.config.MinTTL || ttl > n.config.MaxTTL {
		return fmt.Errorf("%w: ttl %s outside [%s, %s]", ErrInvalidRecord, ttl, n.config.MinTTL, n.config.MaxTTL)
	}
	return nil
}

// Shutdown stops background work, cancels pending liveness checks and closes the store.
func (n *Node) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("Shutting down node")

	n.cancel()
	n.wg.Wait()
	n.routes.Close()

	if err := n.store.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Failed to close storage")
		return fmt.Errorf("close storage: %w", err)
	}

	n.logger.Info().Msg("Node shutdown complete")
	return nil
}

// IsShutdown reports whether Shutdown has been called.
func (n *Node) IsShutdown() bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	return n.shutdown
}

// PopularKeys returns up to n keys ranked by popularity.
func (n *Node) PopularKeys(limit int) []PopularKey {
	return n.popularity.Top(limit)
}
