package kademlia

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/internal/config"
	"github.com/vazonhub/rhizome/internal/identity"
	"github.com/vazonhub/rhizome/internal/storage"
	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

func TestNewNode(t *testing.T) {
	ident, err := identity.Generate()
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     *config.Config
		ident   *identity.Identity
		store   Store
		logger  *pkg.Logger
		wantErr string
	}{
		{name: "valid", cfg: testConfig(), ident: ident, store: storage.NewMemoryStore(), logger: pkg.Nop()},
		{name: "nil config", ident: ident, store: storage.NewMemoryStore(), logger: pkg.Nop(), wantErr: "config cannot be nil"},
		{name: "nil identity", cfg: testConfig(), store: storage.NewMemoryStore(), logger: pkg.Nop(), wantErr: "identity cannot be nil"},
		{name: "nil store", cfg: testConfig(), ident: ident, logger: pkg.Nop(), wantErr: "store cannot be nil"},
		{name: "nil logger", cfg: testConfig(), ident: ident, store: storage.NewMemoryStore(), wantErr: "logger cannot be nil"},
		{
			name: "invalid config",
			cfg: func() *config.Config {
				c := testConfig()
				c.K = 0
				return c
			}(),
			ident:   ident,
			store:   storage.NewMemoryStore(),
			logger:  pkg.Nop(),
			wantErr: "invalid config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := NewNode(tt.cfg, tt.ident, tt.store, tt.logger)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer n.Shutdown()
			assert.Equal(t, ident.ID(), n.ID())
			assert.Equal(t, 0, n.RoutingSnapshot().PeerCount)
		})
	}
}

func TestNodeStartRequiresRemote(t *testing.T) {
	ident, err := identity.Generate()
	require.NoError(t, err)
	n, err := NewNode(testConfig(), ident, storage.NewMemoryStore(), pkg.Nop())
	require.NoError(t, err)

	assert.Error(t, n.Start())
	n.SetRemote(newSimNetwork())
	assert.NoError(t, n.Start())

	require.NoError(t, n.Shutdown())
	assert.True(t, n.IsShutdown())
	assert.NoError(t, n.Shutdown(), "shutdown is idempotent")
	assert.ErrorIs(t, n.Start(), ErrNodeShutdown)

	_, err = n.LookupNode(context.Background(), hash.Random())
	assert.ErrorIs(t, err, ErrNodeShutdown)
}

func TestStoreAndLookupRoundTrip(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()

	var nodes []*Node
	for i := 0; i < 4; i++ {
		nodes = append(nodes, net.addNode(t, cfg))
	}
	mesh(nodes...)

	ctx := context.Background()
	key := hash.HashString("greeting")
	value := []byte("hello, rhizome")

	outcome, err := nodes[0].Store(ctx, key, value, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReplicationComplete, outcome.Status)
	assert.Equal(t, 3, outcome.Targets)
	assert.Equal(t, 3, outcome.Acked)
	assert.Equal(t, 2, outcome.Quorum)

	for i, n := range nodes {
		rec, err := n.LookupValue(ctx, key)
		require.NoError(t, err, "node %d", i)
		assert.Equal(t, value, rec.Value)
		assert.WithinDuration(t, time.Now().Add(time.Hour), rec.ExpiresAt, 5*time.Second)
	}

	t.Run("remote lookup from a non-holder", func(t *testing.T) {
		reader := net.addNode(t, cfg)
		introduce(reader, nodes[1])

		rec, err := reader.LookupValue(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, value, rec.Value)
		assert.False(t, holds(t, reader, key), "lookups do not cache")
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := nodes[3].LookupValue(ctx, hash.HashString("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecordExpiry(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.MinTTL = time.Second

	a := net.addNode(t, cfg)
	b := net.addNode(t, cfg)
	mesh(a, b)

	ctx := context.Background()
	key := hash.HashString("ephemeral")
	_, err := a.Store(ctx, key, []byte("v"), time.Second)
	require.NoError(t, err)
	require.True(t, holds(t, b, key))

	time.Sleep(1200 * time.Millisecond)

	for _, n := range []*Node{a, b} {
		_, err := n.LookupValue(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	}

	require.NoError(t, a.sweepExpired(ctx))
	keys, err := a.store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		size    int
		ttl     time.Duration
		wantErr error
	}{
		{
			name: "ttl over a three day cap",
			mutate: func(c *config.Config) {
				c.MaxTTL = 3 * 24 * time.Hour
			},
			size:    10,
			ttl:     400000 * time.Second,
			wantErr: ErrInvalidRecord,
		},
		{name: "ttl one second over the default cap", size: 10, ttl: 30*24*time.Hour + time.Second, wantErr: ErrInvalidRecord},
		{name: "ttl within the default cap", size: 10, ttl: 400000 * time.Second},
		{name: "ttl below minimum", size: 10, ttl: time.Second, wantErr: ErrInvalidRecord},
		{name: "value at limit", size: 64 * 1024, ttl: time.Hour},
		{name: "value over limit", size: 64*1024 + 1, ttl: time.Hour, wantErr: ErrInvalidRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			net := newSimNetwork()
			a := net.addNode(t, cfg)
			b := net.addNode(t, cfg)
			mesh(a, b)

			key := hash.HashString(tt.name)
			value := bytes.Repeat([]byte{'x'}, tt.size)

			_, err := a.Store(ctx, key, value, tt.ttl)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, holds(t, a, key), "rejected records are not stored locally")

				// The same record pushed straight to a peer is rejected there too.
				peer := NewPeer(b.ID(), b.Address())
				assert.ErrorIs(t, a.storeAt(ctx, peer, key, value, tt.ttl), ErrInvalidRecord)
				assert.False(t, holds(t, b, key))
				return
			}
			require.NoError(t, err)
			assert.True(t, holds(t, a, key))
			assert.True(t, holds(t, b, key))
		})
	}
}

// Node A knows exactly two peers, both of which return no closer peers.
func TestLookupStopsWhenNoCloserPeer(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.Alpha = 2
	cfg.K = 3

	a := net.addNode(t, cfg)
	p1 := net.addNode(t, cfg)
	p2 := net.addNode(t, cfg)
	introduce(a, p1)
	introduce(a, p2)

	res, err := a.iterativeLookup(context.Background(), hash.HashString("target"), false, cfg.K)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rounds)
	assert.True(t, res.Converged)

	var got []hash.ID
	for _, p := range res.Peers {
		got = append(got, p.ID)
	}
	assert.ElementsMatch(t, []hash.ID{p1.ID(), p2.ID()}, got)
}

// sortedIdentities returns count identities ordered from farthest to
// closest to target.
func sortedIdentities(t *testing.T, target hash.ID, count int) []*identity.Identity {
	t.Helper()
	var idents []*identity.Identity
	for i := 0; i < count; i++ {
		ident, err := identity.Generate()
		require.NoError(t, err)
		idents = append(idents, ident)
	}
	sort.Slice(idents, func(i, j int) bool {
		return hash.Closer(target, idents[j].ID(), idents[i].ID())
	})
	return idents
}

func TestLookupConvergesAcrossHops(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()

	// A line of nodes, each knowing only its neighbours and each closer to
	// the target than the one before.
	target := hash.HashString("destination")
	var nodes []*Node
	for _, ident := range sortedIdentities(t, target, 8) {
		nodes = append(nodes, net.addNodeWithIdentity(t, cfg, ident))
	}
	for i := 0; i+1 < len(nodes); i++ {
		introduce(nodes[i], nodes[i+1])
		introduce(nodes[i+1], nodes[i])
	}

	last := nodes[len(nodes)-1]
	peers, err := nodes[0].LookupNode(context.Background(), last.ID())
	require.NoError(t, err)
	require.NotEmpty(t, peers)
	assert.Equal(t, last.ID(), peers[0].ID)
	assert.Greater(t, nodes[0].routes.Size(), 1, "lookup responders are learned")
}

// Each node of the chain only knows the next, strictly closer one, so every
// round produces a closer peer and only the round cap ends the lookup.
func TestLookupRoundCap(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.Alpha = 1
	cfg.MaxLookupRounds = 4

	target := hash.HashString("far away")
	requester := net.addNode(t, cfg)
	var chain []*Node
	for _, ident := range sortedIdentities(t, target, 10) {
		chain = append(chain, net.addNodeWithIdentity(t, cfg, ident))
	}
	for i := 0; i+1 < len(chain); i++ {
		introduce(chain[i], chain[i+1])
	}
	introduce(requester, chain[0])

	res, err := requester.iterativeLookup(context.Background(), target, false, cfg.K)
	require.NoError(t, err, "the cap yields best-effort results")
	assert.Equal(t, 4, res.Rounds)
	assert.False(t, res.Converged)
	require.NotEmpty(t, res.Peers)
	assert.Equal(t, chain[4].ID(), res.Peers[0].ID)
	assert.Zero(t, net.sentTo(chain[5].Address()))
}

func TestLookupTimedOutPeer(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond

	a := net.addNode(t, cfg)
	slow := net.addNode(t, cfg)
	good := net.addNode(t, cfg)
	introduce(a, slow)
	introduce(a, good)
	net.set(net.slow, slow.Address(), true)

	start := time.Now()
	peers, err := a.LookupNode(context.Background(), hash.HashString("anything"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, peers, 1)
	assert.Equal(t, good.ID(), peers[0].ID)

	p, ok := a.routes.Get(slow.ID())
	require.True(t, ok, "a timeout alone does not evict")
	assert.Equal(t, 1, p.FailedPings)
}

// The closest seed is down. Its failure must not become the convergence
// baseline, or the closer peer learned from the other seed is never asked.
func TestLookupContinuesPastFailedClosestSeed(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.Alpha = 2
	ctx := context.Background()

	key := hash.HashString("one hop behind a dead peer")
	idents := sortedIdentities(t, key, 4)
	requester := net.addNodeWithIdentity(t, cfg, idents[0])
	far := net.addNodeWithIdentity(t, cfg, idents[1])
	holder := net.addNodeWithIdentity(t, cfg, idents[2])
	dead := net.addNodeWithIdentity(t, cfg, idents[3])

	introduce(requester, dead)
	introduce(requester, far)
	introduce(far, holder)
	net.set(net.down, dead.Address(), true)
	require.NoError(t, holder.store.Put(ctx, key, []byte("found it"), time.Now().Add(time.Hour)))

	res, err := requester.iterativeLookup(ctx, key, true, cfg.K)
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, []byte("found it"), res.Record.Value)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 1, net.sentTo(holder.Address()))

	t.Run("node lookup reaches the closer peer too", func(t *testing.T) {
		peers, err := requester.LookupNode(ctx, key)
		require.NoError(t, err)
		require.NotEmpty(t, peers)
		assert.Equal(t, holder.ID(), peers[0].ID)
	})
}

func TestLookupCancelled(t *testing.T) {
	net := newSimNetwork()
	a := net.addNode(t, testConfig())
	b := net.addNode(t, testConfig())
	introduce(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.LookupNode(ctx, hash.Random())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLookupDeadline(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.LookupTimeout = 100 * time.Millisecond
	cfg.RequestTimeout = time.Second

	a := net.addNode(t, cfg)
	slow := net.addNode(t, cfg)
	introduce(a, slow)
	net.set(net.slow, slow.Address(), true)

	start := time.Now()
	peers, err := a.LookupNode(context.Background(), hash.Random())
	require.NoError(t, err, "deadline yields best-effort results")
	assert.Empty(t, peers)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestAuthenticationFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("tampered reply is rejected", func(t *testing.T) {
		net := newSimNetwork()
		a := net.addNode(t, testConfig())
		b := net.addNode(t, testConfig())
		net.set(net.tamper, b.Address(), true)

		err := a.Ping(ctx, NewPeer(b.ID(), b.Address()))
		assert.ErrorIs(t, err, ErrAuthentication)
		_, ok := a.routes.Get(b.ID())
		assert.False(t, ok)
	})

	t.Run("reply from unexpected identity", func(t *testing.T) {
		net := newSimNetwork()
		a := net.addNode(t, testConfig())
		b := net.addNode(t, testConfig())

		err := a.Ping(ctx, NewPeer(hash.HashString("someone else"), b.Address()))
		assert.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("inbound bad signature leaves routing untouched", func(t *testing.T) {
		net := newSimNetwork()
		a := net.addNode(t, testConfig())
		sender, err := identity.Generate()
		require.NoError(t, err)

		env := wire.NewRequest(wire.TypePing, nil)
		env.Sign(sender, "sim-evil:1")
		env.Payload = []byte("changed after signing")

		_, err = a.HandleEnvelope(ctx, env)
		assert.ErrorIs(t, err, ErrAuthentication)
		assert.Equal(t, 0, a.routes.Size())
	})

	t.Run("inbound forged sender id", func(t *testing.T) {
		net := newSimNetwork()
		a := net.addNode(t, testConfig())
		sender, err := identity.Generate()
		require.NoError(t, err)

		env := wire.NewRequest(wire.TypePing, nil)
		env.Sign(sender, "sim-evil:1")
		env.SenderID = hash.HashString("impersonated")

		_, err = a.HandleEnvelope(ctx, env)
		assert.ErrorIs(t, err, ErrAuthentication)
		assert.Equal(t, 0, a.routes.Size())
	})

	t.Run("stale timestamp", func(t *testing.T) {
		net := newSimNetwork()
		a := net.addNode(t, testConfig())
		sender, err := identity.Generate()
		require.NoError(t, err)

		env := wire.NewRequest(wire.TypePing, nil)
		env.Timestamp = time.Now().Add(-time.Hour).UnixNano()
		env.Sign(sender, "sim-evil:1")

		_, err = a.HandleEnvelope(ctx, env)
		assert.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("valid inbound adds sender", func(t *testing.T) {
		net := newSimNetwork()
		a := net.addNode(t, testConfig())
		sender, err := identity.Generate()
		require.NoError(t, err)

		env := wire.NewRequest(wire.TypePing, nil)
		env.Sign(sender, "sim-friend:1")

		reply, err := a.HandleEnvelope(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, wire.TypePong, reply.Type)
		assert.Equal(t, env.CorrelationID, reply.CorrelationID)
		assert.NoError(t, reply.Verify())

		p, ok := a.routes.Get(sender.ID())
		require.True(t, ok)
		assert.Equal(t, "sim-friend:1", p.Address)
	})
}

func TestHandleFindNodeExcludesRequester(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	a := net.addNode(t, cfg)
	var others []*Node
	for i := 0; i < 5; i++ {
		n := net.addNode(t, cfg)
		others = append(others, n)
		introduce(a, n)
	}

	requester := others[0]
	peers, err := requester.findNode(context.Background(), NewPeer(a.ID(), a.Address()), requester.ID())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(peers), cfg.K)
	for _, p := range peers {
		assert.NotEqual(t, requester.ID(), p.ID)
	}
}

func TestHandleRejectsResponseTypes(t *testing.T) {
	net := newSimNetwork()
	a := net.addNode(t, testConfig())
	sender, err := identity.Generate()
	require.NoError(t, err)

	env := wire.NewRequest(wire.TypePong, nil)
	env.Sign(sender, "sim-x:1")

	_, err = a.HandleEnvelope(context.Background(), env)
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestBootstrap(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.K = 6

	seed := net.addNode(t, cfg)
	var existing []*Node
	for i := 0; i < 4; i++ {
		existing = append(existing, net.addNode(t, cfg))
	}
	mesh(append(existing, seed)...)

	ctx := context.Background()
	joiner := net.addNode(t, cfg)
	require.NoError(t, joiner.Bootstrap(ctx, []string{seed.Address()}))

	_, ok := joiner.routes.Get(seed.ID())
	assert.True(t, ok)
	_, ok = seed.routes.Get(joiner.ID())
	assert.True(t, ok, "the seed learns the joiner from its requests")

	peers, err := joiner.LookupNode(ctx, existing[0].ID())
	require.NoError(t, err)
	require.NotEmpty(t, peers)
	assert.Equal(t, existing[0].ID(), peers[0].ID)
	assert.Greater(t, joiner.routes.Size(), 1)

	t.Run("unreachable", func(t *testing.T) {
		lonely := net.addNode(t, cfg)
		err := lonely.Bootstrap(ctx, []string{"sim-nowhere:1"})
		assert.Error(t, err)
	})
}

func TestRefreshRemovesFailingPeers(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.MaxFailedPings = 2

	a := net.addNode(t, cfg)
	dead := net.addNode(t, cfg)
	alive := net.addNode(t, cfg)
	introduce(a, dead)
	introduce(a, alive)
	net.set(net.down, dead.Address(), true)

	a.routes.RecordFailure(dead.ID())
	a.routes.RecordFailure(dead.ID())
	a.routes.RecordFailure(alive.ID())
	a.routes.RecordFailure(alive.ID())

	require.NoError(t, a.refresh(context.Background()))

	_, ok := a.routes.Get(dead.ID())
	assert.False(t, ok)
	p, ok := a.routes.Get(alive.ID())
	require.True(t, ok)
	assert.Equal(t, 0, p.FailedPings)
}

func TestRefreshReBootstrapsEmptyTable(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()

	seed := net.addNode(t, cfg)
	cfg2 := testConfig()
	cfg2.BootstrapNodes = []string{seed.Address()}
	a := net.addNode(t, cfg2)

	require.NoError(t, a.refresh(context.Background()))
	_, ok := a.routes.Get(seed.ID())
	assert.True(t, ok)
}

type recordingBroadcaster struct {
	events chan Event
}

func (r *recordingBroadcaster) BroadcastEvent(event any) error {
	ev, ok := event.(Event)
	if !ok {
		return errors.New("unexpected event type")
	}
	select {
	case r.events <- ev:
	default:
	}
	return nil
}

func TestNodeEmitsEvents(t *testing.T) {
	net := newSimNetwork()
	a := net.addNode(t, testConfig())
	b := net.addNode(t, testConfig())

	rec := &recordingBroadcaster{events: make(chan Event, 16)}
	a.SetBroadcaster(rec)

	introduce(a, b)
	_, err := a.Store(context.Background(), hash.HashString("k"), []byte("v"), time.Hour)
	require.NoError(t, err)

	var types []string
	for len(rec.events) > 0 {
		ev := <-rec.events
		assert.Equal(t, a.ID().String(), ev.NodeID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventPeerAdded, EventRecordStored, EventReplication}, types)
}
