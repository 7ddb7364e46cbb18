package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vazonhub/rhizome/internal/config"
	"github.com/vazonhub/rhizome/internal/identity"
	"github.com/vazonhub/rhizome/internal/kademlia"
	"github.com/vazonhub/rhizome/internal/storage"
	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

type testNode struct {
	node   *kademlia.Node
	server *GRPCServer
	client *GRPCClient
}

// startNode runs a node behind a gRPC server on an ephemeral port.
func startNode(t *testing.T, serverToken, clientToken string, limiter *PeerRateLimiter) *testNode {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.K = 3
	cfg.Alpha = 2
	cfg.RequestTimeout = time.Second
	cfg.PingTimeout = time.Second
	cfg.LookupTimeout = 3 * time.Second
	cfg.ReplicationRetries = 0

	ident, err := identity.Generate()
	require.NoError(t, err)
	node, err := kademlia.NewNode(cfg, ident, storage.NewMemoryStore(), pkg.Nop())
	require.NoError(t, err)

	server, err := NewGRPCServer(node, "127.0.0.1:0", serverToken, pkg.Nop())
	require.NoError(t, err)
	if limiter != nil {
		server.SetRateLimiter(limiter)
	}
	require.NoError(t, server.Start())
	node.SetAddress(server.Addr())

	client := NewGRPCClient(clientToken, cfg.RequestTimeout, pkg.Nop())
	node.SetRemote(client)

	t.Cleanup(func() {
		_ = server.Stop()
		_ = client.Close()
		_ = node.Shutdown()
	})
	return &testNode{node: node, server: server, client: client}
}

func TestNewGRPCServer(t *testing.T) {
	_, err := NewGRPCServer(nil, "127.0.0.1:0", "", pkg.Nop())
	assert.Error(t, err)

	tn := startNode(t, "", "", nil)
	_, err = NewGRPCServer(tn.node, "127.0.0.1:0", "", nil)
	assert.Error(t, err)

	assert.NotEqual(t, "127.0.0.1:0", tn.server.Addr(), "an ephemeral port is bound")
}

func TestNewGRPCClient_NilLogger(t *testing.T) {
	client := NewGRPCClient("", 5*time.Second, nil)
	assert.NotNil(t, client.logger)
	assert.Empty(t, client.connections)
	assert.NoError(t, client.Close())
}

func TestGRPCExchange(t *testing.T) {
	a := startNode(t, "", "", nil)
	b := startNode(t, "", "", nil)
	c := startNode(t, "", "", nil)
	ctx := context.Background()

	require.NoError(t, a.node.Bootstrap(ctx, []string{b.node.Address()}))
	require.NoError(t, c.node.Bootstrap(ctx, []string{b.node.Address()}))

	_, ok := b.node.Routes().Get(a.node.ID())
	assert.True(t, ok)

	key := hash.HashString("over the wire")
	outcome, err := a.node.Store(ctx, key, []byte("payload"), time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, kademlia.ReplicationLocalOnly, outcome.Status)

	rec, err := c.node.LookupValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), rec.Value)

	assert.Len(t, a.client.connections, 2, "one pooled connection per peer")
}

func TestGRPCAuthToken(t *testing.T) {
	ctx := context.Background()
	server := startNode(t, "secret", "secret", nil)

	t.Run("matching token", func(t *testing.T) {
		peer := startNode(t, "secret", "secret", nil)
		require.NoError(t, peer.node.Bootstrap(ctx, []string{server.node.Address()}))
	})

	t.Run("wrong token", func(t *testing.T) {
		peer := startNode(t, "", "wrong", nil)
		err := peer.node.Ping(ctx, kademlia.NewPeer(server.node.ID(), server.node.Address()))
		assert.ErrorIs(t, err, kademlia.ErrAuthentication)
	})

	t.Run("missing token", func(t *testing.T) {
		peer := startNode(t, "", "", nil)
		err := peer.node.Ping(ctx, kademlia.NewPeer(server.node.ID(), server.node.Address()))
		assert.ErrorIs(t, err, kademlia.ErrAuthentication)
	})
}

func TestGRPCRejectsUnsignedEnvelope(t *testing.T) {
	server := startNode(t, "", "", nil)
	client := NewGRPCClient("", time.Second, pkg.Nop())
	defer client.Close()

	env := wire.NewRequest(wire.TypePing, nil)
	_, err := client.Send(context.Background(), server.node.Address(), env)
	assert.ErrorIs(t, err, kademlia.ErrAuthentication)
}

func TestGRPCRateLimit(t *testing.T) {
	server := startNode(t, "", "", NewPeerRateLimiter(0.001, 2))
	peer := startNode(t, "", "", nil)
	target := kademlia.NewPeer(server.node.ID(), server.node.Address())
	ctx := context.Background()

	require.NoError(t, peer.node.Ping(ctx, target))
	require.NoError(t, peer.node.Ping(ctx, target))

	err := peer.node.Ping(ctx, target)
	assert.ErrorIs(t, err, kademlia.ErrRateLimited)

	other := startNode(t, "", "", nil)
	assert.NoError(t, other.node.Ping(ctx, target), "budgets are per sender")
}

func TestGRPCRateLimitIgnoresForgedSender(t *testing.T) {
	server := startNode(t, "", "", NewPeerRateLimiter(0.001, 2))
	victim := startNode(t, "", "", nil)
	target := kademlia.NewPeer(server.node.ID(), server.node.Address())
	ctx := context.Background()

	attacker, err := identity.Generate()
	require.NoError(t, err)
	client := NewGRPCClient("", time.Second, pkg.Nop())
	defer client.Close()

	for i := 0; i < 5; i++ {
		// Signed by the attacker but claiming the victim's id.
		env := wire.NewRequest(wire.TypePing, nil)
		env.Sign(attacker, "127.0.0.1:1")
		env.SenderID = victim.node.ID()
		_, err := client.Send(ctx, server.node.Address(), env)
		assert.ErrorIs(t, err, kademlia.ErrAuthentication)

		// Unsigned, carrying only the victim's id.
		bare := wire.NewRequest(wire.TypePing, nil)
		bare.SenderID = victim.node.ID()
		_, err = client.Send(ctx, server.node.Address(), bare)
		assert.ErrorIs(t, err, kademlia.ErrAuthentication)
	}

	require.NoError(t, victim.node.Ping(ctx, target))
	require.NoError(t, victim.node.Ping(ctx, target))
	assert.ErrorIs(t, victim.node.Ping(ctx, target), kademlia.ErrRateLimited, "only genuine requests spend the budget")
}

func TestGRPCUnreachablePeer(t *testing.T) {
	client := NewGRPCClient("", 200*time.Millisecond, pkg.Nop())
	defer client.Close()

	ident, err := identity.Generate()
	require.NoError(t, err)
	env := wire.NewRequest(wire.TypePing, nil)
	env.Sign(ident, "127.0.0.1:1")

	_, err = client.Send(context.Background(), "127.0.0.1:1", env)
	assert.ErrorIs(t, err, kademlia.ErrTimeout)
}

func TestPeerRateLimiter(t *testing.T) {
	l := NewPeerRateLimiter(0.001, 3)
	a, b := hash.HashString("a"), hash.HashString("b")

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(a))
	}
	assert.False(t, l.Allow(a))
	assert.True(t, l.Allow(b))
	assert.Equal(t, 2, l.Len())
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{kademlia.ErrAuthentication, codes.Unauthenticated},
		{kademlia.ErrRateLimited, codes.ResourceExhausted},
		{wire.ErrMalformed, codes.InvalidArgument},
		{kademlia.ErrNodeShutdown, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{kademlia.ErrStorage, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			st, ok := status.FromError(toStatus(tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.code, st.Code())
		})
	}
}
