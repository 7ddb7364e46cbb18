package kademlia

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/internal/config"
	"github.com/vazonhub/rhizome/internal/identity"
	"github.com/vazonhub/rhizome/internal/storage"
	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// simNetwork is an in-process RemoteClient. Every envelope goes through the
// wire encoding in both directions.
type simNetwork struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	down      map[string]bool // fail fast with ErrTimeout
	slow      map[string]bool // never answer; wait for the deadline
	failStore map[string]bool // answer lookups, time out on STORE
	tamper    map[string]bool // corrupt the reply signature
	flaky     map[string]int  // STOREs to time out before accepting
	sent      map[string]int
}

func newSimNetwork() *simNetwork {
	return &simNetwork{
		nodes:     make(map[string]*Node),
		down:      make(map[string]bool),
		slow:      make(map[string]bool),
		failStore: make(map[string]bool),
		tamper:    make(map[string]bool),
		flaky:     make(map[string]int),
		sent:      make(map[string]int),
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.HTTPPort = 0
	cfg.K = 3
	cfg.Alpha = 2
	cfg.PingTimeout = 200 * time.Millisecond
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.LookupTimeout = 2 * time.Second
	cfg.ReplicationRetries = 0
	cfg.MaxClockSkew = time.Minute
	return cfg
}

func (s *simNetwork) addNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)
	return s.addNodeWithIdentity(t, cfg, ident)
}

func (s *simNetwork) addNodeWithIdentity(t *testing.T, cfg *config.Config, ident *identity.Identity) *Node {
	t.Helper()

	n, err := NewNode(cfg, ident, storage.NewMemoryStore(), pkg.Nop())
	require.NoError(t, err)

	s.mu.Lock()
	addr := fmt.Sprintf("sim-%d:%d", len(s.nodes), 8468)
	s.nodes[addr] = n
	s.mu.Unlock()

	n.SetAddress(addr)
	n.SetRemote(s)
	t.Cleanup(func() { _ = n.Shutdown() })
	return n
}

func (s *simNetwork) set(m map[string]bool, addr string, v bool) {
	s.mu.Lock()
	m[addr] = v
	s.mu.Unlock()
}

func (s *simNetwork) sentTo(addr string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sent[addr]
}

func (s *simNetwork) Send(ctx context.Context, address string, env *wire.Envelope) (*wire.Envelope, error) {
	s.mu.Lock()
	s.sent[address]++
	n, ok := s.nodes[address]
	down, slow := s.down[address], s.slow[address]
	failStore, tamper := s.failStore[address], s.tamper[address]
	if env.Type == wire.TypeStore && s.flaky[address] > 0 {
		s.flaky[address]--
		failStore = true
	}
	s.mu.Unlock()

	if !ok || down || (failStore && env.Type == wire.TypeStore) {
		return nil, ErrTimeout
	}
	if slow {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}

	in, err := wire.Decode(env.Marshal())
	if err != nil {
		return nil, err
	}
	reply, err := n.HandleEnvelope(ctx, in)
	if err != nil {
		return nil, err
	}

	out, err := wire.Decode(reply.Marshal())
	if err != nil {
		return nil, err
	}
	if tamper {
		out.Signature[0] ^= 0xff
	}
	return out, nil
}

// introduce makes a know b.
func introduce(a, b *Node) {
	a.routes.Insert(NewPeer(b.ID(), b.Address()))
}

// mesh makes every node know every other node.
func mesh(nodes ...*Node) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				introduce(a, b)
			}
		}
	}
}

func holds(t *testing.T, n *Node, key hash.ID) bool {
	t.Helper()
	_, err := n.store.Get(context.Background(), key)
	return err == nil
}
