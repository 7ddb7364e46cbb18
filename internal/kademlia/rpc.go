package kademlia

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vazonhub/rhizome/internal/metrics"
	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// Compile-time check
var _ Pinger = (*Node)(nil)

// request signs and sends one message to peer and validates the reply.
// A zero peer.ID skips the responder identity check, as when pinging a
// bootstrap address whose id is not known yet.
func (n *Node) request(ctx context.Context, peer Peer, t wire.MessageType, payload []byte) (*wire.Envelope, error) {
	if n.remote == nil {
		return nil, fmt.Errorf("remote client not set")
	}
	want, ok := t.ResponseType()
	if !ok {
		return nil, fmt.Errorf("%s is not a request type", t)
	}

	env := wire.NewRequest(t, payload)
	env.Sign(n.identity, n.Address())

	start := time.Now()
	resp, err := n.remote.Send(ctx, peer.Address, env)
	rtt := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		n.requestFailed(peer, t, err)
		return nil, err
	}

	if err := n.verifyEnvelope(resp); err != nil {
		n.requestFailed(peer, t, err)
		return nil, err
	}
	if !peer.ID.IsZero() && resp.SenderID != peer.ID {
		err := fmt.Errorf("%w: expected %s, reply signed by %s", ErrAuthentication, peer.ID.Short(), resp.SenderID.Short())
		n.requestFailed(peer, t, err)
		return nil, err
	}
	if resp.Type != want || resp.CorrelationID != env.CorrelationID {
		err := fmt.Errorf("%w: got %s for %s", ErrUnexpectedResponse, resp.Type, t)
		n.requestFailed(peer, t, err)
		return nil, err
	}

	metrics.RPCRequests.WithLabelValues(t.String(), "ok").Inc()
	metrics.RPCLatency.WithLabelValues(t.String()).Observe(rtt.Seconds())

	// The dialled address is known to work; prefer it over the advertised one.
	seen := NewPeer(resp.SenderID, peer.Address)
	seen.RTT = rtt
	if !n.routes.Touch(seen.ID, rtt) {
		n.routes.Insert(seen)
	}
	return resp, nil
}

func (n *Node) requestFailed(peer Peer, t wire.MessageType, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrAuthentication):
		outcome = "auth"
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	}
	metrics.RPCRequests.WithLabelValues(t.String(), outcome).Inc()

	failures := 0
	if !peer.ID.IsZero() {
		failures = n.routes.RecordFailure(peer.ID)
	}
	n.logger.Debug().
		Err(err).
		Str("peer", peer.ID.Short()).
		Str("address", peer.Address).
		Str("type", t.String()).
		Int("failures", failures).
		Msg("Request failed")
}

// verifyEnvelope checks the signature, sender identity and timestamp skew.
func (n *Node) verifyEnvelope(env *wire.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: empty envelope", ErrAuthentication)
	}
	if err := env.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if skew := n.config.MaxClockSkew; skew > 0 {
		d := time.Since(env.Time())
		if d > skew || d < -skew {
			return fmt.Errorf("%w: timestamp off by %s", ErrAuthentication, d.Round(time.Second))
		}
	}
	return nil
}

// Ping checks that peer is alive.
func (n *Node) Ping(ctx context.Context, peer Peer) error {
	_, err := n.request(ctx, peer, wire.TypePing, nil)
	return err
}

// findNode asks peer for the peers it knows closest to target.
func (n *Node) findNode(ctx context.Context, peer Peer, target hash.ID) ([]Peer, error) {
	req := wire.FindNodeRequest{Target: target}
	resp, err := n.request(ctx, peer, wire.TypeFindNode, req.Marshal())
	if err != nil {
		return nil, err
	}
	var msg wire.NodesResponse
	if err := msg.Unmarshal(resp.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return n.acceptPeers(msg.Peers), nil
}

// findValue asks peer for the record under key. A nil record means the
// peer returned closer peers instead.
func (n *Node) findValue(ctx context.Context, peer Peer, key hash.ID) (*Record, []Peer, error) {
	req := wire.FindValueRequest{Key: key}
	resp, err := n.request(ctx, peer, wire.TypeFindValue, req.Marshal())
	if err != nil {
		return nil, nil, err
	}
	var msg wire.FindValueResponse
	if err := msg.Unmarshal(resp.Payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}

	if msg.Found {
		expiresAt := time.Unix(0, msg.ExpiresAt)
		if expiresAt.After(time.Now()) && len(msg.Value) <= n.config.MaxValueSize {
			return &Record{Key: key, Value: msg.Value, ExpiresAt: expiresAt}, nil, nil
		}
		n.logger.Debug().
			Str("peer", peer.ID.Short()).
			Str("key", key.Short()).
			Msg("Discarded expired or oversized record")
	}
	return nil, n.acceptPeers(msg.Peers), nil
}

// storeAt pushes a record to peer. A rejection by the peer is reported as
// ErrInvalidRecord or ErrStorage.
func (n *Node) storeAt(ctx context.Context, peer Peer, key hash.ID, value []byte, ttl time.Duration) error {
	secs := uint64((ttl + time.Second - 1) / time.Second)
	req := wire.StoreRequest{Key: key, Value: value, TTLSeconds: secs}
	resp, err := n.request(ctx, peer, wire.TypeStore, req.Marshal())
	if err != nil {
		return err
	}
	var msg wire.StoreResponse
	if err := msg.Unmarshal(resp.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if msg.Accepted {
		return nil
	}
	switch msg.Code {
	case wire.StoreInvalidRecord:
		return fmt.Errorf("%w: rejected by %s: %s", ErrInvalidRecord, peer.ID.Short(), msg.Reason)
	default:
		return fmt.Errorf("%w: rejected by %s: %s", ErrStorage, peer.ID.Short(), msg.Reason)
	}
}

// acceptPeers converts advertised peers, dropping self, malformed entries
// and anything past the per-reply cap.
func (n *Node) acceptPeers(infos []wire.PeerInfo) []Peer {
	limit := n.config.MaxPeersPerReply
	if limit <= 0 {
		limit = n.config.K
	}
	out := make([]Peer, 0, min(len(infos), limit))
	for _, info := range infos {
		if len(out) >= limit {
			break
		}
		if info.ID == n.self || info.ID.IsZero() || info.Address == "" {
			continue
		}
		out = append(out, peerFromInfo(info))
	}
	return out
}
