package kademlia

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vazonhub/rhizome/internal/metrics"
	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// HandleEnvelope processes one inbound request and returns the signed reply.
// Messages failing verification return ErrAuthentication and never touch
// the routing table.
func (n *Node) HandleEnvelope(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	if n.IsShutdown() {
		return nil, ErrNodeShutdown
	}
	if err := n.inbound.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer n.inbound.Release(1)

	if err := n.verifyEnvelope(env); err != nil {
		metrics.InboundMessages.WithLabelValues(typeLabel(env), "auth").Inc()
		n.logger.Debug().Err(err).Str("type", typeLabel(env)).Msg("Discarded unauthenticated message")
		return nil, err
	}

	if env.SenderAddr != "" && env.SenderID != n.self {
		if !n.routes.Touch(env.SenderID, 0) {
			n.routes.Insert(NewPeer(env.SenderID, env.SenderAddr))
		}
	}

	var (
		respType wire.MessageType
		payload  []byte
		err      error
	)
	switch env.Type {
	case wire.TypePing:
		respType = wire.TypePong
	case wire.TypeFindNode:
		respType = wire.TypeFindNodeResponse
		payload, err = n.handleFindNode(env)
	case wire.TypeFindValue:
		respType = wire.TypeFindValueResponse
		payload, err = n.handleFindValue(ctx, env)
	case wire.TypeStore:
		respType = wire.TypeStoreResponse
		payload, err = n.handleStore(ctx, env)
	default:
		err = fmt.Errorf("%w: %s is not a request", wire.ErrMalformed, env.Type)
	}
	if err != nil {
		metrics.InboundMessages.WithLabelValues(env.Type.String(), "error").Inc()
		return nil, err
	}

	metrics.InboundMessages.WithLabelValues(env.Type.String(), "ok").Inc()
	reply := wire.NewReply(env, respType, payload)
	reply.Sign(n.identity, n.Address())
	return reply, nil
}

func typeLabel(env *wire.Envelope) string {
	if env == nil {
		return "nil"
	}
	return env.Type.String()
}

// handleFindNode answers with the k closest known peers, excluding the requester.
func (n *Node) handleFindNode(env *wire.Envelope) ([]byte, error) {
	var req wire.FindNodeRequest
	if err := req.Unmarshal(env.Payload); err != nil {
		return nil, err
	}
	resp := wire.NodesResponse{Peers: peerInfos(n.closestExcluding(req.Target, env))}
	return resp.Marshal(), nil
}

func (n *Node) handleFindValue(ctx context.Context, env *wire.Envelope) ([]byte, error) {
	var req wire.FindValueRequest
	if err := req.Unmarshal(env.Payload); err != nil {
		return nil, err
	}

	entry, err := n.store.Get(ctx, req.Key)
	switch {
	case err == nil:
		n.popularity.Hit(req.Key)
		resp := wire.FindValueResponse{
			Found:     true,
			Value:     entry.Value,
			ExpiresAt: entry.ExpiresAt.UnixNano(),
		}
		return resp.Marshal(), nil
	case errors.Is(err, pkg.ErrKeyNotFound):
		resp := wire.FindValueResponse{Peers: peerInfos(n.closestExcluding(req.Key, env))}
		return resp.Marshal(), nil
	default:
		n.logger.Error().Err(err).Str("key", req.Key.Short()).Msg("Failed to read record")
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
}

func (n *Node) handleStore(ctx context.Context, env *wire.Envelope) ([]byte, error) {
	var req wire.StoreRequest
	if err := req.Unmarshal(env.Payload); err != nil {
		return nil, err
	}

	reject := func(code wire.StoreCode, err error) ([]byte, error) {
		n.logger.Debug().
			Err(err).
			Str("key", req.Key.Short()).
			Str("sender", env.SenderID.Short()).
			Msg("Rejected STORE")
		resp := wire.StoreResponse{Code: code, Reason: err.Error()}
		return resp.Marshal(), nil
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds > uint64(n.config.MaxTTL/time.Second) {
		ttl = n.config.MaxTTL + time.Second
	}
	if err := n.validateRecord(len(req.Value), ttl); err != nil {
		return reject(wire.StoreInvalidRecord, err)
	}

	expiresAt := time.Now().Add(ttl)
	if err := n.store.Put(ctx, req.Key, req.Value, expiresAt); err != nil {
		return reject(wire.StoreStorageError, fmt.Errorf("%w: %v", ErrStorage, err))
	}
	n.popularity.Track(req.Key)
	n.emit(Event{Type: EventRecordStored, Key: req.Key.String(), Peer: env.SenderID.String(), ExpiresAt: expiresAt.Unix()})

	resp := wire.StoreResponse{Accepted: true, Code: wire.StoreOK}
	return resp.Marshal(), nil
}

func (n *Node) closestExcluding(target hash.ID, env *wire.Envelope) []Peer {
	peers := n.routes.Closest(target, n.config.K+1)
	out := peers[:0]
	for _, p := range peers {
		if p.ID != env.SenderID {
			out = append(out, p)
		}
	}
	if len(out) > n.config.K {
		out = out[:n.config.K]
	}
	return out
}
