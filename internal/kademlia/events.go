package kademlia

import "time"

// Node event types
const (
	EventPeerAdded     = "peer_added"
	EventPeerEvicted   = "peer_evicted"
	EventRecordStored  = "record_stored"
	EventReplication   = "replication"
	EventTTLExtended   = "ttl_extended"
	EventRecordDropped = "record_dropped"
)

// EventBroadcaster receives node events, for example to fan them out to
// WebSocket clients, without the node depending on the API layer.
type EventBroadcaster interface {
	BroadcastEvent(event any) error
}

// Event is a notable change on the node.
type Event struct {
	Type        string              `json:"type"`
	NodeID      string              `json:"node_id"`
	Key         string              `json:"key,omitempty"`
	Peer        string              `json:"peer,omitempty"`
	ExpiresAt   int64               `json:"expires_at,omitempty"` // unix seconds
	Replication *ReplicationOutcome `json:"replication,omitempty"`
	Timestamp   int64               `json:"timestamp"`
}

func (n *Node) emit(ev Event) {
	n.eventsMu.RLock()
	b := n.broadcaster
	n.eventsMu.RUnlock()
	if b == nil {
		return
	}

	ev.NodeID = n.self.String()
	ev.Timestamp = time.Now().Unix()
	if err := b.BroadcastEvent(ev); err != nil {
		n.logger.Debug().Err(err).Str("event", ev.Type).Msg("Failed to broadcast event")
	}
}
