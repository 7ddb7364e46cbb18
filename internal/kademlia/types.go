package kademlia

import (
	"fmt"
	"time"

	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg/hash"
)

// Peer is a remote node as known to the routing table.
type Peer struct {
	ID          hash.ID
	Address     string        // host:port
	LastSeen    time.Time     // last successful exchange
	RTT         time.Duration // smoothed round-trip estimate
	FailedPings int           // consecutive failures since LastSeen
}

// NewPeer creates a peer seen now.
func NewPeer(id hash.ID, address string) Peer {
	return Peer{ID: id, Address: address, LastSeen: time.Now()}
}

// String returns a short human-readable form.
func (p Peer) String() string {
	return fmt.Sprintf("Peer{ID: %s, Addr: %s}", p.ID.Short(), p.Address)
}

// Info converts the peer into its wire form.
func (p Peer) Info() wire.PeerInfo {
	return wire.PeerInfo{ID: p.ID, Address: p.Address}
}

func peerFromInfo(info wire.PeerInfo) Peer {
	return Peer{ID: info.ID, Address: info.Address}
}

func peerInfos(peers []Peer) []wire.PeerInfo {
	out := make([]wire.PeerInfo, len(peers))
	for i, p := range peers {
		out[i] = p.Info()
	}
	return out
}

// Record is a stored value as returned by lookups.
type Record struct {
	Key        hash.ID
	Value      []byte
	ExpiresAt  time.Time
	Popularity float64
}

// TTL returns the remaining lifetime at now.
func (r *Record) TTL(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// BucketInfo summarises one non-empty bucket.
type BucketInfo struct {
	Index       int       `json:"index"`
	Peers       int       `json:"peers"`
	LastTouched time.Time `json:"last_touched"`
}

// RoutingSnapshot is a point-in-time view of the routing table.
type RoutingSnapshot struct {
	BucketCount int          `json:"bucket_count"` // non-empty buckets
	PeerCount   int          `json:"peer_count"`
	Buckets     []BucketInfo `json:"buckets"`
}

// ReplicationStatus classifies a replication run.
type ReplicationStatus string

const (
	// ReplicationComplete means at least a quorum of targets accepted.
	ReplicationComplete ReplicationStatus = "complete"

	// ReplicationDegraded means some, but fewer than quorum, targets accepted.
	ReplicationDegraded ReplicationStatus = "degraded"

	// ReplicationLocalOnly means no remote targets were known.
	ReplicationLocalOnly ReplicationStatus = "local_only"

	// ReplicationFailed means every target rejected or timed out.
	ReplicationFailed ReplicationStatus = "failed"
)

// ReplicationOutcome reports the result of pushing a record to its replicas.
type ReplicationOutcome struct {
	Key     hash.ID           `json:"-"`
	Status  ReplicationStatus `json:"status"`
	Targets int               `json:"targets"`
	Acked   int               `json:"acked"`
	Failed  int               `json:"failed"`
	Quorum  int               `json:"quorum"`
}

// Degraded reports whether fewer than quorum replicas accepted.
func (o ReplicationOutcome) Degraded() bool {
	return o.Status == ReplicationDegraded
}
