// Package metrics exposes the node's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCRequests counts outbound requests by message type and outcome.
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhizome_rpc_requests_total",
			Help: "Outbound DHT requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// InboundMessages counts handled inbound requests by type and outcome.
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhizome_inbound_messages_total",
			Help: "Inbound DHT requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// RPCLatency observes round-trip time of successful requests.
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rhizome_rpc_latency_seconds",
			Help:    "Round-trip latency of successful DHT requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"type"},
	)

	// LookupRounds observes the number of rounds per iterative lookup.
	LookupRounds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rhizome_lookup_rounds",
			Help:    "Rounds per iterative lookup",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		},
		[]string{"kind"},
	)

	// ReplicationOutcomes counts replication runs by status.
	ReplicationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhizome_replication_outcomes_total",
			Help: "Replication runs by resulting status",
		},
		[]string{"status"},
	)

	// RoutingEvents counts routing table mutations.
	RoutingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhizome_routing_events_total",
			Help: "Routing table inserts, evictions and liveness checks",
		},
		[]string{"event"},
	)

	// TTLExtensions counts records whose expiry was pushed out by popularity.
	TTLExtensions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rhizome_ttl_extensions_total",
			Help: "Records whose TTL was extended due to popularity",
		},
	)

	// RecordsExpired counts records removed by the expiry sweep or popularity drop.
	RecordsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rhizome_records_expired_total",
			Help: "Records removed after expiry",
		},
	)

	// RoutingPeers tracks the number of peers in the routing table.
	RoutingPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rhizome_routing_peers",
			Help: "Peers currently held in the routing table",
		},
	)
)
