package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for a rhizome node
type Config struct {
	// Network
	Host           string
	Port           int
	HTTPPort       int // 0 disables the HTTP API
	BootstrapNodes []string
	AuthToken      string // shared admission token; empty disables the check

	// Identity and storage
	KeyFile        string // empty means an ephemeral identity
	DataDir        string
	StorageBackend string // memory, leveldb

	// Kademlia parameters
	K                 int           // bucket capacity and baseline replication factor
	Alpha             int           // lookup parallelism
	PingTimeout       time.Duration // liveness check timeout for ping-before-evict
	RequestTimeout    time.Duration // per-request timeout inside a lookup round
	LookupTimeout     time.Duration // overall deadline for an iterative lookup
	MaxLookupRounds   int
	RefreshInterval   time.Duration // buckets untouched for this long get refreshed
	MaxFailedPings    int           // peers reaching this many failures are pinged before eviction
	MaxClockSkew      time.Duration // 0 disables timestamp checks on inbound messages
	MaxPeersPerReply  int
	MaxConcurrentReqs int64 // inbound requests handled at once

	// Records
	MaxValueSize        int
	MinTTL              time.Duration
	MaxTTL              time.Duration
	DefaultTTL          time.Duration
	ExpirySweepInterval time.Duration

	// Replication
	ReplicationInterval      time.Duration
	ReplicationWorkers       int64 // concurrent STOREs per replication run
	ReplicationRetries       uint64
	PopularReplicationFactor int

	// Popularity
	PopularityInterval time.Duration
	DecayWindow        time.Duration
	DecayFactor        float64 // multiplier applied per elapsed window, in (0, 1]
	ExtendThreshold    float64 // score at which TTLs get extended
	PopularThreshold   float64 // score at which the replication factor is raised
	ScoreFloor         float64 // entries below this with expired records are dropped
	TTLExtensionFactor float64 // remaining TTL grows by this fraction per tick

	// Inbound rate limiting, per sender
	RateLimit float64 // requests per second; 0 disables
	RateBurst int

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           8468,
		HTTPPort:       8080,
		StorageBackend: "memory",
		DataDir:        "data",

		K:                 20,
		Alpha:             3,
		PingTimeout:       5 * time.Second,
		RequestTimeout:    2 * time.Second,
		LookupTimeout:     10 * time.Second,
		MaxLookupRounds:   10,
		RefreshInterval:   time.Hour,
		MaxFailedPings:    3,
		MaxClockSkew:      5 * time.Minute,
		MaxPeersPerReply:  20,
		MaxConcurrentReqs: 256,

		MaxValueSize:        64 * 1024,
		MinTTL:              time.Minute,
		MaxTTL:              30 * 24 * time.Hour,
		DefaultTTL:          24 * time.Hour,
		ExpirySweepInterval: time.Minute,

		ReplicationInterval:      time.Hour,
		ReplicationWorkers:       8,
		ReplicationRetries:       2,
		PopularReplicationFactor: 30,

		PopularityInterval: time.Hour,
		DecayWindow:        time.Hour,
		DecayFactor:        0.5,
		ExtendThreshold:    5,
		PopularThreshold:   7,
		ScoreFloor:         0.1,
		TTLExtensionFactor: 0.5,

		RateLimit: 100.0 / 60.0,
		RateBurst: 100,

		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Address returns host:port for the gRPC listener
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.K <= 0 {
		return fmt.Errorf("k must be positive, got %d", c.K)
	}
	if c.Alpha <= 0 || c.Alpha > c.K {
		return fmt.Errorf("alpha must be between 1 and k (%d), got %d", c.K, c.Alpha)
	}
	if c.PingTimeout <= 0 || c.RequestTimeout <= 0 || c.LookupTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxLookupRounds <= 0 {
		return fmt.Errorf("max lookup rounds must be positive, got %d", c.MaxLookupRounds)
	}
	if c.MaxConcurrentReqs <= 0 {
		return fmt.Errorf("max concurrent requests must be positive, got %d", c.MaxConcurrentReqs)
	}
	if c.MaxValueSize <= 0 {
		return fmt.Errorf("max value size must be positive, got %d", c.MaxValueSize)
	}
	if c.MinTTL <= 0 || c.MaxTTL < c.MinTTL {
		return fmt.Errorf("ttl bounds invalid: min %s, max %s", c.MinTTL, c.MaxTTL)
	}
	if c.DefaultTTL < c.MinTTL || c.DefaultTTL > c.MaxTTL {
		return fmt.Errorf("default ttl %s outside [%s, %s]", c.DefaultTTL, c.MinTTL, c.MaxTTL)
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return fmt.Errorf("decay factor must be in (0, 1], got %v", c.DecayFactor)
	}
	if c.DecayWindow <= 0 {
		return fmt.Errorf("decay window must be positive")
	}
	if c.PopularReplicationFactor < c.K {
		return fmt.Errorf("popular replication factor %d must be at least k (%d)", c.PopularReplicationFactor, c.K)
	}
	switch c.StorageBackend {
	case "memory", "leveldb":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.StorageBackend)
	}
	return nil
}
