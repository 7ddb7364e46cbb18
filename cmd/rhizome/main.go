package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vazonhub/rhizome/internal/api"
	"github.com/vazonhub/rhizome/internal/config"
	"github.com/vazonhub/rhizome/internal/identity"
	"github.com/vazonhub/rhizome/internal/kademlia"
	"github.com/vazonhub/rhizome/internal/storage"
	"github.com/vazonhub/rhizome/internal/transport"
	"github.com/vazonhub/rhizome/pkg"
)

func main() {
	cfg := config.DefaultConfig()

	// Parse command-line flags
	flag.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind to")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Port for the DHT gRPC server")
	flag.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "Port for the HTTP API server (0 disables it)")
	bootstrap := flag.String("bootstrap", "", "Comma-separated bootstrap node addresses (host:port)")
	flag.StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "Shared token required on node-to-node requests")
	flag.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "Path to the ed25519 identity key (empty for an ephemeral identity)")
	flag.StringVar(&cfg.StorageBackend, "storage", cfg.StorageBackend, "Storage backend (memory, leveldb)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for the leveldb store")
	flag.IntVar(&cfg.K, "k", cfg.K, "Bucket size and replication factor")
	flag.IntVar(&cfg.Alpha, "alpha", cfg.Alpha, "Lookup parallelism")
	flag.DurationVar(&cfg.DefaultTTL, "default-ttl", cfg.DefaultTTL, "TTL for records stored over HTTP without ?ttl")
	flag.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Inbound requests per second per sender (0 disables)")
	flag.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "Inbound request burst per sender")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, console)")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this rotated file")
	flag.Parse()

	cfg.BootstrapNodes = splitAddrs(*bootstrap)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	pkg.SetGlobal(logger)
	defer logger.Close()

	ident, err := loadIdentity(cfg.KeyFile)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load identity")
		os.Exit(1)
	}

	logger.Info().
		Str("node_id", ident.ID().String()).
		Str("address", cfg.Address()).
		Int("http_port", cfg.HTTPPort).
		Str("storage", cfg.StorageBackend).
		Msg("Starting rhizome node")

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open storage")
		os.Exit(1)
	}

	node, err := kademlia.NewNode(cfg, ident, store, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create node")
		_ = store.Close()
		os.Exit(1)
	}

	// Create gRPC server
	grpcServer, err := transport.NewGRPCServer(node, cfg.Address(), cfg.AuthToken, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create gRPC server")
		_ = node.Shutdown()
		os.Exit(1)
	}
	if cfg.RateLimit > 0 {
		grpcServer.SetRateLimiter(transport.NewPeerRateLimiter(cfg.RateLimit, cfg.RateBurst))
	}

	if err := grpcServer.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start gRPC server")
		_ = node.Shutdown()
		os.Exit(1)
	}
	node.SetAddress(grpcServer.Addr())

	// Create and set gRPC client for inter-node communication
	grpcClient := transport.NewGRPCClient(cfg.AuthToken, cfg.RequestTimeout, logger)
	node.SetRemote(grpcClient)

	// Create HTTP API server
	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(&api.Config{
			HTTPPort:   cfg.HTTPPort,
			DefaultTTL: cfg.DefaultTTL,
		}, node, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create HTTP API server")
			cleanup(node, grpcServer, grpcClient, nil, logger)
			os.Exit(1)
		}
		node.SetBroadcaster(httpServer.Hub())

		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start HTTP API server")
			cleanup(node, grpcServer, grpcClient, nil, logger)
			os.Exit(1)
		}
	}

	if err := node.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start node")
		cleanup(node, grpcServer, grpcClient, httpServer, logger)
		os.Exit(1)
	}

	if len(cfg.BootstrapNodes) > 0 {
		logger.Info().Strs("bootstrap", cfg.BootstrapNodes).Msg("Joining network")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.LookupTimeout+cfg.PingTimeout*time.Duration(len(cfg.BootstrapNodes)))
		err := node.Bootstrap(ctx, cfg.BootstrapNodes)
		cancel()
		if err != nil {
			// The refresh loop keeps retrying while the table is empty.
			logger.Warn().Err(err).Msg("Bootstrap failed")
		}
	} else {
		logger.Info().Msg("No bootstrap nodes, starting a new network")
	}

	logger.Info().
		Str("node_id", node.ID().Short()).
		Int("peers", node.RoutingSnapshot().PeerCount).
		Msg("Rhizome node is ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	cleanup(node, grpcServer, grpcClient, httpServer, logger)

	logger.Info().Msg("Rhizome node shutdown complete")
}

func splitAddrs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadIdentity(keyFile string) (*identity.Identity, error) {
	if keyFile == "" {
		return identity.Generate()
	}
	return identity.LoadOrGenerate(keyFile)
}

func openStore(cfg *config.Config, logger *pkg.Logger) (kademlia.Store, error) {
	switch cfg.StorageBackend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "leveldb":
		return storage.OpenLevelDB(cfg.DataDir, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// cleanup performs graceful shutdown of all components
func cleanup(node *kademlia.Node, grpcServer *transport.GRPCServer, grpcClient *transport.GRPCClient, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	// Stop HTTP server
	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	// Stop gRPC server
	if err := grpcServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping gRPC server")
	}

	if err := node.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error shutting down node")
	}

	// Close gRPC client connections
	if err := grpcClient.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing gRPC client")
	}
}
