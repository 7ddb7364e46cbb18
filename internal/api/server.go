package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vazonhub/rhizome/internal/kademlia"
	"github.com/vazonhub/rhizome/pkg"
	"github.com/vazonhub/rhizome/pkg/hash"
)

const (
	maxBodySize     = 1 << 20
	defaultPopularN = 10
)

// DHT is the node surface the HTTP API exposes.
type DHT interface {
	ID() hash.ID
	Address() string
	Store(ctx context.Context, key hash.ID, value []byte, ttl time.Duration) (kademlia.ReplicationOutcome, error)
	LookupValue(ctx context.Context, key hash.ID) (*kademlia.Record, error)
	LookupNode(ctx context.Context, target hash.ID) ([]kademlia.Peer, error)
	RoutingSnapshot() kademlia.RoutingSnapshot
	PopularKeys(limit int) []kademlia.PopularKey
}

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	node       DHT
	logger     *pkg.Logger
	cfg        *Config
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort   int
	DefaultTTL time.Duration // applied to PUTs without ?ttl
}

// NewServer creates a new HTTP API server for node.
func NewServer(cfg *Config, node DHT, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Server{
		node:   node,
		cfg:    cfg,
		logger: logger.Component("http_api"),
		wsHub:  NewWebSocketHub(logger),
	}, nil
}

// Hub returns the WebSocket hub that node events should be sent to.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/routing", s.routingHandler)
	mux.HandleFunc("PUT /api/records/{key}", s.putRecordHandler)
	mux.HandleFunc("GET /api/records/{key}", s.getRecordHandler)
	mux.HandleFunc("GET /api/nodes/{id}", s.findNodeHandler)
	mux.HandleFunc("GET /api/popular", s.popularHandler)

	// WebSocket endpoint for live updates
	mux.HandleFunc("GET /api/ws", s.wsHub.HandleWebSocket)

	return corsMiddleware(mux)
}

// Start starts the HTTP server. Port 0 binds an ephemeral port.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	// Start WebSocket hub
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	// Stop WebSocket hub
	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

type healthResponse struct {
	Status  string `json:"status"`
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Peers   int    `json:"peers"`
}

type recordResponse struct {
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Popularity float64   `json:"popularity"`
}

type storeResponse struct {
	Key         string                      `json:"key"`
	Replication kademlia.ReplicationOutcome `json:"replication"`
}

type peerResponse struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Distance string `json:"distance"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		NodeID:  s.node.ID().String(),
		Address: s.node.Address(),
		Peers:   s.node.RoutingSnapshot().PeerCount,
	})
}

func (s *Server) routingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.RoutingSnapshot())
}

// putRecordHandler stores the request body under the hashed path key.
func (s *Server) putRecordHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("key")
	ttl := s.cfg.DefaultTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs <= 0 || secs > math.MaxInt64/int64(time.Second) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid ttl %q", raw))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	key := hash.HashString(name)
	outcome, err := s.node.Store(r.Context(), key, value, ttl)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", name).Msg("Store failed")
		writeError(w, statusFor(err), err)
		return
	}

	code := http.StatusCreated
	if outcome.Degraded() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, storeResponse{Key: key.String(), Replication: outcome})
}

func (s *Server) getRecordHandler(w http.ResponseWriter, r *http.Request) {
	key := hash.HashString(r.PathValue("key"))

	rec, err := s.node.LookupValue(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	ttl := rec.TTL(time.Now())
	if ttl < 0 {
		ttl = 0
	}
	writeJSON(w, http.StatusOK, recordResponse{
		Key:        key.String(),
		Value:      rec.Value,
		ExpiresAt:  rec.ExpiresAt,
		TTLSeconds: int64(ttl / time.Second),
		Popularity: rec.Popularity,
	})
}

// findNodeHandler runs a node lookup for a hex-encoded ID.
func (s *Server) findNodeHandler(w http.ResponseWriter, r *http.Request) {
	target, err := hash.FromHex(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	peers, err := s.node.LookupNode(r.Context(), target)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	out := make([]peerResponse, len(peers))
	for i, p := range peers {
		out[i] = peerResponse{
			ID:       p.ID.String(),
			Address:  p.Address,
			Distance: hash.Distance(p.ID, target).String(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) popularHandler(w http.ResponseWriter, r *http.Request) {
	n := defaultPopularN
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid n %q", raw))
			return
		}
		n = v
	}
	keys := s.node.PopularKeys(n)
	if keys == nil {
		keys = []kademlia.PopularKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// statusFor maps node errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kademlia.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, kademlia.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, kademlia.ErrReplicationFailed), errors.Is(err, kademlia.ErrNodeShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, kademlia.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
