package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vazonhub/rhizome/internal/kademlia"
	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg"
)

// Compile-time check to ensure GRPCClient implements kademlia.RemoteClient
var _ kademlia.RemoteClient = (*GRPCClient)(nil)

// GRPCClient sends envelopes to remote nodes over pooled connections.
type GRPCClient struct {
	logger    *pkg.Logger
	authToken string

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Applied when the caller's context carries no deadline
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client.
func NewGRPCClient(authToken string, timeout time.Duration, logger *pkg.Logger) *GRPCClient {
	if logger == nil {
		logger = pkg.Nop()
	}

	return &GRPCClient{
		logger:      logger.Component("grpc_client"),
		authToken:   authToken,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

// getConnection returns a connection to the given address, creating one if needed.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(wire.CodecName),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// Send delivers env to address and returns the remote reply.
func (c *GRPCClient) Send(ctx context.Context, address string, env *wire.Envelope) (*wire.Envelope, error) {
	conn, err := c.getConnection(address)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.authToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, c.authToken)
	}

	reply := new(wire.Envelope)
	if err := conn.Invoke(ctx, ExchangeMethod, env, reply); err != nil {
		return nil, fromStatus(ctx, address, err)
	}
	return reply, nil
}

// fromStatus maps gRPC failures onto the node's error kinds.
func fromStatus(ctx context.Context, address string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", kademlia.ErrTimeout, address, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("exchange with %s: %w", address, err)
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s: %s", kademlia.ErrAuthentication, address, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s: %s", kademlia.ErrRateLimited, address, st.Message())
	case codes.DeadlineExceeded, codes.Unavailable:
		return fmt.Errorf("%w: %s: %s", kademlia.ErrTimeout, address, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s: %s", wire.ErrMalformed, address, st.Message())
	case codes.Canceled:
		return fmt.Errorf("exchange with %s: %w", address, context.Canceled)
	default:
		return fmt.Errorf("exchange with %s: %s", address, st.Message())
	}
}

// Close closes all pooled connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	var errs []error
	for addr, conn := range c.connections {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	c.connections = make(map[string]*grpc.ClientConn)
	return errors.Join(errs...)
}
