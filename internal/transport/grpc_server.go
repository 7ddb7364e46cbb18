package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/vazonhub/rhizome/internal/kademlia"
	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg"
)

const (
	// ServiceName is the gRPC service carrying DHT envelopes.
	ServiceName = "rhizome.dht.v1.DHT"

	// ExchangeMethod is the full method name of the single unary RPC.
	ExchangeMethod = "/" + ServiceName + "/Exchange"

	maxMessageSize = 4 * 1024 * 1024
)

// Handler processes one inbound envelope and returns the reply.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error)
}

// exchanger is the service implementation type checked by RegisterService.
type exchanger interface {
	Exchange(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*exchanger)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rhizome/dht/v1/dht.proto",
}

func exchangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(exchanger).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExchangeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(exchanger).Exchange(ctx, req.(*wire.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer exposes a Handler over gRPC.
type GRPCServer struct {
	handler   Handler
	server    *grpc.Server
	logger    *pkg.Logger
	authToken string // shared admission token for node-to-node traffic
	limiter   *PeerRateLimiter

	// Server address
	address  string
	listener net.Listener
}

// NewGRPCServer creates a gRPC server for handler.
func NewGRPCServer(handler Handler, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &GRPCServer{
		handler:   handler,
		address:   address,
		authToken: authToken,
		logger:    logger.Component("grpc_server"),
	}, nil
}

// SetRateLimiter enables per-sender rate limiting. Call before Start.
func (s *GRPCServer) SetRateLimiter(l *PeerRateLimiter) {
	s.limiter = l
}

// Start listens on the configured address and serves in the background.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	interceptors := []grpc.UnaryServerInterceptor{AuthInterceptor(s.authToken)}
	if s.limiter != nil {
		interceptors = append(interceptors, RateLimitInterceptor(s.limiter))
	}

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	s.server.RegisterService(&serviceDesc, s)
	reflection.Register(s.server)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Bool("auth", s.authToken != "").
		Bool("rate_limit", s.limiter != nil).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound listener address, or the configured one before Start.
func (s *GRPCServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")

	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

// Exchange implements the Exchange RPC.
func (s *GRPCServer) Exchange(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	reply, err := s.handler.HandleEnvelope(ctx, env)
	if err != nil {
		s.logger.Debug().
			Err(err).
			Str("type", env.Type.String()).
			Str("sender", env.SenderID.Short()).
			Msg("Exchange failed")
		return nil, toStatus(err)
	}
	return reply, nil
}

// toStatus maps node errors onto gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, kademlia.ErrAuthentication):
		code = codes.Unauthenticated
	case errors.Is(err, kademlia.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, wire.ErrMalformed):
		code = codes.InvalidArgument
	case errors.Is(err, kademlia.ErrNodeShutdown):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, kademlia.ErrTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
