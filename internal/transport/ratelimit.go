package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vazonhub/rhizome/internal/kademlia"
	"github.com/vazonhub/rhizome/internal/wire"
	"github.com/vazonhub/rhizome/pkg/hash"
)

const limiterIdleTTL = 10 * time.Minute

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PeerRateLimiter keeps a token bucket per sender id.
type PeerRateLimiter struct {
	mu       sync.Mutex
	limiters map[hash.ID]*peerLimiter
	limit    rate.Limit
	burst    int
	lastGC   time.Time
}

// NewPeerRateLimiter allows each sender perSecond requests with the given burst.
func NewPeerRateLimiter(perSecond float64, burst int) *PeerRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &PeerRateLimiter{
		limiters: make(map[hash.ID]*peerLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		lastGC:   time.Now(),
	}
}

// Allow reports whether sender may make another request now.
func (l *PeerRateLimiter) Allow(sender hash.ID) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > limiterIdleTTL {
		for id, pl := range l.limiters {
			if now.Sub(pl.lastSeen) > limiterIdleTTL {
				delete(l.limiters, id)
			}
		}
		l.lastGC = now
	}

	pl, ok := l.limiters[sender]
	if !ok {
		pl = &peerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[sender] = pl
	}
	pl.lastSeen = now
	return pl.limiter.AllowN(now, 1)
}

// Len returns the number of senders currently tracked.
func (l *PeerRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// RateLimitInterceptor rejects envelopes from senders over their budget
// with ResourceExhausted. Only envelopes whose signature checks out are
// charged, so a forged sender id cannot spend another node's budget.
func RateLimitInterceptor(l *PeerRateLimiter) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		env, ok := req.(*wire.Envelope)
		if !ok {
			return handler(ctx, req)
		}
		if err := env.Verify(); err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "%s: %v", kademlia.ErrAuthentication, err)
		}
		if !l.Allow(env.SenderID) {
			return nil, status.Errorf(codes.ResourceExhausted, "sender %s over rate limit", env.SenderID.Short())
		}
		return handler(ctx, req)
	}
}
