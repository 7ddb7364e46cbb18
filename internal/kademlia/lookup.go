package kademlia

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vazonhub/rhizome/internal/metrics"
	"github.com/vazonhub/rhizome/pkg/hash"
)

type candidateState int

const (
	stateUnqueried candidateState = iota
	stateQueried
	stateResponded
	stateFailed
)

type candidate struct {
	peer  Peer
	state candidateState
}

// shortlist tracks every peer a lookup has heard about, keyed by id.
// It is only touched by the goroutine driving the lookup.
type shortlist struct {
	target  hash.ID
	self    hash.ID
	entries map[hash.ID]*candidate
}

func newShortlist(target, self hash.ID) *shortlist {
	return &shortlist{target: target, self: self, entries: make(map[hash.ID]*candidate)}
}

func (s *shortlist) add(peers []Peer) {
	for _, p := range peers {
		if p.ID == s.self || p.ID.IsZero() || p.Address == "" {
			continue
		}
		if _, ok := s.entries[p.ID]; ok {
			continue
		}
		s.entries[p.ID] = &candidate{peer: p}
	}
}

// sorted returns candidates ordered by distance to the target.
func (s *shortlist) sorted() []*candidate {
	out := make([]*candidate, 0, len(s.entries))
	for _, c := range s.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return hash.Closer(s.target, out[i].peer.ID, out[j].peer.ID)
	})
	return out
}

// next marks and returns up to alpha unqueried candidates, closest first.
func (s *shortlist) next(alpha int) []Peer {
	var batch []Peer
	for _, c := range s.sorted() {
		if len(batch) == alpha {
			break
		}
		if c.state == stateUnqueried {
			c.state = stateQueried
			batch = append(batch, c.peer)
		}
	}
	return batch
}

func (s *shortlist) mark(id hash.ID, state candidateState) {
	if c, ok := s.entries[id]; ok {
		c.state = state
	}
}

// pendingCloser reports whether an unqueried candidate is closer to the
// target than every peer that has responded. Failed peers never count as
// the baseline.
func (s *shortlist) pendingCloser() bool {
	for _, c := range s.sorted() {
		switch c.state {
		case stateResponded:
			return false
		case stateUnqueried:
			return true
		}
	}
	return false
}

// closest returns up to count non-failed peers, closest first.
func (s *shortlist) closest(count int) []Peer {
	var out []Peer
	for _, c := range s.sorted() {
		if len(out) == count {
			break
		}
		if c.state != stateFailed {
			out = append(out, c.peer)
		}
	}
	return out
}

// lookupResult is the outcome of an iterative lookup.
type lookupResult struct {
	Peers     []Peer
	Record    *Record
	Rounds    int
	Converged bool // stopped because no closer peer was left to query
}

type roundReply struct {
	peer   Peer
	peers  []Peer
	record *Record
	err    error
}

// iterativeLookup converges on target by querying up to alpha peers per round.
// It stops when a value is found, no unqueried peer is closer than the
// closest responder, the round cap is hit or the lookup deadline passes; all but cancellation of ctx
// return the best peers known so far. want is the number of peers returned.
func (n *Node) iterativeLookup(ctx context.Context, target hash.ID, findValue bool, want int) (*lookupResult, error) {
	start := time.Now()
	lctx, cancel := context.WithTimeout(ctx, n.config.LookupTimeout)
	defer cancel()

	kind := "node"
	if findValue {
		kind = "value"
	}

	sl := newShortlist(target, n.self)
	sl.add(n.routes.Closest(target, want))

	res := &lookupResult{}

	for res.Rounds < n.config.MaxLookupRounds {
		if lctx.Err() != nil {
			break
		}
		batch := sl.next(n.config.Alpha)
		if len(batch) == 0 {
			res.Converged = true
			break
		}
		res.Rounds++

		for _, r := range n.queryRound(lctx, batch, target, findValue) {
			if r.err != nil {
				sl.mark(r.peer.ID, stateFailed)
				continue
			}
			sl.mark(r.peer.ID, stateResponded)
			if r.record != nil && res.Record == nil {
				res.Record = r.record
			}
			sl.add(r.peers)
		}
		if res.Record != nil {
			break
		}

		if !sl.pendingCloser() {
			res.Converged = true
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Peers = sl.closest(want)
	metrics.LookupRounds.WithLabelValues(kind).Observe(float64(res.Rounds))

	ev := n.logger.Debug().
		Str("target", target.Short()).
		Str("kind", kind).
		Int("rounds", res.Rounds).
		Int("peers", len(res.Peers)).
		Bool("found", res.Record != nil).
		Dur("elapsed", time.Since(start))
	if errors.Is(lctx.Err(), context.DeadlineExceeded) {
		ev = ev.Bool("deadline", true)
	}
	ev.Msg("Lookup finished")

	return res, nil
}

// queryRound sends one request to every peer in batch concurrently. Each
// request carries its own timeout so a slow peer cannot hold up the round
// beyond it.
func (n *Node) queryRound(ctx context.Context, batch []Peer, target hash.ID, findValue bool) []roundReply {
	replies := make([]roundReply, len(batch))

	var g errgroup.Group
	for i, p := range batch {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, n.config.RequestTimeout)
			defer cancel()

			r := roundReply{peer: p}
			if findValue {
				r.record, r.peers, r.err = n.findValue(rctx, p, target)
			} else {
				r.peers, r.err = n.findNode(rctx, p, target)
			}
			replies[i] = r
			return nil
		})
	}
	_ = g.Wait()

	return replies
}
