// Package quorum binds one shard (or controller) quorum's replicated
// log together: the PaxosLease stable-leader check, the per-decree
// single-decree Paxos round, and the callback that hands each learned
// command to the applying layer (pkg/shard or pkg/controller). It is
// the Go-idiomatic counterpart of
// original_source/src/Framework/Replication/Quorums/QuorumContext.h —
// an interface there, a concrete injected struct here (no virtual
// dispatch needed since Go has one implementation per binding, not a
// C++-style plugin hierarchy).
package quorum

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxoslease"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
)

// AppendFunc is invoked once per learned decree, in increasing PaxosID
// order, with ownAppend true when the value chosen is the one this
// node itself proposed (the common case; false means another
// proposer's value won the decree instead, e.g. after a failover).
type AppendFunc func(paxosID ids.PaxosID, runID ids.RunID, value []byte, ownAppend bool)

// CatchupSource answers a peer's request for decrees this node has
// already learned, so a replica that fell behind can fetch the gap
// instead of replaying Paxos rounds it already lost.
type CatchupSource interface {
	LearnedRange(from, to ids.PaxosID) ([]paxos.Message, error)
}

// Context drives one quorum's replicated log.
type Context struct {
	QuorumID ids.QuorumID
	nodeID   ids.NodeID
	peers    []ids.NodeID

	proposer *paxos.Proposer
	acceptor *paxos.Acceptor
	lease    *paxoslease.Lease
	onAppend AppendFunc
	stats    *stats.Client

	highestPaxosID uint64 // atomic
	mu             sync.Mutex
}

func NewContext(quorumID ids.QuorumID, nodeID ids.NodeID, peers []ids.NodeID, proposer *paxos.Proposer, acceptor *paxos.Acceptor, lease *paxoslease.Lease, onAppend AppendFunc, statsClient *stats.Client) *Context {
	return &Context{
		QuorumID: quorumID,
		nodeID:   nodeID,
		peers:    peers,
		proposer: proposer,
		acceptor: acceptor,
		lease:    lease,
		onAppend: onAppend,
		stats:    statsClient,
	}
}

// IsLeader reports whether the local node currently holds the quorum's
// lease (spec §4.5) and may therefore propose new decrees without
// running an extra Prepare phase to discover a conflicting leader.
func (c *Context) IsLeader() bool { return c.lease.IsLeaseOwner() }

// GetHighestPaxosID returns the highest log position this node has
// either proposed to or learned, whichever is greater.
func (c *Context) GetHighestPaxosID() ids.PaxosID {
	return ids.PaxosID(atomic.LoadUint64(&c.highestPaxosID))
}

// SeedHighestPaxosID restores the in-memory PaxosID counter after a
// process restart from the highest position AcceptorStore has durably
// recorded for this quorum's data log, so Propose mints positions past
// whatever this node already drove to a decision instead of re-using
// and re-learning them (spec §7's durability guarantee only covers the
// acceptor's own promises; whatever assigns PaxosIDs in the first place
// must resume past them too). Call once, before Propose is first used.
func (c *Context) SeedHighestPaxosID(id ids.PaxosID) {
	c.bumpHighest(id)
}

func (c *Context) bumpHighest(paxosID ids.PaxosID) {
	for {
		cur := atomic.LoadUint64(&c.highestPaxosID)
		if uint64(paxosID) <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&c.highestPaxosID, cur, uint64(paxosID)) {
			return
		}
	}
}

// Propose appends value as the next decree in this quorum's log. It
// requires local leadership (per spec §4.5's lease-fast-path design,
// only the lease holder proposes new decrees in steady state); callers
// lacking the lease get a NoPrimary error and should redirect the
// client to the lease holder instead of paying for a losing Paxos
// round.
func (c *Context) Propose(ctx context.Context, runID ids.RunID, value []byte) (ids.PaxosID, error) {
	if !c.IsLeader() {
		return 0, errs.NewNoPrimaryError("quorum %v: local node is not the lease holder", c.QuorumID)
	}

	c.mu.Lock()
	paxosID := ids.PaxosID(atomic.AddUint64(&c.highestPaxosID, 1))
	c.mu.Unlock()

	learnedRun, learnedValue, err := c.proposer.Propose(ctx, paxosID, c.peers, runID, value)
	if err != nil {
		return 0, err
	}

	ownAppend := learnedRun == runID
	c.onAppend(paxosID, learnedRun, learnedValue, ownAppend)
	return paxosID, nil
}

// HandleMessage answers one incoming Paxos protocol message addressed
// to this quorum's acceptor, invoking onAppend when it completes a
// Learn and advancing the known log position.
func (c *Context) HandleMessage(in paxos.Message) (*paxos.Message, error) {
	resp, err := c.acceptor.Handle(in)
	if err != nil {
		return nil, err
	}
	if in.IsLearn() {
		c.bumpHighest(in.PaxosID)
		c.onAppend(in.PaxosID, in.RunID, in.Value, false)
	}
	return resp, nil
}

// Catchup pulls and applies every decree in (from, to] from source,
// used when StartCatchup indicates this node has fallen too far
// behind to close the gap via ordinary Learn messages (spec §2.3).
func (c *Context) Catchup(from, to ids.PaxosID, source CatchupSource) error {
	c.stats.Inc("quorum.catchup.count", 1)
	msgs, err := source.LearnedRange(from, to)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		c.bumpHighest(m.PaxosID)
		c.onAppend(m.PaxosID, m.RunID, m.Value, false)
	}
	return nil
}
