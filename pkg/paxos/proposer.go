package paxos

import (
	"context"
	"sync"
	"time"

	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
)

// Transport sends one Paxos message to a peer and waits for its direct
// reply, generalizing the teacher's node.Node.SendMessage used by
// managerSendPrepare/sendAccept.
type Transport interface {
	Send(ctx context.Context, to ids.NodeID, msg Message) (*Message, error)
}

// Default phase timeouts, ported from consensus/scope.go's
// PREPARE_TIMEOUT/ACCEPT_TIMEOUT (500ms).
const (
	DefaultPrepareTimeout = 500 * time.Millisecond
	DefaultProposeTimeout = 500 * time.Millisecond
)

// Proposer drives the Prepare/Propose rounds for one PaxosID to reach
// quorum on a value, generalizing manager_prepare.go's
// managerSendPrepare/managerPrepareApply and scope_accept.go's
// sendAccept from EPaxos's per-instance dependency graph to plain
// single-decree Paxos.
type Proposer struct {
	nodeID    ids.NodeID
	transport Transport
	stats     *stats.Client

	PrepareTimeout time.Duration
	ProposeTimeout time.Duration

	mu       sync.Mutex
	proposal uint64 // local ballot counter, combined with nodeID to keep proposal IDs globally increasing and unique
}

func NewProposer(nodeID ids.NodeID, transport Transport, statsClient *stats.Client) *Proposer {
	return &Proposer{
		nodeID:         nodeID,
		transport:      transport,
		stats:          statsClient,
		PrepareTimeout: DefaultPrepareTimeout,
		ProposeTimeout: DefaultProposeTimeout,
	}
}

// nextProposalID mints a proposal ID higher than any this proposer has
// used before, with the node ID folded into the low 16 bits so
// proposers racing on the same PaxosID never collide on the same
// numeric ballot.
func (p *Proposer) nextProposalID() ids.ProposalID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proposal++
	return ids.ProposalID(p.proposal<<16 | (uint64(p.nodeID) & 0xffff))
}

// Propose runs a full Prepare+Accept round for paxosID, attempting to
// get runID/value chosen. If any prepare responder reports a value it
// previously accepted, the one with the highest proposal ID is what
// gets (re-)proposed and
// returned instead — callers must check the returned runID/value
// against what they asked for to tell whether their own value won.
func (p *Proposer) Propose(ctx context.Context, paxosID ids.PaxosID, peers []ids.NodeID, runID ids.RunID, value []byte) (ids.RunID, []byte, error) {
	start := time.Now()
	defer p.stats.Timing("propose.round.time", start)

	proposalID := p.nextProposalID()

	prepResponses, err := p.broadcastPrepare(ctx, paxosID, peers, proposalID)
	if err != nil {
		return 0, nil, err
	}

	finalRunID, finalValue := runID, value
	if prev, ok := highestPreviouslyAccepted(prepResponses); ok {
		finalRunID, finalValue = prev.RunID, prev.Value
	}

	if err := p.broadcastPropose(ctx, paxosID, peers, proposalID, finalRunID, finalValue); err != nil {
		return 0, nil, err
	}

	p.broadcastLearn(ctx, paxosID, peers, finalRunID, finalValue)
	return finalRunID, finalValue, nil
}

func quorumSize(numPeers int) int {
	// numPeers excludes this node; quorum is a strict majority of the
	// full replica set (peers + self).
	return (numPeers+1)/2 + 1
}

func highestPreviouslyAccepted(responses []Message) (Message, bool) {
	var best Message
	found := false
	for _, r := range responses {
		if r.Type != PreparePreviouslyAccepted {
			continue
		}
		if !found || r.AcceptedProposalID > best.AcceptedProposalID {
			best = r
			found = true
		}
	}
	return best, found
}

func (p *Proposer) broadcastPrepare(ctx context.Context, paxosID ids.PaxosID, peers []ids.NodeID, proposalID ids.ProposalID) ([]Message, error) {
	p.stats.Inc("prepare.send.count", 1)
	msg := Message{Type: PrepareRequest, PaxosID: paxosID, NodeID: p.nodeID, ProposalID: proposalID}

	recvChan := make(chan Message, len(peers))
	for _, peer := range peers {
		go func(peer ids.NodeID) {
			resp, err := p.transport.Send(ctx, peer, msg)
			if err != nil || resp == nil {
				return
			}
			recvChan <- *resp
		}(peer)
	}

	need := quorumSize(len(peers))
	received := 1 // this node counts as a response
	timeout := time.After(p.PrepareTimeout)
	responses := make([]Message, 0, len(peers))
	rejected := 0
	for received < need {
		select {
		case resp := <-recvChan:
			responses = append(responses, resp)
			received++
			if resp.Type == PrepareRejected {
				rejected++
			}
		case <-timeout:
			p.stats.Inc("prepare.timeout.count", 1)
			return nil, errs.NewTimeoutError("paxos: timed out waiting for prepare quorum on %v", paxosID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if rejected > 0 {
		p.stats.Inc("prepare.rejected.count", 1)
		return nil, errs.NewBallotError("paxos: prepare rejected for %v", paxosID)
	}

	// drain any stragglers without blocking, same as
	// manager_prepare.go's trailing drain loop.
drain:
	for {
		select {
		case resp := <-recvChan:
			responses = append(responses, resp)
		default:
			break drain
		}
	}
	return responses, nil
}

func (p *Proposer) broadcastPropose(ctx context.Context, paxosID ids.PaxosID, peers []ids.NodeID, proposalID ids.ProposalID, runID ids.RunID, value []byte) error {
	p.stats.Inc("propose.send.count", 1)
	msg := Message{Type: ProposeRequest, PaxosID: paxosID, NodeID: p.nodeID, ProposalID: proposalID, RunID: runID, Value: value}

	recvChan := make(chan Message, len(peers))
	for _, peer := range peers {
		go func(peer ids.NodeID) {
			resp, err := p.transport.Send(ctx, peer, msg)
			if err != nil || resp == nil {
				return
			}
			recvChan <- *resp
		}(peer)
	}

	need := quorumSize(len(peers))
	received := 1
	timeout := time.After(p.ProposeTimeout)
	rejected := 0
	for received < need {
		select {
		case resp := <-recvChan:
			received++
			if resp.Type == ProposeRejected {
				rejected++
			}
		case <-timeout:
			p.stats.Inc("propose.timeout.count", 1)
			return errs.NewTimeoutError("paxos: timed out waiting for propose quorum on %v", paxosID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if rejected > 0 {
		p.stats.Inc("propose.rejected.count", 1)
		return errs.NewBallotError("paxos: propose rejected for %v", paxosID)
	}
	return nil
}

// broadcastLearn fires LearnValue to every peer and does not wait for
// replies; learning is best-effort, a lagging replica catches up via
// StartCatchup instead (spec §2.3).
func (p *Proposer) broadcastLearn(ctx context.Context, paxosID ids.PaxosID, peers []ids.NodeID, runID ids.RunID, value []byte) {
	msg := Message{Type: LearnValue, PaxosID: paxosID, NodeID: p.nodeID, RunID: runID, Value: value}
	for _, peer := range peers {
		go func(peer ids.NodeID) {
			_, _ = p.transport.Send(ctx, peer, msg)
		}(peer)
	}
}
