package paxos

import (
	"context"
	"testing"
	"time"

	gocheck "gopkg.in/check.v1"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

func Test(t *testing.T) { gocheck.TestingT(t) }

type memStore struct {
	states map[ids.PaxosID]AcceptorState
}

func newMemStore() *memStore { return &memStore{states: make(map[ids.PaxosID]AcceptorState)} }

func (m *memStore) SaveAcceptorState(s AcceptorState) error {
	m.states[s.PaxosID] = s
	return nil
}

func (m *memStore) LoadAcceptorState(paxosID ids.PaxosID) (AcceptorState, error) {
	return m.states[paxosID], nil
}

// fakeTransport wires a proposer directly to a fixed set of acceptors
// in-process, skipping the network for unit-testing the Prepare/Propose
// quorum logic.
type fakeTransport struct {
	acceptors map[ids.NodeID]*Acceptor
}

func (f *fakeTransport) Send(ctx context.Context, to ids.NodeID, msg Message) (*Message, error) {
	a, ok := f.acceptors[to]
	if !ok {
		return nil, nil
	}
	return a.Handle(msg)
}

type PaxosSuite struct{}

var _ = gocheck.Suite(&PaxosSuite{})

func (s *PaxosSuite) TestSinglePropsalReachesQuorum(c *gocheck.C) {
	acceptors := map[ids.NodeID]*Acceptor{
		2: NewAcceptor(2, newMemStore()),
		3: NewAcceptor(3, newMemStore()),
	}
	transport := &fakeTransport{acceptors: acceptors}
	proposer := NewProposer(1, transport, nil)

	runID, value, err := proposer.Propose(context.Background(), ids.PaxosID(1), []ids.NodeID{2, 3}, ids.RunID(7), []byte("hello"))
	c.Assert(err, gocheck.IsNil)
	c.Assert(runID, gocheck.Equals, ids.RunID(7))
	c.Assert(string(value), gocheck.Equals, "hello")

	// broadcastLearn delivers the learn message asynchronously.
	learnedRun, learnedVal, ok := acceptors[2].Learned(ids.PaxosID(1))
	for i := 0; i < 100 && !ok; i++ {
		time.Sleep(10 * time.Millisecond)
		learnedRun, learnedVal, ok = acceptors[2].Learned(ids.PaxosID(1))
	}
	c.Assert(ok, gocheck.Equals, true)
	c.Assert(learnedRun, gocheck.Equals, ids.RunID(7))
	c.Assert(string(learnedVal), gocheck.Equals, "hello")
}

func (s *PaxosSuite) TestCompetingProposalYieldsToHigherBallot(c *gocheck.C) {
	store2, store3 := newMemStore(), newMemStore()
	acceptors := map[ids.NodeID]*Acceptor{
		2: NewAcceptor(2, store2),
		3: NewAcceptor(3, store3),
	}

	// simulate a prior higher-ballot promise on every acceptor, so this
	// proposer's lower-numbered first attempt is rejected regardless of
	// which peer's response arrives first.
	store2.states[ids.PaxosID(5)] = AcceptorState{PaxosID: 5, PromisedProposalID: ids.ProposalID(1) << 20}
	store3.states[ids.PaxosID(5)] = AcceptorState{PaxosID: 5, PromisedProposalID: ids.ProposalID(1) << 20}

	transport := &fakeTransport{acceptors: acceptors}
	proposer := NewProposer(1, transport, nil)

	_, _, err := proposer.Propose(context.Background(), ids.PaxosID(5), []ids.NodeID{2, 3}, ids.RunID(1), []byte("v"))
	c.Assert(err, gocheck.NotNil)
}
