package paxos

import (
	"sync"

	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

// AcceptorState is the durable promise/accept record for one PaxosID.
// It must be fsynced before the acceptor replies to a Prepare or
// Propose request (spec §7: AcceptorPersistence is always fatal).
type AcceptorState struct {
	PaxosID ids.PaxosID

	PromisedProposalID ids.ProposalID
	AcceptedProposalID ids.ProposalID
	AcceptedRunID      ids.RunID
	AcceptedValue      []byte
	HasAccepted        bool

	Learned      bool
	LearnedRunID ids.RunID
	LearnedValue []byte
}

// Store persists AcceptorState across restarts. Implemented by
// pkg/storage against the shard's write-ahead log.
type Store interface {
	SaveAcceptorState(s AcceptorState) error
	LoadAcceptorState(paxosID ids.PaxosID) (AcceptorState, error)
}

// Acceptor answers Prepare/Propose/Learn messages for a set of PaxosIDs
// belonging to one quorum. One Acceptor instance is shared by all log
// positions of a quorum; state for each position is loaded from Store
// lazily and cached in memory.
type Acceptor struct {
	nodeID ids.NodeID
	store  Store

	mu     sync.Mutex
	states map[ids.PaxosID]*AcceptorState
}

func NewAcceptor(nodeID ids.NodeID, store Store) *Acceptor {
	return &Acceptor{nodeID: nodeID, store: store, states: make(map[ids.PaxosID]*AcceptorState)}
}

func (a *Acceptor) stateFor(paxosID ids.PaxosID) (*AcceptorState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[paxosID]; ok {
		return s, nil
	}
	s, err := a.store.LoadAcceptorState(paxosID)
	if err != nil {
		return nil, err
	}
	s.PaxosID = paxosID
	cp := s
	a.states[paxosID] = &cp
	return &cp, nil
}

func (a *Acceptor) persist(s *AcceptorState) error {
	if err := a.store.SaveAcceptorState(*s); err != nil {
		return errs.NewAcceptorPersistenceError(err)
	}
	a.mu.Lock()
	a.states[s.PaxosID] = s
	a.mu.Unlock()
	return nil
}

// Handle answers one incoming Prepare/Propose/Learn/StartCatchup
// message, returning the response message to send back (nil for
// messages that expect no reply, such as a learned value broadcast).
func (a *Acceptor) Handle(in Message) (*Message, error) {
	switch in.Type {
	case PrepareRequest:
		return a.handlePrepare(in)
	case ProposeRequest:
		return a.handlePropose(in)
	case LearnValue, LearnProposal:
		return nil, a.handleLearn(in)
	default:
		return nil, nil
	}
}

func (a *Acceptor) handlePrepare(in Message) (*Message, error) {
	s, err := a.stateFor(in.PaxosID)
	if err != nil {
		return nil, err
	}

	if in.ProposalID <= s.PromisedProposalID {
		return &Message{
			Type: PrepareRejected, PaxosID: in.PaxosID, NodeID: a.nodeID,
			ProposalID: in.ProposalID, PromisedProposalID: s.PromisedProposalID,
		}, nil
	}

	s.PromisedProposalID = in.ProposalID
	if err := a.persist(s); err != nil {
		return nil, err
	}

	if s.HasAccepted {
		return &Message{
			Type: PreparePreviouslyAccepted, PaxosID: in.PaxosID, NodeID: a.nodeID,
			ProposalID: in.ProposalID, AcceptedProposalID: s.AcceptedProposalID,
			RunID: s.AcceptedRunID, Value: s.AcceptedValue,
		}, nil
	}

	return &Message{
		Type: PrepareCurrentlyOpen, PaxosID: in.PaxosID, NodeID: a.nodeID,
		ProposalID: in.ProposalID,
	}, nil
}

func (a *Acceptor) handlePropose(in Message) (*Message, error) {
	s, err := a.stateFor(in.PaxosID)
	if err != nil {
		return nil, err
	}

	if in.ProposalID < s.PromisedProposalID {
		return &Message{
			Type: ProposeRejected, PaxosID: in.PaxosID, NodeID: a.nodeID,
			ProposalID: in.ProposalID,
		}, nil
	}

	s.PromisedProposalID = in.ProposalID
	s.AcceptedProposalID = in.ProposalID
	s.AcceptedRunID = in.RunID
	s.AcceptedValue = in.Value
	s.HasAccepted = true
	if err := a.persist(s); err != nil {
		return nil, err
	}

	return &Message{
		Type: ProposeAccepted, PaxosID: in.PaxosID, NodeID: a.nodeID,
		ProposalID: in.ProposalID,
	}, nil
}

func (a *Acceptor) handleLearn(in Message) error {
	s, err := a.stateFor(in.PaxosID)
	if err != nil {
		return err
	}
	s.Learned = true
	s.LearnedRunID = in.RunID
	s.LearnedValue = in.Value
	return a.persist(s)
}

// Learned reports the chosen value for paxosID, if this acceptor has
// been sent one in a LearnValue/LearnProposal message (handleLearn).
func (a *Acceptor) Learned(paxosID ids.PaxosID) (runID ids.RunID, value []byte, ok bool) {
	s, err := a.stateFor(paxosID)
	if err != nil || !s.Learned {
		return 0, nil, false
	}
	return s.LearnedRunID, s.LearnedValue, true
}
