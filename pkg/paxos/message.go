// Package paxos implements single-decree Paxos for one log position
// (one PaxosID) within a shard or controller quorum (spec §2, §4.2).
// Message shapes and phase names are ported from the original
// PaxosMessage taxonomy (PrepareRequest/PrepareRejected/
// PreparePreviouslyAccepted/PrepareCurrentlyOpen/ProposeRequest/
// ProposeRejected/ProposeAccepted/LearnValue/LearnProposal/
// RequestChosen/StartCatchup); the quorum-response-collection idiom
// (goroutine-per-replica send, buffered channel, select-with-timeout)
// is ported from the teacher's consensus/manager_prepare.go and
// consensus/scope_accept.go.
package paxos

import "github.com/YumaTheCompanion/scaliendb/pkg/ids"

// MessageType is the Paxos wire message discriminator.
type MessageType byte

const (
	PrepareRequest             MessageType = 'p'
	PrepareRejected            MessageType = 'P'
	PreparePreviouslyAccepted  MessageType = 'a'
	PrepareCurrentlyOpen       MessageType = 'o'
	ProposeRequest             MessageType = 'r'
	ProposeRejected            MessageType = 'R'
	ProposeAccepted            MessageType = 'A'
	LearnValue                 MessageType = 'v'
	LearnProposal              MessageType = 'l'
	RequestChosen              MessageType = 'c'
	StartCatchup               MessageType = 's'
)

// Message is the single wire-level struct carrying every Paxos message
// shape; unused fields for a given Type are left zero, same as the
// original's one-struct-many-types layout.
type Message struct {
	Type   MessageType
	PaxosID ids.PaxosID
	NodeID  ids.NodeID

	ProposalID          ids.ProposalID
	PromisedProposalID  ids.ProposalID
	AcceptedProposalID  ids.ProposalID
	RunID               ids.RunID
	Value               []byte
}

func (m Message) IsPrepareResponse() bool {
	switch m.Type {
	case PrepareRejected, PreparePreviouslyAccepted, PrepareCurrentlyOpen:
		return true
	}
	return false
}

func (m Message) IsProposeResponse() bool {
	return m.Type == ProposeRejected || m.Type == ProposeAccepted
}

func (m Message) IsLearn() bool {
	return m.Type == LearnValue || m.Type == LearnProposal
}
