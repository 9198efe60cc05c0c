package quorum

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
)

type memStore struct {
	states map[ids.PaxosID]paxos.AcceptorState
}

func newMemStore() *memStore { return &memStore{states: make(map[ids.PaxosID]paxos.AcceptorState)} }

func (m *memStore) SaveAcceptorState(s paxos.AcceptorState) error {
	m.states[s.PaxosID] = s
	return nil
}

func (m *memStore) LoadAcceptorState(paxosID ids.PaxosID) (paxos.AcceptorState, error) {
	return m.states[paxosID], nil
}

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	msg := paxos.Message{
		Type:               paxos.ProposeRequest,
		PaxosID:            9,
		NodeID:             2,
		ProposalID:         3,
		PromisedProposalID: 1,
		AcceptedProposalID: 1,
		RunID:              5,
		Value:              []byte("hello"),
	}
	frame := encodeEnvelope(ids.QuorumID(77), msg)
	quorumID, got, err := decodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, ids.QuorumID(77), quorumID)
	assert.Equal(t, msg, got)
}

func TestDecodeEnvelopeTooShort(t *testing.T) {
	_, _, err := decodeEnvelope([]byte{1, 2, 3})
	assert.Error(t, err)
}

// TestRouterAndPeerTransportRoundTrip dials a real TCP connection into a
// Router serving one Context and checks a Prepare request gets answered
// by that Context's Acceptor.
func TestRouterAndPeerTransportRoundTrip(t *testing.T) {
	acceptor := paxos.NewAcceptor(ids.NodeID(2), newMemStore())
	ctx := NewContext(ids.QuorumID(1), ids.NodeID(2), []ids.NodeID{1, 2}, nil, acceptor, nil, func(ids.PaxosID, ids.RunID, []byte, bool) {}, nil)

	router := NewRouter()
	router.Register(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go router.Serve(ln)

	transport := NewPeerTransport(ids.QuorumID(1), map[ids.NodeID]string{2: ln.Addr().String()})
	defer transport.Close()

	sendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := transport.Send(sendCtx, ids.NodeID(2), paxos.Message{
		Type:       paxos.PrepareRequest,
		PaxosID:    1,
		NodeID:     1,
		ProposalID: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, paxos.PrepareCurrentlyOpen, resp.Type)
}

func TestRouterDropsUnknownQuorumSilently(t *testing.T) {
	router := NewRouter()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go router.Serve(ln)

	transport := NewPeerTransport(ids.QuorumID(99), map[ids.NodeID]string{1: ln.Addr().String()})
	defer transport.Close()

	sendCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = transport.Send(sendCtx, ids.NodeID(1), paxos.Message{Type: paxos.PrepareRequest, PaxosID: 1})
	assert.Error(t, err)
}
