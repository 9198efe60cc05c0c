package quorum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// Router demuxes one node's inbound cluster-protocol connections across
// every quorum (shard or controller) that node currently serves: each
// envelope names its QuorumID, so one listener covers every Context
// instead of one port per quorum (spec §6 "tag-dispatched cluster
// messages", this file).
type Router struct {
	mu       sync.RWMutex
	contexts map[ids.QuorumID]*Context
}

func NewRouter() *Router { return &Router{contexts: make(map[ids.QuorumID]*Context)} }

// Register makes ctx reachable by its QuorumID; Unregister removes it,
// e.g. once a shard migrates off this node.
func (r *Router) Register(ctx *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[ctx.QuorumID] = ctx
}

func (r *Router) Unregister(quorumID ids.QuorumID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, quorumID)
}

// Serve accepts connections on ln until it returns an error (e.g. the
// listener was closed), handling each on its own goroutine.
func (r *Router) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go r.handleConn(conn)
	}
}

func (r *Router) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			return
		}
		quorumID, msg, err := decodeEnvelope(frame)
		if err != nil {
			return
		}

		r.mu.RLock()
		ctx, ok := r.contexts[quorumID]
		r.mu.RUnlock()
		if !ok {
			continue // quorum not (or no longer) served here; drop silently
		}

		resp, err := ctx.HandleMessage(msg)
		if err != nil || resp == nil {
			continue
		}
		if err := wire.WriteFrame(conn, encodeEnvelope(quorumID, *resp)); err != nil {
			return
		}
	}
}

// peerConn pairs a dialed connection with its own buffered reader (a
// fresh bufio.Reader per Send would drop any bytes it over-read) and a
// mutex serializing request/response pairs, since a quorum proposes one
// decree at a time under the lease-holder model.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// PeerTransport implements paxos.Transport for one quorum, dialing (and
// reusing) one connection per peer node and tagging every message with
// quorumID so the peer's Router demuxes it to the matching Context.
// paxoslease.Lease reuses this same Transport via the paxos.Proposer it
// shares with the quorum's data log, so no separate lease-wire path is
// needed.
type PeerTransport struct {
	quorumID ids.QuorumID
	addrs    map[ids.NodeID]string

	mu    sync.Mutex
	conns map[ids.NodeID]*peerConn
}

// NewPeerTransport builds a transport for quorumID given a NodeID->TCP
// address map for every peer this node may need to send to.
func NewPeerTransport(quorumID ids.QuorumID, addrs map[ids.NodeID]string) *PeerTransport {
	return &PeerTransport{quorumID: quorumID, addrs: addrs, conns: make(map[ids.NodeID]*peerConn)}
}

func (t *PeerTransport) dial(to ids.NodeID) (*peerConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.conns[to]; ok {
		return pc, nil
	}
	addr, ok := t.addrs[to]
	if !ok {
		return nil, fmt.Errorf("quorum: no address known for peer node %v", to)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	pc := &peerConn{conn: conn, r: bufio.NewReader(conn)}
	t.conns[to] = pc
	return pc, nil
}

func (t *PeerTransport) drop(to ids.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.conns[to]; ok {
		pc.conn.Close()
		delete(t.conns, to)
	}
}

// Send delivers msg to peer `to` and waits for its direct reply,
// satisfying paxos.Transport.
func (t *PeerTransport) Send(ctx context.Context, to ids.NodeID, msg paxos.Message) (*paxos.Message, error) {
	pc, err := t.dial(to)
	if err != nil {
		return nil, err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = pc.conn.SetDeadline(deadline)
	}

	if err := wire.WriteFrame(pc.conn, encodeEnvelope(t.quorumID, msg)); err != nil {
		t.drop(to)
		return nil, err
	}
	frame, err := wire.ReadFrame(pc.r)
	if err != nil {
		t.drop(to)
		return nil, err
	}
	_, resp, err := decodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close tears down every cached peer connection.
func (t *PeerTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for to, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, to)
	}
}

func encodeEnvelope(quorumID ids.QuorumID, msg paxos.Message) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(quorumID))
	buf.WriteByte(byte(msg.Type))
	binary.Write(&buf, binary.LittleEndian, uint64(msg.PaxosID))
	binary.Write(&buf, binary.LittleEndian, uint64(msg.NodeID))
	binary.Write(&buf, binary.LittleEndian, uint64(msg.ProposalID))
	binary.Write(&buf, binary.LittleEndian, uint64(msg.PromisedProposalID))
	binary.Write(&buf, binary.LittleEndian, uint64(msg.AcceptedProposalID))
	binary.Write(&buf, binary.LittleEndian, uint64(msg.RunID))
	binary.Write(&buf, binary.LittleEndian, uint32(len(msg.Value)))
	buf.Write(msg.Value)
	return buf.Bytes()
}

func decodeEnvelope(frame []byte) (ids.QuorumID, paxos.Message, error) {
	const fixedLen = 8 + 1 + 8 + 8 + 8 + 8 + 8 + 8 + 4
	if len(frame) < fixedLen {
		return 0, paxos.Message{}, fmt.Errorf("quorum: envelope too short")
	}
	r := bytes.NewReader(frame)

	var quorumID, paxosID, nodeID, proposalID, promised, accepted, runID uint64
	var typ byte
	var valLen uint32

	binary.Read(r, binary.LittleEndian, &quorumID)
	typ, _ = r.ReadByte()
	binary.Read(r, binary.LittleEndian, &paxosID)
	binary.Read(r, binary.LittleEndian, &nodeID)
	binary.Read(r, binary.LittleEndian, &proposalID)
	binary.Read(r, binary.LittleEndian, &promised)
	binary.Read(r, binary.LittleEndian, &accepted)
	binary.Read(r, binary.LittleEndian, &runID)
	binary.Read(r, binary.LittleEndian, &valLen)

	value := make([]byte, valLen)
	if _, err := r.Read(value); err != nil && valLen > 0 {
		return 0, paxos.Message{}, fmt.Errorf("quorum: truncated envelope value")
	}

	msg := paxos.Message{
		Type:               paxos.MessageType(typ),
		PaxosID:            ids.PaxosID(paxosID),
		NodeID:             ids.NodeID(nodeID),
		ProposalID:         ids.ProposalID(proposalID),
		PromisedProposalID: ids.ProposalID(promised),
		AcceptedProposalID: ids.ProposalID(accepted),
		RunID:              ids.RunID(runID),
		Value:              value,
	}
	return ids.QuorumID(quorumID), msg, nil
}
