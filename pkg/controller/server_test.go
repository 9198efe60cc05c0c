package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxoslease"
	"github.com/YumaTheCompanion/scaliendb/pkg/quorum"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
	"github.com/YumaTheCompanion/scaliendb/pkg/storage"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// newLeaderConfigServer wires a single-node controller quorum (no
// remote peers, same reasoning as pkg/shard's server_test.go: an empty
// peers slice makes quorumSize(0) == 1, so Propose and lease Acquire
// both complete locally) with its lease already held.
func newLeaderConfigServer(t *testing.T) (*ConfigServer, *ConfigContext) {
	t.Helper()
	const nodeID = ids.NodeID(1)

	engine, err := storage.OpenEngine(t.TempDir(), ids.ShardID(0))
	require.NoError(t, err)

	statsClient := stats.New("test", stats.NoopStatter{}, nil)
	acceptorStore := storage.NewAcceptorStore(engine)
	acceptor := paxos.NewAcceptor(nodeID, acceptorStore)
	proposer := paxos.NewProposer(nodeID, nil, statsClient)
	lease := paxoslease.New(nodeID, proposer, ids.PaxosID(0), nil, statsClient)

	grant, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, nodeID, grant.Holder)

	cc := NewConfigContext(nodeID, ids.RunID(nodeID), ids.NewGenerator(0), statsClient)
	qctx := quorum.NewContext(ids.QuorumID(0), nodeID, nil, proposer, acceptor, lease, cc.AppendFunc(), statsClient)
	cc.Bind(qctx)

	hm := NewConfigHeartbeatManager(cc, statsClient)
	return NewConfigServer(cc, hm), cc
}

func roundTrip(t *testing.T, addr string, req *wire.Request) *wire.Response {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(wire.EncodeRequest(req))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := wire.ReadFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	resp, err := wire.DecodeResponse(frame)
	require.NoError(t, err)
	return resp
}

func TestConfigServerGetConfigStateReturnsCurrentState(t *testing.T) {
	cs, cc := newLeaderConfigServer(t)
	cc.State().PutQuorum(&config.Quorum{QuorumID: 1, ActiveNodes: []ids.NodeID{1}})
	cc.QueueMutation(config.Mutation{Type: config.MutSetPrimary, QuorumID: 1, NodeID: 1})
	ok, err := cc.ProposeNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go cs.Serve(ln)

	resp := roundTrip(t, ln.Addr().String(), &wire.Request{CommandID: 1, Type: wire.ReqGetConfigState})
	require.Equal(t, wire.RespConfigState, resp.Type)

	state, err := config.Unmarshal(resp.ConfigState)
	require.NoError(t, err)
	q, ok := state.Quorum(ids.QuorumID(1))
	require.True(t, ok)
	assert.Equal(t, ids.NodeID(1), q.PrimaryID)
}

func TestConfigServerRejectsNonGetConfigStateRequests(t *testing.T) {
	cs, _ := newLeaderConfigServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go cs.Serve(ln)

	resp := roundTrip(t, ln.Addr().String(), &wire.Request{CommandID: 1, Type: wire.ReqGet, Key: []byte("k")})
	assert.Equal(t, wire.RespFailed, resp.Type)
}

func TestConfigServerServeHeartbeatsIngestsHeartbeat(t *testing.T) {
	cs, cc := newLeaderConfigServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go cs.ServeHeartbeats(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	hb := Heartbeat{NodeID: 2, QuorumID: 5, IsPrimary: true, ShardID: 9, ExpireTime: time.Now().Add(time.Minute)}
	buf, err := json.Marshal(hb)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, buf))

	require.Eventually(t, func() bool {
		_, ok, err := cc.GetNextValue()
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond, "heartbeat never queued a mutation")
}
