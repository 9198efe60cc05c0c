package shard

import (
	"bufio"
	"context"
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

// newSingleNodeProcessor wires one shard's Processor against a real
// Engine and a lease-holding, single-node quorum.Context — no remote
// peers, so Propose completes locally without ever touching a
// paxos.Transport (quorumSize(0) == 1, satisfied by this node alone).
func newSingleNodeProcessor(t *testing.T, shardID ids.ShardID, tableID ids.TableID, quorumID ids.QuorumID, sink ResponseSink) *Processor {
	t.Helper()
	const nodeID = ids.NodeID(1)

	engine, err := storage.OpenEngine(t.TempDir(), shardID)
	require.NoError(t, err)

	statsClient := stats.New("test", stats.NoopStatter{}, nil)
	acceptorStore := storage.NewAcceptorStore(engine)
	acceptor := paxos.NewAcceptor(nodeID, acceptorStore)
	proposer := paxos.NewProposer(nodeID, nil, statsClient)
	lease := paxoslease.New(nodeID, proposer, ids.PaxosID(0), nil, statsClient)

	grant, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, nodeID, grant.Holder)

	p := NewProcessor(shardID, tableID, quorumID, engine, sink, statsClient)
	qctx := quorum.NewContext(quorumID, nodeID, nil, proposer, acceptor, lease, p.AppendFunc(), statsClient)
	p.Bind(qctx)
	return p
}

func newTestConfigState(tableID ids.TableID, shardID ids.ShardID, quorumID ids.QuorumID) *config.State {
	s := config.New()
	s.PutQuorum(&config.Quorum{QuorumID: quorumID, ActiveNodes: []ids.NodeID{1}})
	s.PutDatabase(&config.Database{DatabaseID: 1, Name: "d"})
	s.PutTable(&config.Table{TableID: tableID, DatabaseID: 1, Name: "t", Shards: []ids.ShardID{shardID}})
	s.PutShard(&config.Shard{ShardID: shardID, TableID: tableID, QuorumID: quorumID, OpenFirst: true, OpenLast: true})
	return s
}

func dialAndRoundTrip(t *testing.T, addr string, req *wire.Request) *wire.Response {
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

func TestServerSetGetRoundTrip(t *testing.T) {
	const tableID, shardID, quorumID = ids.TableID(1), ids.ShardID(1), ids.QuorumID(1)

	resolver := NewStaticResolver()
	srv := NewServer(NewTableResolver(func() *config.State { return newTestConfigState(tableID, shardID, quorumID) }, resolver))

	processor := newSingleNodeProcessor(t, shardID, tableID, quorumID, srv)
	resolver.Put(shardID, processor)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go srv.Serve(ln)

	setResp := dialAndRoundTrip(t, ln.Addr().String(), &wire.Request{
		CommandID: 1, Type: wire.ReqSet, TableID: tableID, Key: []byte("k"), Value: []byte("v"),
	})
	assert.Equal(t, wire.RespOK, setResp.Type)

	getResp := dialAndRoundTrip(t, ln.Addr().String(), &wire.Request{
		CommandID: 2, Type: wire.ReqGet, TableID: tableID, Key: []byte("k"),
	})
	assert.Equal(t, wire.RespValue, getResp.Type)
	assert.Equal(t, []byte("v"), getResp.Value)
}

func TestServerUnresolvableShardReturnsNoService(t *testing.T) {
	const tableID, shardID, quorumID = ids.TableID(1), ids.ShardID(1), ids.QuorumID(1)

	resolver := NewStaticResolver()
	// No Processor Put for shardID: the config.State still resolves the
	// shard, then the lookup in the empty StaticResolver misses.
	srv := NewServer(NewTableResolver(func() *config.State { return newTestConfigState(tableID, shardID, quorumID) }, resolver))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go srv.Serve(ln)

	resp := dialAndRoundTrip(t, ln.Addr().String(), &wire.Request{
		CommandID: 1, Type: wire.ReqGet, TableID: tableID, Key: []byte("k"),
	})
	assert.Equal(t, wire.RespNoService, resp.Type)
}
