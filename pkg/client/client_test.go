package client

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// fakeServer accepts a single connection and answers every request
// through handle, looping until the connection closes.
type fakeServer struct {
	ln net.Listener
}

func startFakeServer(t *testing.T, handle func(*wire.Request) *wire.Response) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fakeServer{ln: ln}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			frame, err := wire.ReadFrame(r)
			if err != nil {
				return
			}
			req, err := wire.DecodeRequest(frame)
			if err != nil {
				return
			}
			resp := handle(req)
			resp.CommandID = req.CommandID
			if _, err := conn.Write(wire.EncodeResponse(resp)); err != nil {
				return
			}
		}
	}()

	return srv
}

func (s *fakeServer) Addr() string { return s.ln.Addr().String() }
func (s *fakeServer) Close()       { s.ln.Close() }

func TestConnSendReceivesMatchingResponse(t *testing.T) {
	srv := startFakeServer(t, func(req *wire.Request) *wire.Response {
		return &wire.Response{Type: wire.RespValue, Value: []byte("echo:" + string(req.Key))}
	})
	defer srv.Close()

	conn, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	req := &wire.Request{CommandID: 1, Type: wire.ReqGet, Key: []byte("k1")}
	respCh, err := conn.Send(req)
	require.NoError(t, err)

	select {
	case resp := <-respCh:
		assert.Equal(t, []byte("echo:k1"), resp.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestShardConnectionTracksQuorumsSorted(t *testing.T) {
	sc := NewShardConnection("127.0.0.1:0", ids.NodeID(1), nil)
	sc.AddQuorum(ids.QuorumID(5))
	sc.AddQuorum(ids.QuorumID(2))
	sc.AddQuorum(ids.QuorumID(5))
	sc.AddQuorum(ids.QuorumID(9))

	assert.Equal(t, []ids.QuorumID{2, 5, 9}, sc.Quorums())
}

func TestShardConnectionCloseReturnsUnackedInOrder(t *testing.T) {
	block := make(chan struct{})
	srv := startFakeServer(t, func(req *wire.Request) *wire.Response {
		<-block // never respond until test tears down
		return &wire.Response{Type: wire.RespOK}
	})
	defer srv.Close()
	defer close(block)

	sc := NewShardConnection(srv.Addr(), ids.NodeID(1), nil)
	require.NoError(t, sc.Connect())

	for i := ids.CommandID(1); i <= 3; i++ {
		req := &wire.Request{CommandID: i, Type: wire.ReqGet, Key: []byte("k")}
		_, err := sc.Submit(req, ids.QuorumID(1))
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond) // let Submit register before Close races it
	unacked := sc.Close()
	require.Len(t, unacked, 3)
	assert.Equal(t, ids.CommandID(1), unacked[0].CommandID)
	assert.Equal(t, ids.CommandID(2), unacked[1].CommandID)
	assert.Equal(t, ids.CommandID(3), unacked[2].CommandID)
}

func TestShardConnectionNoServiceInvalidatesPrimary(t *testing.T) {
	srv := startFakeServer(t, func(req *wire.Request) *wire.Response {
		return &wire.Response{Type: wire.RespNoService}
	})
	defer srv.Close()

	var invalidated ids.QuorumID
	sc := NewShardConnection(srv.Addr(), ids.NodeID(1), func(q ids.QuorumID) { invalidated = q })
	require.NoError(t, sc.Connect())

	respCh, err := sc.Submit(&wire.Request{CommandID: 1, Type: wire.ReqGet, Key: []byte("k")}, ids.QuorumID(7))
	require.NoError(t, err)

	select {
	case resp := <-respCh:
		assert.Equal(t, wire.RespNoService, resp.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ids.QuorumID(7), invalidated)
}

// newTestState builds a one-shard, one-quorum, one-server ConfigState
// pointed at addr, with db "d" / table "t" covering the whole keyspace.
func newTestState(addr string, nodeID ids.NodeID, port int) *config.State {
	s := config.New()
	s.ShardServers = []config.ShardServer{{NodeID: nodeID, Endpoint: addr, SDBPPort: port}}
	s.PutQuorum(&config.Quorum{QuorumID: 1, ActiveNodes: []ids.NodeID{nodeID}, HasPrimary: true, PrimaryID: nodeID})
	s.PutDatabase(&config.Database{DatabaseID: 1, Name: "d"})
	s.PutTable(&config.Table{TableID: 1, DatabaseID: 1, Name: "t", Shards: []ids.ShardID{1}})
	s.PutShard(&config.Shard{ShardID: 1, TableID: 1, QuorumID: 1, OpenFirst: true, OpenLast: true})
	return s
}

func TestClientGetSetRoundTrip(t *testing.T) {
	store := map[string][]byte{}
	srv := startFakeServer(t, func(req *wire.Request) *wire.Response {
		switch req.Type {
		case wire.ReqSet:
			store[string(req.Key)] = req.Value
			return &wire.Response{Type: wire.RespOK}
		case wire.ReqGet:
			v, ok := store[string(req.Key)]
			if !ok {
				return &wire.Response{Type: wire.RespFailed}
			}
			return &wire.Response{Type: wire.RespValue, Value: v}
		default:
			return &wire.Response{Type: wire.RespFailed}
		}
	})
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	state := newTestState(host, ids.NodeID(1), port)
	c := New(state)
	require.NoError(t, c.UseDatabase("d"))
	require.NoError(t, c.UseTable("t"))

	require.NoError(t, c.Set([]byte("hello"), []byte("world")))
	v, ok, err := c.Get([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("world"), v)

	c.Close()
}

func TestClientUseDatabaseMissingReturnsError(t *testing.T) {
	state := config.New()
	c := New(state)
	err := c.UseDatabase("nope")
	require.Error(t, err)
}
