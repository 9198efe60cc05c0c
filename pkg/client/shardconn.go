package client

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// DefaultConnectTimeout bounds how long ShardConnection.Connect waits
// for the TCP dial before giving up.
const DefaultConnectTimeout = 3 * time.Second

// DefaultFlushThreshold is the value every ShardConnection stores as
// its flushThreshold. Nothing reads that field: Submit hands each
// request to Conn.Send, which writes and flushes it to the socket at
// once, so requests are never held in an outgoing buffer.
const DefaultFlushThreshold = 64 * 1024

// ShardConnection is one connection to a shard server, tracking which
// quorums it is known to serve (SortedList[QuorumID], spec §4.3) and
// the requests still awaiting a response so they can be requeued to
// the front of the pending list if the connection drops.
type ShardConnection struct {
	Addr   string
	NodeID ids.NodeID

	onNoService func(quorumID ids.QuorumID)

	mu             sync.Mutex
	conn           *Conn
	quorums        []ids.QuorumID
	pending        map[ids.CommandID]*wire.Request
	pendingOrder   []ids.CommandID
	bufferedBytes  int
	connectTimeout time.Duration
	flushThreshold int
}

// NewShardConnection builds a disconnected ShardConnection; Connect
// must be called before Submit. onNoService is invoked with the
// QuorumID of any request that comes back NOSERVICE, so the Client can
// invalidate its cached primary and reassign (spec §4.3).
func NewShardConnection(addr string, nodeID ids.NodeID, onNoService func(ids.QuorumID)) *ShardConnection {
	return &ShardConnection{
		Addr:           addr,
		NodeID:         nodeID,
		onNoService:    onNoService,
		pending:        make(map[ids.CommandID]*wire.Request),
		connectTimeout: DefaultConnectTimeout,
		flushThreshold: DefaultFlushThreshold,
	}
}

// AddQuorum records that this connection serves quorumID, keeping the
// SortedList[QuorumID] invariant of spec §4.3.
func (sc *ShardConnection) AddQuorum(quorumID ids.QuorumID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	i := sort.Search(len(sc.quorums), func(i int) bool { return sc.quorums[i] >= quorumID })
	if i < len(sc.quorums) && sc.quorums[i] == quorumID {
		return
	}
	sc.quorums = append(sc.quorums, 0)
	copy(sc.quorums[i+1:], sc.quorums[i:])
	sc.quorums[i] = quorumID
}

func (sc *ShardConnection) Quorums() []ids.QuorumID {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]ids.QuorumID(nil), sc.quorums...)
}

// Connect dials the shard server if not already connected.
func (sc *ShardConnection) Connect() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.conn != nil {
		return nil
	}
	nc, err := net.DialTimeout("tcp", sc.Addr, sc.connectTimeout)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", sc.Addr, err)
	}
	sc.conn = newConn(nc)
	return nil
}

// Submit sends req for quorumID, tracking it as unacknowledged until a
// terminal (non-NEXT) response arrives.
func (sc *ShardConnection) Submit(req *wire.Request, quorumID ids.QuorumID) (<-chan *wire.Response, error) {
	sc.mu.Lock()
	if sc.conn == nil {
		sc.mu.Unlock()
		return nil, fmt.Errorf("client: shard connection %s not connected", sc.Addr)
	}
	sc.pending[req.CommandID] = req
	sc.pendingOrder = append(sc.pendingOrder, req.CommandID)
	sc.mu.Unlock()

	raw, err := sc.conn.Send(req)
	if err != nil {
		sc.forget(req.CommandID)
		return nil, err
	}

	out := make(chan *wire.Response, 4)
	go sc.watch(req.CommandID, quorumID, raw, out)
	return out, nil
}

// watch relays responses for one command, forgetting it once a
// terminal response arrives and notifying onNoService for NOSERVICE.
func (sc *ShardConnection) watch(commandID ids.CommandID, quorumID ids.QuorumID, raw <-chan *wire.Response, out chan<- *wire.Response) {
	defer close(out)
	for resp := range raw {
		out <- resp
		if resp.Type == wire.RespNext {
			continue
		}
		if resp.Type == wire.RespNoService && sc.onNoService != nil {
			sc.onNoService(quorumID)
		}
		sc.forget(commandID)
		return
	}
	sc.forget(commandID)
}

func (sc *ShardConnection) forget(commandID ids.CommandID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.pending, commandID)
	for i, id := range sc.pendingOrder {
		if id == commandID {
			sc.pendingOrder = append(sc.pendingOrder[:i], sc.pendingOrder[i+1:]...)
			break
		}
	}
}

// Close tears down the connection and returns every still-unacked
// request in submission order, for the caller to push to the front of
// its pending list (spec §5 "close -> push un-ACK'd requests to front
// of pending list + invalidate cached primary + reconnect-or-wait
// connectTimeout").
func (sc *ShardConnection) Close() []*wire.Request {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var unacked []*wire.Request
	for _, id := range sc.pendingOrder {
		if req, ok := sc.pending[id]; ok {
			unacked = append(unacked, req)
		}
	}
	sc.pending = make(map[ids.CommandID]*wire.Request)
	sc.pendingOrder = nil

	if sc.conn != nil {
		sc.conn.Close()
		sc.conn = nil
	}
	return unacked
}

func (sc *ShardConnection) ConnectTimeout() time.Duration {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.connectTimeout
}
