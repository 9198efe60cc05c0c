// Package client implements the Client Routing Engine: the public
// Client facade, per-quorum request assignment, the controller and
// shard connections that carry SDBP traffic, and the Filter/Receive
// streaming cursor (spec §4.1-§4.3). Grounded on the teacher's
// cluster.RemoteNode/ConnectionPool (legacy/cluster/node.go,
// legacy/cluster/cluster.go) generalized from a single
// send-then-block-for-reply RPC style to SDBP's pipelined,
// CommandID-addressed protocol (many requests in flight per
// connection, responses routed back out of order).
package client

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/status"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// Conn is one pipelined SDBP connection: many requests may be
// in flight at once, each tracked by CommandID and delivered to its own
// channel as responses arrive, out of order if the server reorders them
// (spec §5 "Shard connections preserve send order until
// NOSERVICE/NEXT/disconnect").
type Conn struct {
	nc net.Conn
	w  *bufio.Writer

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[ids.CommandID]chan *wire.Response

	closeOnce sync.Once
	closed    chan struct{}
	err       error
	errMu     sync.Mutex
}

// Dial opens a new SDBP connection and starts its response read loop.
func Dial(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return newConn(nc), nil
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:      nc,
		w:       bufio.NewWriter(nc),
		pending: make(map[ids.CommandID]chan *wire.Response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send transmits req and returns the channel its responses (one, or a
// NEXT-paged stream for Async requests) will arrive on.
func (c *Conn) Send(req *wire.Request) (<-chan *wire.Response, error) {
	ch := make(chan *wire.Response, 4)

	c.pendingMu.Lock()
	c.pending[req.CommandID] = ch
	c.pendingMu.Unlock()

	buf := wire.EncodeRequest(req)

	c.writeMu.Lock()
	_, err := c.w.Write(buf)
	if err == nil {
		err = c.w.Flush()
	}
	c.writeMu.Unlock()

	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, req.CommandID)
		c.pendingMu.Unlock()
		c.fail(err)
		return nil, err
	}
	return ch, nil
}

// Cancel drops a CommandID's pending channel, e.g. on global/master
// timeout (spec §5 "No per-request cancel; global/master timeout
// short-circuits outstanding requests to TIMEOUT" — the caller
// synthesizes the TIMEOUT response itself and just needs the
// connection to stop holding a reference).
func (c *Conn) Cancel(commandID ids.CommandID) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if ch, ok := c.pending[commandID]; ok {
		close(ch)
		delete(c.pending, commandID)
	}
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.nc)
	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			c.fail(err)
			return
		}
		resp, err := wire.DecodeResponse(frame)
		if err != nil {
			c.fail(err)
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.CommandID]
		if ok && resp.Type != wire.RespNext {
			delete(c.pending, resp.CommandID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })
}

// Err returns the error that broke the connection, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed once the connection's read loop has exited, whether
// from Close or a transport error.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) Close() error {
	err := c.nc.Close()
	c.fail(fmt.Errorf("client: connection closed"))
	return err
}

// statusFromResponse maps a terminal SDBP response type to the status
// codes of spec §6.
func statusFromResponse(t wire.ResponseType) status.Status {
	switch t {
	case wire.RespOK, wire.RespNumber, wire.RespSignedNumber, wire.RespValue,
		wire.RespListKeys, wire.RespListKeyValues, wire.RespConfigState, wire.RespHello:
		return status.SUCCESS
	case wire.RespNoService:
		return status.NOSERVICE
	case wire.RespBadSchema:
		return status.BADSCHEMA
	case wire.RespFailed:
		return status.FAILED
	default:
		return status.API_ERROR
	}
}
