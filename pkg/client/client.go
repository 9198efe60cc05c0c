package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/status"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// DefaultGlobalTimeout bounds the total time Client waits for one
// request across all retries/reassignments before giving up with
// GLOBAL_TIMEOUT (spec §5).
const DefaultGlobalTimeout = 60 * time.Second

// MasterTimeout mirrors pkg/paxoslease.MasterTimeout: how long the
// client waits to hear from a quorum's primary before treating it as
// gone and reassigning (spec §4.1, §4.5).
const MasterTimeout = 21 * time.Second // 3 * paxoslease.MaxLeaseTime, duplicated here to avoid a client->paxoslease import for one constant

// Client is the public routing facade: table/shard resolution, per-
// quorum connection dispatch, batching and the Filter/Receive streaming
// cursor (spec §4.1). Schema ops (UseDatabase/UseTable) are serialized
// through schemaMu (spec §9 "schema ops are
// serialized through a single in-flight slot") while data ops pipeline
// freely across shard connections.
type Client struct {
	mu    sync.RWMutex
	state *config.State

	shardConns map[string]*ShardConnection // keyed by ShardServer.Endpoint

	cmdGen *ids.Generator

	GlobalTimeout time.Duration
	MasterTimeout time.Duration

	database ids.DatabaseID
	table    ids.TableID

	batchLimit int

	schemaMu sync.Mutex
}

// New builds a Client over an initial ConfigState. A real deployment
// feeds state from ControllerConnection's onConfigState callback.
func New(state *config.State) *Client {
	return &Client{
		state:         state,
		shardConns:    make(map[string]*ShardConnection),
		cmdGen:        ids.NewGenerator(0),
		GlobalTimeout: DefaultGlobalTimeout,
		MasterTimeout: MasterTimeout,
		batchLimit:    DefaultBatchLimit,
	}
}

// SetConfigState replaces the routing state wholesale, called whenever
// ControllerConnection delivers a fresher revision.
func (c *Client) SetConfigState(state *config.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// SetBatchLimit changes the byte-size cap new Batches pick up from
// Begin (spec §3's batchLimit, matching Client::SetBatchLimit).
func (c *Client) SetBatchLimit(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchLimit = n
}

// UseDatabase resolves name to a DatabaseID, BADSCHEMA on miss (spec
// §4.1). Serialized through schemaMu since it mutates the client's
// active-database cursor.
func (c *Client) UseDatabase(name string) error {
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()

	c.mu.RLock()
	id, ok := c.state.DatabaseByName(name)
	c.mu.RUnlock()
	if !ok {
		return badSchemaError("database %q not found", name)
	}
	c.mu.Lock()
	c.database = id
	c.mu.Unlock()
	return nil
}

// UseTable resolves name within the active database to a TableID.
func (c *Client) UseTable(name string) error {
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()

	c.mu.RLock()
	db := c.database
	id, ok := c.state.TableByName(db, name)
	c.mu.RUnlock()
	if !ok {
		return badSchemaError("table %q not found in database %v", name, db)
	}
	c.mu.Lock()
	c.table = id
	c.mu.Unlock()
	return nil
}

func badSchemaError(format string, args ...interface{}) error {
	return errs.NewSchemaMissError(format, args...)
}

// connectionFor returns (and lazily connects) the ShardConnection for
// quorumID's current primary, falling back to any active member when no
// primary is cached yet (the first request to a quorum always pays one
// NOSERVICE round trip in the worst case, same as spec §4.1's steady-
// state assumption that the cached primary is usually right).
func (c *Client) connectionFor(quorumID ids.QuorumID) (*ShardConnection, error) {
	c.mu.RLock()
	q, ok := c.state.Quorum(quorumID)
	c.mu.RUnlock()
	if !ok {
		return nil, errs.NewStaleConfigError("client: unknown quorum %v", quorumID)
	}

	target := q.PrimaryID
	if !q.HasPrimary {
		if len(q.ActiveNodes) == 0 {
			return nil, errs.NewNoPrimaryError("client: quorum %v has no active nodes", quorumID)
		}
		target = q.ActiveNodes[0]
	}

	addr, err := c.endpointFor(target)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	sc, ok := c.shardConns[addr]
	if !ok {
		sc = NewShardConnection(addr, target, func(qid ids.QuorumID) { c.invalidatePrimary(qid) })
		c.shardConns[addr] = sc
	}
	c.mu.Unlock()

	sc.AddQuorum(quorumID)
	if err := sc.Connect(); err != nil {
		return nil, errs.NewTransientTransportError("client: connect %s: %v", addr, err)
	}
	return sc, nil
}

func (c *Client) endpointFor(nodeID ids.NodeID) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, srv := range c.state.ShardServers {
		if srv.NodeID == nodeID {
			return fmt.Sprintf("%s:%d", srv.Endpoint, srv.SDBPPort), nil
		}
	}
	return "", fmt.Errorf("client: no shard server registered for node %v", nodeID)
}

// invalidatePrimary clears a quorum's cached primary on NOSERVICE, so
// the next request to it falls back to ActiveNodes[0] until a fresher
// ConfigState names the new primary (spec §4.3).
func (c *Client) invalidatePrimary(quorumID ids.QuorumID) {
	c.mu.RLock()
	q, ok := c.state.Quorum(quorumID)
	c.mu.RUnlock()
	if !ok {
		return
	}
	q.HasPrimary = false
	c.mu.Lock()
	c.state.PutQuorum(q)
	c.mu.Unlock()
}

func (c *Client) nextCommandID() ids.CommandID { return ids.CommandID(c.cmdGen.Next()) }

// do resolves req.Key to a shard/quorum, submits it to that quorum's
// connection, and waits for a terminal response or GlobalTimeout.
func (c *Client) do(req *wire.Request) (*wire.Response, error) {
	c.mu.RLock()
	table := c.table
	c.mu.RUnlock()
	req.TableID = table

	c.mu.RLock()
	shard, err := c.state.ResolveShard(table, req.Key)
	c.mu.RUnlock()
	if err != nil {
		return nil, errs.NewStaleConfigError("client: %v", err)
	}

	sc, err := c.connectionFor(shard.QuorumID)
	if err != nil {
		return nil, err
	}

	req.CommandID = c.nextCommandID()
	respCh, err := sc.Submit(req, shard.QuorumID)
	if err != nil {
		return nil, errs.NewTransientTransportError("client: submit: %v", err)
	}

	deadline := time.NewTimer(c.GlobalTimeout)
	defer deadline.Stop()

	for {
		select {
		case resp, ok := <-respCh:
			if !ok {
				return &wire.Response{CommandID: req.CommandID, Type: wire.RespFailed}, errs.NewTransientTransportError("client: connection closed mid-request")
			}
			if resp.Type == wire.RespNext {
				// caller-level pagination (Filter/ListKeyValues) resubmits;
				// a synchronous do() caller just takes the first page.
				return resp, nil
			}
			return resp, nil
		case <-deadline.C:
			return nil, errs.NewGlobalDeadlineError("client: request %v timed out after %v", req.CommandID, c.GlobalTimeout)
		}
	}
}

func (c *Client) Get(key []byte) ([]byte, bool, error) {
	resp, err := c.do(&wire.Request{Type: wire.ReqGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	if resp.Type == wire.RespFailed {
		return nil, false, nil
	}
	return resp.Value, true, nil
}

func (c *Client) Set(key, value []byte) error {
	resp, err := c.do(&wire.Request{Type: wire.ReqSet, Key: key, Value: value})
	return terminalErr(resp, err)
}

func (c *Client) SetIfNotExists(key, value []byte) (bool, error) {
	resp, err := c.do(&wire.Request{Type: wire.ReqSetIfNotExists, Key: key, Value: value})
	if err != nil {
		return false, err
	}
	return resp.Type == wire.RespOK, nil
}

func (c *Client) TestAndSet(key, test, value []byte) ([]byte, bool, error) {
	resp, err := c.do(&wire.Request{Type: wire.ReqTestAndSet, Key: key, StartKey: test, Value: value})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Type == wire.RespOK, nil
}

func (c *Client) GetAndSet(key, value []byte) ([]byte, error) {
	resp, err := c.do(&wire.Request{Type: wire.ReqGetAndSet, Key: key, Value: value})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) Add(key []byte, delta int64) (int64, error) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(delta) >> (8 * uint(i)))
	}
	resp, err := c.do(&wire.Request{Type: wire.ReqAdd, Key: key, Value: buf[:]})
	if err != nil {
		return 0, err
	}
	return resp.SNumber, nil
}

func (c *Client) Append(key, value []byte) (int, error) {
	resp, err := c.do(&wire.Request{Type: wire.ReqAppend, Key: key, Value: value})
	if err != nil {
		return 0, err
	}
	return int(resp.Number), nil
}

func (c *Client) Delete(key []byte) error {
	resp, err := c.do(&wire.Request{Type: wire.ReqDelete, Key: key})
	return terminalErr(resp, err)
}

func (c *Client) Remove(key []byte) ([]byte, error) {
	resp, err := c.do(&wire.Request{Type: wire.ReqRemove, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) ListKeys(startKey, endKey []byte, count uint64, forward bool) ([][]byte, []byte, error) {
	resp, err := c.do(&wire.Request{Type: wire.ReqListKeys, StartKey: startKey, EndKey: endKey, Count: count, Forward: forward})
	if err != nil {
		return nil, nil, err
	}
	return resp.Keys, resp.LastKey, nil
}

func (c *Client) ListKeyValues(startKey, endKey []byte, count uint64, forward bool) ([][2][]byte, []byte, error) {
	resp, err := c.do(&wire.Request{Type: wire.ReqListKeyValues, StartKey: startKey, EndKey: endKey, Count: count, Forward: forward})
	if err != nil {
		return nil, nil, err
	}
	return resp.KeyValues, resp.LastKey, nil
}

func (c *Client) Count(startKey, endKey []byte) (uint64, error) {
	resp, err := c.do(&wire.Request{Type: wire.ReqCount, StartKey: startKey, EndKey: endKey})
	if err != nil {
		return 0, err
	}
	return resp.Number, nil
}

func terminalErr(resp *wire.Response, err error) error {
	if err != nil {
		return err
	}
	st := statusFromResponse(resp.Type)
	if st != status.SUCCESS {
		return fmt.Errorf("client: request failed with status %s", st)
	}
	return nil
}

// Close tears down every shard connection this client opened.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sc := range c.shardConns {
		sc.Close()
	}
	c.shardConns = make(map[string]*ShardConnection)
}
