package client

import (
	"fmt"

	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// Filter is the streaming ListKeyValues cursor (spec §4.1 Open Question
// 1, decided as: issue the request Async, then page through RespNext
// responses via Receive until a terminal response closes the cursor).
type Filter struct {
	c        *Client
	startKey []byte
	endKey   []byte
	forward  bool
	count    uint64

	respCh <-chan *wire.Response
	done   bool
	err    error
}

// NewFilter starts a ListKeyValues scan over [startKey, endKey), paged
// count items at a time. Call Receive repeatedly until it reports done.
func (c *Client) NewFilter(startKey, endKey []byte, count uint64, forward bool) (*Filter, error) {
	f := &Filter{
		c:        c,
		startKey: startKey,
		endKey:   endKey,
		forward:  forward,
		count:    count,
	}
	if err := f.submit(startKey); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) submit(startKey []byte) error {
	c := f.c
	c.mu.RLock()
	table := c.table
	c.mu.RUnlock()

	req := &wire.Request{
		Type:     wire.ReqListKeyValues,
		TableID:  table,
		StartKey: startKey,
		EndKey:   f.endKey,
		Count:    f.count,
		Forward:  f.forward,
		Async:    true,
	}

	shard, err := c.state.ResolveShard(table, startKey)
	if err != nil {
		return errs.NewStaleConfigError("filter: %v", err)
	}
	sc, err := c.connectionFor(shard.QuorumID)
	if err != nil {
		return err
	}
	req.CommandID = c.nextCommandID()
	respCh, err := sc.Submit(req, shard.QuorumID)
	if err != nil {
		return errs.NewTransientTransportError("filter: submit: %v", err)
	}
	f.respCh = respCh
	return nil
}

// Receive returns the next page of key/value pairs. ok is false once the
// cursor has been exhausted or failed; check Err to distinguish the two.
func (f *Filter) Receive() (pairs [][2][]byte, ok bool) {
	if f.done {
		return nil, false
	}

	resp, open := <-f.respCh
	if !open {
		f.done = true
		f.err = errs.NewTransientTransportError("filter: connection closed mid-scan")
		return nil, false
	}

	switch resp.Type {
	case wire.RespListKeyValues:
		pairs = resp.KeyValues
	case wire.RespNext:
		pairs = resp.KeyValues
	case wire.RespFailed, wire.RespBadSchema:
		f.done = true
		f.err = fmt.Errorf("filter: scan failed with status %s", statusFromResponse(resp.Type))
		return pairs, len(pairs) > 0
	case wire.RespNoService:
		f.done = true
		f.err = errs.NewNoPrimaryError("filter: quorum reports NOSERVICE mid-scan")
		return pairs, len(pairs) > 0
	default:
		f.done = true
		f.err = fmt.Errorf("filter: unexpected response type %c", resp.Type)
		return pairs, len(pairs) > 0
	}

	if resp.Type != wire.RespNext || len(resp.LastKey) == 0 {
		f.done = true
		return pairs, len(pairs) > 0
	}

	// more pages remain: resubmit with StartKey advanced past LastKey
	// (spec §4.1 Open Question 1's resolution).
	next := append(append([]byte(nil), resp.LastKey...), 0)
	if err := f.submit(next); err != nil {
		f.done = true
		f.err = err
	}
	return pairs, true
}

// Err returns the error, if any, that ended the cursor early.
func (f *Filter) Err() error { return f.err }
