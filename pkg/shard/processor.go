package shard

import (
	"context"
	"sync"
	"time"

	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/quorum"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
	"github.com/YumaTheCompanion/scaliendb/pkg/storage"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// ResponseSink delivers one response back to whichever connection
// submitted the originating command, decoupling the applier from the
// transport layer (spec §9).
type ResponseSink interface {
	Respond(commandID ids.CommandID, resp *wire.Response)
}

// Processor is the Shard Quorum Processor for one shard: it proposes
// incoming commands onto the shard's quorum log and applies every
// learned decree, in order, against Environment.
type Processor struct {
	ShardID  ids.ShardID
	TableID  ids.TableID
	QuorumID ids.QuorumID

	ctx   *quorum.Context
	env   storage.Environment
	sink  ResponseSink
	stats *stats.Client

	lastLearnChosenTime   time.Time
	replicationThroughput uint64 // bytes of decree values applied since start

	applyMu     sync.Mutex
	lastApplied ids.PaxosID // highest PaxosID applied so far, guards against re-delivery after a restart
}

// NewProcessor builds a Processor without a quorum.Context; the caller
// constructs ctx with p.AppendFunc() and attaches it with Bind, since
// Context and Processor are mutually referential at construction time.
func NewProcessor(shardID ids.ShardID, tableID ids.TableID, quorumID ids.QuorumID, env storage.Environment, sink ResponseSink, statsClient *stats.Client) *Processor {
	return &Processor{ShardID: shardID, TableID: tableID, QuorumID: quorumID, env: env, sink: sink, stats: statsClient}
}

// Bind attaches the quorum.Context once it has been constructed with
// p.apply as its AppendFunc.
func (p *Processor) Bind(ctx *quorum.Context) { p.ctx = ctx }

// Submit proposes req as the next decree for this shard's quorum. The
// response is delivered asynchronously via ResponseSink once the
// decree is learned and applied, not returned here — submission and
// completion are different events, same as the teacher's
// Store.ExecuteWrite being called from a connection goroutine that
// does not itself block the whole scope.
func (p *Processor) Submit(ctx context.Context, req *wire.Request) error {
	if !p.ctx.IsLeader() {
		return errs.NewNoPrimaryError("shard %v: local node is not the quorum's lease holder", p.ShardID)
	}
	value := EncodeCommand(req)
	_, err := p.ctx.Propose(ctx, ids.RunID(req.CommandID), value)
	return err
}

// SeedLastApplied restores the apply watermark after a process restart
// from the quorum's restored highest PaxosID, so a decree this node
// already applied before crashing (re-surfaced by Catchup or a
// duplicate Learn) is skipped instead of re-run against Environment a
// second time — re-applying a non-idempotent op like Add or Append
// would otherwise corrupt state even though Paxos agreement itself
// stays safe across the restart.
func (p *Processor) SeedLastApplied(paxosID ids.PaxosID) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	if paxosID > p.lastApplied {
		p.lastApplied = paxosID
	}
}

// apply is the quorum.AppendFunc bound to this processor's Context: it
// decodes the learned decree and applies it to Environment, then
// routes the result back by CommandID.
func (p *Processor) apply(paxosID ids.PaxosID, runID ids.RunID, value []byte, ownAppend bool) {
	p.applyMu.Lock()
	if paxosID != 0 && paxosID <= p.lastApplied {
		p.applyMu.Unlock()
		p.stats.Inc("shard.apply.duplicate.count", 1)
		return
	}
	p.lastApplied = paxosID
	p.applyMu.Unlock()

	start := time.Now()
	defer p.stats.Timing("shard.apply.time", start)

	p.lastLearnChosenTime = time.Now()
	p.replicationThroughput += uint64(len(value))

	req, err := DecodeCommand(value)
	if err != nil {
		p.stats.Inc("shard.apply.decode_error.count", 1)
		return
	}

	resp := p.applyRequest(req)
	if ownAppend {
		p.sink.Respond(req.CommandID, resp)
	}
}

func (p *Processor) applyRequest(req *wire.Request) *wire.Response {
	resp := &wire.Response{CommandID: req.CommandID}

	switch req.Type {
	case wire.ReqGet:
		val, ok, err := p.env.Get(req.Key)
		if err != nil || !ok {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespValue
		resp.Value = val

	case wire.ReqSet:
		if err := p.env.Set(req.Key, req.Value); err != nil {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespOK

	case wire.ReqSetIfNotExists:
		didSet, err := p.env.SetIfNotExists(req.Key, req.Value)
		if err != nil {
			resp.Type = wire.RespFailed
			return resp
		}
		if !didSet {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespOK

	case wire.ReqTestAndSet:
		_, matched, err := p.env.TestAndSet(req.Key, req.StartKey, req.Value)
		if err != nil {
			resp.Type = wire.RespFailed
			return resp
		}
		if !matched {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespOK

	case wire.ReqGetAndSet:
		prior, _, err := p.env.GetAndSet(req.Key, req.Value)
		if err != nil {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespValue
		resp.Value = prior

	case wire.ReqAdd:
		var delta int64
		if len(req.Value) == 8 {
			for i := 0; i < 8; i++ {
				delta |= int64(req.Value[i]) << (8 * uint(i))
			}
		}
		result, err := p.env.Add(req.Key, delta)
		if err != nil {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespSignedNumber
		resp.SNumber = result

	case wire.ReqAppend:
		newLen, err := p.env.Append(req.Key, req.Value)
		if err != nil {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespNumber
		resp.Number = uint64(newLen)

	case wire.ReqDelete:
		existed, err := p.env.Delete(req.Key)
		if err != nil || !existed {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespOK

	case wire.ReqRemove:
		prior, existed, err := p.env.Remove(req.Key)
		if err != nil || !existed {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespValue
		resp.Value = prior

	case wire.ReqListKeys:
		keys, next, err := p.env.ListKeys(req.StartKey, req.EndKey, req.Count, req.Forward)
		if err != nil {
			resp.Type = wire.RespFailed
			return resp
		}
		if next != nil {
			resp.Type = wire.RespNext
			resp.LastKey = next
		} else {
			resp.Type = wire.RespListKeys
		}
		resp.Keys = keys

	case wire.ReqListKeyValues:
		pairs, next, err := p.env.ListKeyValues(req.StartKey, req.EndKey, req.Count, req.Forward)
		if err != nil {
			resp.Type = wire.RespFailed
			return resp
		}
		if next != nil {
			resp.Type = wire.RespNext
			resp.LastKey = next
		} else {
			resp.Type = wire.RespListKeyValues
		}
		resp.KeyValues = pairs

	case wire.ReqCount:
		n, err := p.env.Count(req.StartKey, req.EndKey)
		if err != nil {
			resp.Type = wire.RespFailed
			return resp
		}
		resp.Type = wire.RespNumber
		resp.Number = n

	default:
		resp.Type = wire.RespFailed
	}

	return resp
}

// LastLearnChosenTime and ReplicationThroughput report the time of the
// last applied decree and the cumulative bytes applied; the heartbeat
// sent to the controller does not carry them.
func (p *Processor) LastLearnChosenTime() time.Time { return p.lastLearnChosenTime }
func (p *Processor) ReplicationThroughput() uint64  { return p.replicationThroughput }

// AppendFunc exposes apply in the shape quorum.NewContext expects.
func (p *Processor) AppendFunc() quorum.AppendFunc { return p.apply }
