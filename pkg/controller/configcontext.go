// Package controller implements the controller cluster's side of the
// config plane: ConfigContext drives the controller's own single-decree
// Paxos group to agree on the next ConfigState revision, and
// ConfigHeartbeatManager tracks shard-server liveness and triggers
// splits. Out of spec.md's explicit text budget but required by §1's
// "controller cluster publishes a versioned ConfigState" and Open
// Question 3 (see DESIGN.md).
package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/quorum"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
)

// ConfigContext is the controller-side counterpart of pkg/shard.Processor:
// instead of applying SDBP commands to a storage.Environment, it applies
// queued schema/cluster Mutations to the authoritative config.State and
// proposes the next batch through its own quorum.Context.
type ConfigContext struct {
	nodeID ids.NodeID
	qctx   *quorum.Context
	state  *config.State
	gen    *ids.Generator
	stats  *stats.Client

	mu      sync.Mutex
	pending []config.Mutation
	runID   ids.RunID

	applyMu     sync.Mutex
	lastApplied ids.PaxosID // highest PaxosID applied so far, guards against re-delivery after a restart
}

// NewConfigContext builds a ConfigContext bound to an empty ConfigState
// at revision 0. Bind must be called once the owning quorum.Context
// exists, mirroring pkg/shard.Processor.Bind's two-step construction
// (ConfigContext needs its own AppendFunc closure before quorum.Context
// can be built, and quorum.Context must exist before ConfigContext can
// propose).
func NewConfigContext(nodeID ids.NodeID, runID ids.RunID, gen *ids.Generator, statsClient *stats.Client) *ConfigContext {
	return &ConfigContext{
		nodeID: nodeID,
		state:  config.New(),
		gen:    gen,
		stats:  statsClient,
		runID:  runID,
	}
}

// Bind wires the quorum.Context this ConfigContext proposes through and
// learns from. Call after constructing qctx with cc.AppendFunc() as its
// onAppend callback.
func (cc *ConfigContext) Bind(qctx *quorum.Context) { cc.qctx = qctx }

// AppendFunc returns the callback quorum.NewContext should be given as
// onAppend: each learned decree is a JSON-encoded Mutation batch
// (config.MarshalMutations) applied in order to State.
func (cc *ConfigContext) AppendFunc() quorum.AppendFunc {
	return func(paxosID ids.PaxosID, runID ids.RunID, value []byte, ownAppend bool) {
		cc.applyMu.Lock()
		if paxosID != 0 && paxosID <= cc.lastApplied {
			cc.applyMu.Unlock()
			cc.stats.Inc("controller.config.duplicate", 1)
			return
		}
		cc.lastApplied = paxosID
		cc.applyMu.Unlock()
		cc.apply(value)
	}
}

// SeedLastApplied restores the apply watermark after a process restart
// from the controller quorum's restored highest PaxosID, so a mutation
// batch already folded into State before crashing is not re-applied
// (which would double the Revision bump and could re-run a mutation
// that is not idempotent).
func (cc *ConfigContext) SeedLastApplied(paxosID ids.PaxosID) {
	cc.applyMu.Lock()
	defer cc.applyMu.Unlock()
	if paxosID > cc.lastApplied {
		cc.lastApplied = paxosID
	}
}

func (cc *ConfigContext) apply(value []byte) {
	muts, err := config.UnmarshalMutations(value)
	if err != nil {
		cc.stats.Inc("controller.config.decode_error", 1)
		return
	}
	for _, m := range muts {
		if err := config.Apply(cc.state, m, cc.gen); err != nil {
			cc.stats.Inc("controller.config.apply_error", 1)
			continue
		}
	}
	cc.state.Revision++
	cc.stats.Inc("controller.config.revision", 1)
}

// QueueMutation enqueues one schema/cluster command to be folded into
// the next proposed ConfigState revision.
func (cc *ConfigContext) QueueMutation(m config.Mutation) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.pending = append(cc.pending, m)
}

// GetNextValue drains the queued mutations and serializes them into the
// Paxos value for the next round, resolving Open Question 3
// (ControllerConfigContext::GetNextValue, see DESIGN.md). Returns false
// if nothing is queued.
func (cc *ConfigContext) GetNextValue() ([]byte, bool, error) {
	cc.mu.Lock()
	muts := cc.pending
	cc.pending = nil
	cc.mu.Unlock()

	if len(muts) == 0 {
		return nil, false, nil
	}
	buf, err := config.MarshalMutations(muts)
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// ProposeNext runs one round of the controller's Paxos group for
// whatever mutations are currently queued, applying them to State via
// the bound AppendFunc once chosen. It is a no-op (returns false) when
// nothing is queued, so a caller can poll it on a fixed interval
// without wasting a Paxos round on an empty batch.
func (cc *ConfigContext) ProposeNext(ctx context.Context) (bool, error) {
	if cc.qctx == nil {
		return false, fmt.Errorf("controller: ConfigContext not bound to a quorum.Context")
	}
	value, ok, err := cc.GetNextValue()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := cc.qctx.Propose(ctx, cc.runID, value); err != nil {
		return false, err
	}
	return true, nil
}

// State returns the live ConfigState snapshot; callers that need a
// stable view should clone it (config.State.Clone).
func (cc *ConfigContext) State() *config.State { return cc.state }
