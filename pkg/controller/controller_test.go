package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
)

// a nil *stats.Client is a documented safe no-op, used throughout these
// tests instead of wiring a real statsd/prometheus backend.
func newTestStats() *stats.Client { return nil }

func TestConfigContextQueueAndApply(t *testing.T) {
	gen := ids.NewGenerator(0)
	cc := NewConfigContext(ids.NodeID(1), ids.RunID(1), gen, newTestStats())

	cc.QueueMutation(config.Mutation{Type: config.MutAddNode, NodeID: ids.NodeID(5), Endpoint: "10.0.0.5", SDBPPort: 5000})
	cc.QueueMutation(config.Mutation{Type: config.MutCreateQuorum, QuorumID: ids.QuorumID(1), NodeID: ids.NodeID(5)})

	value, ok, err := cc.GetNextValue()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := cc.GetNextValue()
	require.NoError(t, err)
	assert.False(t, ok2, "queue should be drained after GetNextValue")

	cc.apply(value)

	assert.EqualValues(t, 1, cc.State().Revision)
	q, found := cc.State().Quorum(ids.QuorumID(1))
	require.True(t, found)
	assert.Equal(t, []ids.NodeID{5}, q.ActiveNodes)
}

func TestConfigContextGetNextValueEmptyQueue(t *testing.T) {
	gen := ids.NewGenerator(0)
	cc := NewConfigContext(ids.NodeID(1), ids.RunID(1), gen, newTestStats())

	_, ok, err := cc.GetNextValue()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeatManagerSweepClearsExpiredPrimary(t *testing.T) {
	gen := ids.NewGenerator(0)
	cc := NewConfigContext(ids.NodeID(1), ids.RunID(1), gen, newTestStats())
	cc.QueueMutation(config.Mutation{Type: config.MutCreateQuorum, QuorumID: ids.QuorumID(7), NodeID: ids.NodeID(2)})
	value, _, err := cc.GetNextValue()
	require.NoError(t, err)
	cc.apply(value)

	hm := NewConfigHeartbeatManager(cc, newTestStats())
	hm.Receive(Heartbeat{
		NodeID:     ids.NodeID(2),
		QuorumID:   ids.QuorumID(7),
		IsPrimary:  true,
		ExpireTime: time.Now().Add(-time.Second), // already expired
	})

	hm.Sweep(time.Now())

	value, ok, err := cc.GetNextValue()
	require.NoError(t, err)
	require.True(t, ok)
	muts, err := config.UnmarshalMutations(value)
	require.NoError(t, err)

	var sawClear bool
	for _, m := range muts {
		if m.Type == config.MutClearPrimary && m.QuorumID == ids.QuorumID(7) {
			sawClear = true
		}
	}
	assert.True(t, sawClear)
}

func TestHeartbeatManagerSplitTriggerAndCooldown(t *testing.T) {
	gen := ids.NewGenerator(0)
	cc := NewConfigContext(ids.NodeID(1), ids.RunID(1), gen, newTestStats())
	hm := NewConfigHeartbeatManager(cc, newTestStats())

	hm.Receive(Heartbeat{
		NodeID:    ids.NodeID(2),
		QuorumID:  ids.QuorumID(1),
		ShardID:   ids.ShardID(9),
		SizeBytes: SplitThresholdBytes + 1,
		SplitKey:  []byte("midpoint"),
	})

	value, ok, err := cc.GetNextValue()
	require.NoError(t, err)
	require.True(t, ok)
	muts, err := config.UnmarshalMutations(value)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, config.MutSplitShard, muts[0].Type)
	assert.Equal(t, ids.ShardID(9), muts[0].ShardID)

	// second oversized heartbeat for the same shard within the cooldown
	// window must not re-trigger.
	hm.Receive(Heartbeat{
		NodeID:    ids.NodeID(2),
		QuorumID:  ids.QuorumID(1),
		ShardID:   ids.ShardID(9),
		SizeBytes: SplitThresholdBytes + 1,
		SplitKey:  []byte("midpoint"),
	})
	_, ok, err = cc.GetNextValue()
	require.NoError(t, err)
	assert.False(t, ok)
}
