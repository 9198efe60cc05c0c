package controller

import (
	"sync"
	"time"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
)

// SplitThresholdBytes is the shard size past which the controller
// queues a split mutation (spec §4.8 "split trigger at 500 MiB").
const SplitThresholdBytes = 500 * 1024 * 1024

// SplitCooldown bounds how often a single shard may trigger another
// split once one has already been queued for it; spec.md names the
// 500 MiB threshold but not a specific cooldown duration, so 10 minutes
// is this build's documented default (long enough for a triggered split
// to actually land a new ConfigState revision before reconsidering).
const SplitCooldown = 10 * time.Minute

// Heartbeat is one shard server's periodic report to the controller
// cluster (CLUSTERMESSAGE_HEARTBEAT, spec §6), carrying enough per-shard
// state for the controller to detect primary loss and oversized shards
// without querying the shard server directly.
type Heartbeat struct {
	NodeID     ids.NodeID
	QuorumID   ids.QuorumID
	IsPrimary  bool
	ShardID    ids.ShardID
	SizeBytes  uint64
	SplitKey   []byte // candidate midpoint, supplied opportunistically by the primary
	ExpireTime time.Time
}

// ConfigHeartbeatManager tracks shard-server heartbeats (the teacher,
// kickboxerdb, has no controller analogue). It keeps a map holding the
// newest heartbeat per QuorumID, not a list sorted by ExpireTime; Sweep
// walks the whole map and clears a quorum's known primary once its
// heartbeat's ExpireTime has passed.
type ConfigHeartbeatManager struct {
	cc    *ConfigContext
	stats *stats.Client

	mu          sync.Mutex
	latest      map[ids.QuorumID]Heartbeat
	lastSplitAt map[ids.ShardID]time.Time
}

func NewConfigHeartbeatManager(cc *ConfigContext, statsClient *stats.Client) *ConfigHeartbeatManager {
	return &ConfigHeartbeatManager{
		cc:          cc,
		stats:       statsClient,
		latest:      make(map[ids.QuorumID]Heartbeat),
		lastSplitAt: make(map[ids.ShardID]time.Time),
	}
}

// Receive records one heartbeat and immediately checks the oversized-
// shard split trigger (no need to wait for the next Sweep).
func (m *ConfigHeartbeatManager) Receive(hb Heartbeat) {
	m.mu.Lock()
	m.latest[hb.QuorumID] = hb
	m.mu.Unlock()

	if hb.IsPrimary {
		m.cc.QueueMutation(config.Mutation{Type: config.MutSetPrimary, QuorumID: hb.QuorumID, NodeID: hb.NodeID})
	}

	if hb.SizeBytes < SplitThresholdBytes || len(hb.SplitKey) == 0 {
		return
	}
	m.mu.Lock()
	last, onCooldown := m.lastSplitAt[hb.ShardID]
	if onCooldown && time.Since(last) < SplitCooldown {
		m.mu.Unlock()
		return
	}
	m.lastSplitAt[hb.ShardID] = time.Now()
	m.mu.Unlock()

	m.stats.Inc("controller.heartbeat.split_trigger", 1)
	m.cc.QueueMutation(config.Mutation{Type: config.MutSplitShard, ShardID: hb.ShardID, SplitKey: hb.SplitKey})
}

// Sweep clears the known primary of every quorum whose latest heartbeat
// has expired by now, queuing a MutClearPrimary for each.
func (m *ConfigHeartbeatManager) Sweep(now time.Time) {
	m.mu.Lock()
	var expired []ids.QuorumID
	for qid, hb := range m.latest {
		if now.After(hb.ExpireTime) {
			expired = append(expired, qid)
			delete(m.latest, qid)
		}
	}
	m.mu.Unlock()

	for _, qid := range expired {
		m.stats.Inc("controller.heartbeat.primary_timeout", 1)
		m.cc.QueueMutation(config.Mutation{Type: config.MutClearPrimary, QuorumID: qid})
	}
}
