// Package admin implements the HTTP route table a shard server or
// controller exposes for operators: stats, storage introspection,
// config dump, cache/log maintenance, and backup start/stop. The HTTP
// transport itself is out of scope for the data-plane core this module
// builds, but the route table and its handlers are real and wired into
// pkg/storage/pkg/config rather than left as placeholders, grounded on
// johnjansen-torua's cmd/coordinator HTTP server (the teacher,
// kickboxerdb, has no HTTP surface at all).
package admin

import (
	"sync"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/storage"
)

// ShardRegistry tracks which storage.Engine backs each shard this
// process currently serves, generalizing torua's ShardRegistry
// (internal/coordinator/shard_registry.go) from a shard->node
// assignment map to a shard->local-engine map, since admin only needs
// to know what's running in this process, not cluster-wide placement.
type ShardRegistry struct {
	mu      sync.RWMutex
	engines map[ids.ShardID]*storage.Engine
}

func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{engines: make(map[ids.ShardID]*storage.Engine)}
}

// Put registers (or replaces) the engine serving shardID.
func (r *ShardRegistry) Put(shardID ids.ShardID, e *storage.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[shardID] = e
}

// Remove drops a shard, e.g. after it migrates off this node.
func (r *ShardRegistry) Remove(shardID ids.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, shardID)
}

// Get returns the engine for shardID, if this process serves it.
func (r *ShardRegistry) Get(shardID ids.ShardID) (*storage.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[shardID]
	return e, ok
}

// All returns every engine this process currently serves, in no
// particular order.
func (r *ShardRegistry) All() []*storage.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*storage.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}
