package config

import (
	"encoding/json"
	"fmt"
)

// snapshot is State's exported-field mirror, the only shape encoding/json
// can walk directly since State itself guards its maps behind a mutex.
// This is the JSON codec referenced by pkg/wire's Response.ConfigState
// field comment.
type snapshot struct {
	Revision     uint64
	ShardServers []ShardServer
	Quorums      []Quorum
	Databases    []Database
	Tables       []Table
	Shards       []Shard
	Migration    *Migration
}

// Marshal serializes s into the opaque ConfigState bytes a client or
// shard server receives over SDBP (spec §6 GETCONFIGSTATE).
func Marshal(s *State) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{
		Revision:     s.Revision,
		ShardServers: s.ShardServers,
		Migration:    s.migration,
	}
	for _, q := range s.quorums {
		snap.Quorums = append(snap.Quorums, *q)
	}
	for _, d := range s.databases {
		snap.Databases = append(snap.Databases, *d)
	}
	for _, t := range s.tables {
		snap.Tables = append(snap.Tables, *t)
	}
	for _, sh := range s.shards {
		snap.Shards = append(snap.Shards, *sh)
	}
	return json.Marshal(snap)
}

// Unmarshal rebuilds a State from bytes produced by Marshal.
func Unmarshal(buf []byte) (*State, error) {
	var snap snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return nil, fmt.Errorf("config: unmarshal state: %w", err)
	}

	s := New()
	s.Revision = snap.Revision
	s.ShardServers = snap.ShardServers
	for i := range snap.Quorums {
		q := snap.Quorums[i]
		s.PutQuorum(&q)
	}
	for i := range snap.Databases {
		d := snap.Databases[i]
		s.PutDatabase(&d)
	}
	for i := range snap.Tables {
		t := snap.Tables[i]
		s.PutTable(&t)
	}
	for i := range snap.Shards {
		sh := snap.Shards[i]
		s.PutShard(&sh)
	}
	s.SetMigration(snap.Migration)
	return s, nil
}

// MarshalMutations encodes a batch of queued schema/cluster mutations
// into the Paxos value the controller's ConfigContext proposes next
// (resolves Open Question 3, see DESIGN.md).
func MarshalMutations(muts []Mutation) ([]byte, error) {
	return json.Marshal(muts)
}

// UnmarshalMutations is MarshalMutations's inverse, applied by the
// learning side of the controller's own Paxos group.
func UnmarshalMutations(buf []byte) ([]Mutation, error) {
	var muts []Mutation
	if err := json.Unmarshal(buf, &muts); err != nil {
		return nil, fmt.Errorf("config: unmarshal mutations: %w", err)
	}
	return muts, nil
}
