package config

import (
	"fmt"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

// MutationType enumerates the schema/cluster operations that the
// controller's own Paxos group agrees on and folds into the next
// ConfigState revision (spec §4.1 "Schema ops").
type MutationType string

const (
	MutCreateQuorum     = MutationType("CreateQuorum")
	MutDeleteQuorum     = MutationType("DeleteQuorum")
	MutAddNode          = MutationType("AddNode")
	MutRemoveNode       = MutationType("RemoveNode")
	MutActivateNode     = MutationType("ActivateNode")
	MutCreateDatabase   = MutationType("CreateDatabase")
	MutRenameDatabase   = MutationType("RenameDatabase")
	MutDeleteDatabase   = MutationType("DeleteDatabase")
	MutCreateTable      = MutationType("CreateTable")
	MutRenameTable      = MutationType("RenameTable")
	MutDeleteTable      = MutationType("DeleteTable")
	MutTruncateTable    = MutationType("TruncateTable")
	MutSplitShard       = MutationType("SplitShard")
	MutSetPrimary       = MutationType("SetPrimary")
	MutClearPrimary     = MutationType("ClearPrimary")
)

// Mutation is one queued schema/cluster command awaiting inclusion in
// the controller's next proposed ConfigState value (resolves Open
// Question 3, ControllerConfigContext::GetNextValue — see DESIGN.md).
type Mutation struct {
	Type MutationType

	NodeID     ids.NodeID
	Endpoint   string
	SDBPPort   int
	HTTPPort   int
	QuorumID   ids.QuorumID
	DatabaseID ids.DatabaseID
	TableID    ids.TableID
	ShardID    ids.ShardID
	Name       string
	SplitKey   []byte
}

// Apply mutates state in place to reflect one queued Mutation and
// returns only an error. Create-style operations use the IDs carried in
// m; gen is consulted only by SplitShard, to mint the new ShardID.
// Generalizes the
// teacher's cluster.go addNode/JoinCluster single-purpose mutators into
// one dispatch table driven by MutationType.
func Apply(s *State, m Mutation, gen *ids.Generator) error {
	switch m.Type {
	case MutAddNode:
		s.ShardServers = append(s.ShardServers, ShardServer{
			NodeID: m.NodeID, Endpoint: m.Endpoint, SDBPPort: m.SDBPPort, HTTPPort: m.HTTPPort,
		})
		return nil

	case MutRemoveNode:
		out := s.ShardServers[:0]
		for _, srv := range s.ShardServers {
			if srv.NodeID != m.NodeID {
				out = append(out, srv)
			}
		}
		s.ShardServers = out
		return nil

	case MutCreateQuorum:
		q := &Quorum{QuorumID: m.QuorumID, ActiveNodes: []ids.NodeID{m.NodeID}}
		s.PutQuorum(q)
		return nil

	case MutDeleteQuorum:
		s.mu.Lock()
		delete(s.quorums, m.QuorumID)
		s.mu.Unlock()
		return nil

	case MutActivateNode:
		q, ok := s.Quorum(m.QuorumID)
		if !ok {
			return fmt.Errorf("config: activate node on unknown quorum %v", m.QuorumID)
		}
		if len(q.ActiveNodes) >= MaxActiveNodes {
			return fmt.Errorf("config: quorum %v already at max %d active nodes", m.QuorumID, MaxActiveNodes)
		}
		q.ActiveNodes = append(q.ActiveNodes, m.NodeID)
		s.PutQuorum(q)
		return nil

	case MutCreateDatabase:
		d := &Database{DatabaseID: m.DatabaseID, Name: m.Name}
		s.PutDatabase(d)
		return nil

	case MutRenameDatabase:
		d, ok := s.Database(m.DatabaseID)
		if !ok {
			return fmt.Errorf("config: rename unknown database %v", m.DatabaseID)
		}
		d.Name = m.Name
		s.PutDatabase(d)
		return nil

	case MutDeleteDatabase:
		s.mu.Lock()
		delete(s.databases, m.DatabaseID)
		s.mu.Unlock()
		return nil

	case MutCreateTable:
		t := &Table{TableID: m.TableID, Name: m.Name, DatabaseID: m.DatabaseID}
		s.PutTable(t)
		sh := &Shard{
			ShardID:   m.ShardID,
			TableID:   m.TableID,
			QuorumID:  m.QuorumID,
			OpenFirst: true,
			OpenLast:  true,
			State:     ShardNormal,
		}
		s.PutShard(sh)
		t.Shards = append(t.Shards, m.ShardID)
		s.PutTable(t)
		d, ok := s.Database(m.DatabaseID)
		if ok {
			d.Tables = append(d.Tables, m.TableID)
			s.PutDatabase(d)
		}
		q, ok := s.Quorum(m.QuorumID)
		if ok {
			q.Shards = append(q.Shards, m.ShardID)
			s.PutQuorum(q)
		}
		return nil

	case MutRenameTable:
		t, ok := s.Table(m.TableID)
		if !ok {
			return fmt.Errorf("config: rename unknown table %v", m.TableID)
		}
		t.Name = m.Name
		s.PutTable(t)
		return nil

	case MutDeleteTable:
		s.mu.Lock()
		delete(s.tables, m.TableID)
		s.mu.Unlock()
		return nil

	case MutTruncateTable:
		// Marks every shard of the table ShardTruncCreating in place; no
		// replacement shard record is created here. The shard's keys are
		// removed by pkg/shard.TruncateProducer.
		t, ok := s.Table(m.TableID)
		if !ok {
			return fmt.Errorf("config: truncate unknown table %v", m.TableID)
		}
		for _, sid := range t.Shards {
			old, ok := s.Shard(sid)
			if !ok {
				continue
			}
			old.State = ShardTruncCreating
			s.PutShard(old)
		}
		return nil

	case MutSplitShard:
		old, ok := s.Shard(m.ShardID)
		if !ok {
			return fmt.Errorf("config: split unknown shard %v", m.ShardID)
		}
		old.State = ShardSplitCreating
		s.PutShard(old)
		child := &Shard{
			ShardID:       ids.ShardID(gen.Next()),
			TableID:       old.TableID,
			QuorumID:      old.QuorumID,
			FirstKey:      m.SplitKey,
			LastKey:       old.LastKey,
			OpenLast:      old.OpenLast,
			State:         ShardNormal,
			ParentShardID: old.ShardID,
			HasParent:     true,
		}
		s.PutShard(child)
		t, ok := s.Table(old.TableID)
		if ok {
			t.Shards = append(t.Shards, child.ShardID)
			s.PutTable(t)
		}
		q, ok := s.Quorum(old.QuorumID)
		if ok {
			q.Shards = append(q.Shards, child.ShardID)
			s.PutQuorum(q)
		}
		s.SetMigration(&Migration{SrcShardID: old.ShardID, DstShardID: child.ShardID})
		return nil

	case MutSetPrimary:
		q, ok := s.Quorum(m.QuorumID)
		if !ok {
			return fmt.Errorf("config: set primary on unknown quorum %v", m.QuorumID)
		}
		q.HasPrimary = true
		q.PrimaryID = m.NodeID
		s.PutQuorum(q)
		return nil

	case MutClearPrimary:
		q, ok := s.Quorum(m.QuorumID)
		if !ok {
			return nil
		}
		q.HasPrimary = false
		q.PrimaryID = 0
		s.PutQuorum(q)
		return nil

	default:
		return fmt.Errorf("config: unknown mutation type %v", m.Type)
	}
}
