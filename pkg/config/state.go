// Package config implements the routing & configuration plane's data
// model: the versioned ConfigState published by the controller cluster
// and consumed by clients and shard servers (spec §3, §4.1).
//
// The type layout generalizes the teacher's topology.DatacenterContainer
// (topology/datacenter.go), which held a map of per-datacenter rings
// behind a single RWMutex: here the same shape holds
// databases/tables/shards/quorums/shard-servers behind a single RWMutex,
// since all of it is replicated together as one controller Paxos value.
package config

import (
	"fmt"
	"sync"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

// ShardState is the lifecycle state of a shard.
type ShardState string

const (
	ShardNormal        = ShardState("NORMAL")
	ShardSplitCreating = ShardState("SPLIT_CREATING")
	ShardTruncCreating = ShardState("TRUNC_CREATING")
)

// ShardServer is one node registered to serve shard quorums.
type ShardServer struct {
	NodeID   ids.NodeID
	Endpoint string
	SDBPPort int
	HTTPPort int
}

// Quorum is a replication group. ActiveNodes/InactiveNodes mirror the
// replicated state machine state; HasPrimary/PrimaryID are controller-
// local volatile fields, never part of the value a quorum's own Paxos
// log agrees on (spec §3).
type Quorum struct {
	QuorumID      ids.QuorumID
	ActiveNodes   []ids.NodeID
	InactiveNodes []ids.NodeID
	Shards        []ids.ShardID

	// volatile, controller-local only
	HasPrimary bool
	PrimaryID  ids.NodeID
}

// MaxActiveNodes bounds quorum membership per spec §3.
const MaxActiveNodes = 7

// Database groups tables under a name.
type Database struct {
	DatabaseID ids.DatabaseID
	Name       string
	Tables     []ids.TableID
}

// Table belongs to a database and is partitioned into shards.
type Table struct {
	TableID    ids.TableID
	Name       string
	DatabaseID ids.DatabaseID
	Shards     []ids.ShardID
}

// Shard is a contiguous, half-open key range (FirstKey, LastKey]
// replicated by one quorum. Open ends are represented by Open{First,
// Last} rather than sentinel strings, so "-inf"/"+inf" never collide
// with real key bytes.
type Shard struct {
	ShardID       ids.ShardID
	TableID       ids.TableID
	QuorumID      ids.QuorumID
	FirstKey      []byte
	OpenFirst     bool // true: no lower bound (spec's "-inf")
	LastKey       []byte
	OpenLast      bool // true: no upper bound (spec's "+inf")
	State         ShardState
	ParentShardID ids.ShardID
	HasParent     bool
}

// Contains implements the lookup rule of spec §3:
// "strict-greater on first, less-or-equal on last" — i.e.
// FirstKey < key <= LastKey, with open ends acting as -inf/+inf.
func (s *Shard) Contains(key []byte) bool {
	if !s.OpenFirst && bytesCompare(key, s.FirstKey) <= 0 {
		return false
	}
	if !s.OpenLast && bytesCompare(key, s.LastKey) > 0 {
		return false
	}
	return true
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Migration describes an in-progress shard migration (split or manual
// rebalance): src's data is being copied into dst.
type Migration struct {
	SrcShardID ids.ShardID
	DstShardID ids.ShardID
}

// State is the authoritative cluster map, versioned by the controller's
// Paxos round (Revision). It is also mutated in place through its Put*
// methods (by Apply and by Client.invalidatePrimary); each accessor
// takes the State's own mutex, so a reader never observes a half-written
// map entry.
type State struct {
	Revision uint64

	ShardServers []ShardServer

	mu        sync.RWMutex
	quorums   map[ids.QuorumID]*Quorum
	databases map[ids.DatabaseID]*Database
	tables    map[ids.TableID]*Table
	shards    map[ids.ShardID]*Shard
	migration *Migration
}

// New returns an empty ConfigState at revision 0.
func New() *State {
	return &State{
		quorums:   make(map[ids.QuorumID]*Quorum),
		databases: make(map[ids.DatabaseID]*Database),
		tables:    make(map[ids.TableID]*Table),
		shards:    make(map[ids.ShardID]*Shard),
	}
}

// Clone returns a deep-enough copy for a routing component to cache and
// mutate locally (e.g. to toggle HasPrimary) without racing the
// controller's own copy.
func (s *State) Clone() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := New()
	out.Revision = s.Revision
	out.ShardServers = append([]ShardServer(nil), s.ShardServers...)
	for id, q := range s.quorums {
		cp := *q
		cp.ActiveNodes = append([]ids.NodeID(nil), q.ActiveNodes...)
		cp.InactiveNodes = append([]ids.NodeID(nil), q.InactiveNodes...)
		cp.Shards = append([]ids.ShardID(nil), q.Shards...)
		out.quorums[id] = &cp
	}
	for id, d := range s.databases {
		cp := *d
		cp.Tables = append([]ids.TableID(nil), d.Tables...)
		out.databases[id] = &cp
	}
	for id, t := range s.tables {
		cp := *t
		cp.Shards = append([]ids.ShardID(nil), t.Shards...)
		out.tables[id] = &cp
	}
	for id, sh := range s.shards {
		cp := *sh
		cp.FirstKey = append([]byte(nil), sh.FirstKey...)
		cp.LastKey = append([]byte(nil), sh.LastKey...)
		out.shards[id] = &cp
	}
	if s.migration != nil {
		m := *s.migration
		out.migration = &m
	}
	return out
}

func (s *State) PutQuorum(q *Quorum) { s.mu.Lock(); defer s.mu.Unlock(); s.quorums[q.QuorumID] = q }
func (s *State) PutDatabase(d *Database) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[d.DatabaseID] = d
}
func (s *State) PutTable(t *Table) { s.mu.Lock(); defer s.mu.Unlock(); s.tables[t.TableID] = t }
func (s *State) PutShard(sh *Shard) { s.mu.Lock(); defer s.mu.Unlock(); s.shards[sh.ShardID] = sh }
func (s *State) SetMigration(m *Migration) { s.mu.Lock(); defer s.mu.Unlock(); s.migration = m }

func (s *State) Quorum(id ids.QuorumID) (*Quorum, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quorums[id]
	return q, ok
}

func (s *State) Database(id ids.DatabaseID) (*Database, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.databases[id]
	return d, ok
}

func (s *State) Table(id ids.TableID) (*Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[id]
	return t, ok
}

func (s *State) Shard(id ids.ShardID) (*Shard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shards[id]
	return sh, ok
}

func (s *State) Migration() (*Migration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.migration, s.migration != nil
}

// DatabaseByName resolves a database name to its ID, satisfying
// Client.UseDatabase's BADSCHEMA-on-miss contract (spec §4.1).
func (s *State) DatabaseByName(name string) (ids.DatabaseID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, d := range s.databases {
		if d.Name == name {
			return id, true
		}
	}
	return 0, false
}

// TableByName resolves a table name scoped to a database.
func (s *State) TableByName(db ids.DatabaseID, name string) (ids.TableID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, t := range s.tables {
		if t.DatabaseID == db && t.Name == name {
			return id, true
		}
	}
	return 0, false
}

// ResolveShard implements the request-assignment lookup of spec §4.1
// step 1: find the table's shard whose (FirstKey, LastKey] covers key.
func (s *State) ResolveShard(table ids.TableID, key []byte) (*Shard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("config: unknown table %v", table)
	}
	for _, sid := range t.Shards {
		sh, ok := s.shards[sid]
		if !ok {
			continue
		}
		if sh.Contains(key) {
			return sh, nil
		}
	}
	return nil, fmt.Errorf("config: no shard of table %v covers key", table)
}

// Validate checks the invariants of spec §3: quorum size, primary
// membership, shard→quorum and quorum-member→server references.
func (s *State) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	servers := make(map[ids.NodeID]bool, len(s.ShardServers))
	for _, srv := range s.ShardServers {
		servers[srv.NodeID] = true
	}

	for qid, q := range s.quorums {
		if len(q.ActiveNodes) > MaxActiveNodes {
			return fmt.Errorf("config: quorum %v has %d active nodes, max %d", qid, len(q.ActiveNodes), MaxActiveNodes)
		}
		if q.HasPrimary {
			isMember := false
			for _, n := range q.ActiveNodes {
				if n == q.PrimaryID {
					isMember = true
					break
				}
			}
			if !isMember {
				return fmt.Errorf("config: quorum %v primary %v is not an active member", qid, q.PrimaryID)
			}
		}
		for _, n := range q.ActiveNodes {
			if !servers[n] {
				return fmt.Errorf("config: quorum %v references unknown shard server %v", qid, n)
			}
		}
	}
	for shid, sh := range s.shards {
		if _, ok := s.quorums[sh.QuorumID]; !ok {
			return fmt.Errorf("config: shard %v references unknown quorum %v", shid, sh.QuorumID)
		}
	}
	return nil
}
