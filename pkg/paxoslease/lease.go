// Package paxoslease implements stable-leader election for one quorum:
// a single-decree Paxos round (pkg/paxos) whose agreed-on value is the
// current lease holder and its expiry, renewed before it lapses so a
// healthy primary never has to re-run Prepare/Propose on every request
// (spec §4.5). This replaces the teacher's EPaxos-without-a-leader
// design with ScalienDB's stable-master model: the teacher's
// consensus package never elected a leader at all (every node proposes
// independently), so this package has no direct teacher analogue and
// is grounded on spec.md §4.5 alone, built from pkg/paxos primitives in
// the teacher's idiom (explicit struct, injected transport/stats, no
// package-level globals).
package paxoslease

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
)

// MaxLeaseTime is the duration a lease grant is valid for once agreed
// on, per spec §4.5.
const MaxLeaseTime = 7 * time.Second

// MasterTimeout is how long a client waits to hear from a quorum's
// primary before considering it gone; three lease periods span about
// nine renewal intervals of MaxLeaseTime/3 before clients give up.
const MasterTimeout = 3 * MaxLeaseTime

// SafetyMargin is subtracted from a lease's expiry when deciding
// IsLeaseOwner, to account for clock drift between the holder and
// other replicas noticing the lease is expiring.
const SafetyMargin = 1 * time.Second

// DefaultLeaseBaseSlot reserves the PaxosID space at and above this
// value for lease-term decrees, disjoint from a quorum's data-log
// PaxosIDs (which start at 1), so a restart-time scan of one shared
// AcceptorStore can tell a lease-term record from a data-log record by
// PaxosID alone instead of needing a separate keyspace.
const DefaultLeaseBaseSlot = ids.PaxosID(1 << 48)

// Grant is the value a PaxosLease round agrees on.
type Grant struct {
	Holder   ids.NodeID
	ExpireAt time.Time
}

func (g Grant) encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(g.Holder))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(g.ExpireAt.UnixNano()))
	return buf
}

func decodeGrant(b []byte) Grant {
	if len(b) < 16 {
		return Grant{}
	}
	return Grant{
		Holder:   ids.NodeID(binary.LittleEndian.Uint64(b[0:8])),
		ExpireAt: time.Unix(0, int64(binary.LittleEndian.Uint64(b[8:16]))),
	}
}

// Lease tracks a quorum's current lease grant and drives renewal for
// the local node when it holds it. One Lease per quorum the local node
// is a member of. Each acquisition attempt consumes a fresh PaxosID:
// single-decree Paxos agrees on a value exactly once, so "renewing" a
// lease is really agreeing on a new decree ("who holds term N+1") each
// time, not re-running the same decree.
type Lease struct {
	nodeID    ids.NodeID
	proposer  *paxos.Proposer
	baseSlot  ids.PaxosID // first PaxosID of this quorum's reserved lease-slot range, separate from the data log
	peers     []ids.NodeID
	stats     *stats.Client

	mu       sync.RWMutex
	current  Grant
	nextTerm uint64
}

func New(nodeID ids.NodeID, proposer *paxos.Proposer, leaseBaseSlot ids.PaxosID, peers []ids.NodeID, statsClient *stats.Client) *Lease {
	return &Lease{nodeID: nodeID, proposer: proposer, baseSlot: leaseBaseSlot, peers: peers, stats: statsClient}
}

// IsLeaseOwner reports whether the local node currently holds a valid
// lease, i.e. the cached grant names it as holder and has not yet
// crossed into its safety margin before expiry.
func (l *Lease) IsLeaseOwner() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.Holder == l.nodeID && time.Now().Before(l.current.ExpireAt.Add(-SafetyMargin))
}

// SeedTerm restores nextTerm after a process restart, from the highest
// lease-slot PaxosID (relative to baseSlot) AcceptorStore has durably
// recorded, so the next Acquire mints a term past whatever was already
// decided before the crash instead of re-running an already-chosen
// slot and re-triggering its onAppend side effects.
func (l *Lease) SeedTerm(term uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if term > l.nextTerm {
		l.nextTerm = term
	}
}

// Current returns the cached lease grant without attempting to acquire
// or renew it.
func (l *Lease) Current() Grant {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Acquire tries to grant the lease to the local node for MaxLeaseTime
// starting now. If the cached grant names another node and has not
// expired, it returns that grant with a NoPrimary error without running
// a round. Otherwise it runs one Paxos round on the next slot; if a
// value was already accepted for that slot, that value wins and the
// local node does not become the holder.
func (l *Lease) Acquire(ctx context.Context) (Grant, error) {
	start := time.Now()
	defer l.stats.Timing("lease.acquire.time", start)

	l.mu.RLock()
	stale := l.current
	l.mu.RUnlock()
	if stale.Holder != 0 && time.Now().Before(stale.ExpireAt) && stale.Holder != l.nodeID {
		l.stats.Inc("lease.acquire.contended.count", 1)
		return stale, errs.NewNoPrimaryError("paxoslease: quorum lease already held by node %v until %v", stale.Holder, stale.ExpireAt)
	}

	l.mu.Lock()
	l.nextTerm++
	slot := ids.PaxosID(uint64(l.baseSlot) + l.nextTerm)
	l.mu.Unlock()

	want := Grant{Holder: l.nodeID, ExpireAt: time.Now().Add(MaxLeaseTime)}
	runID, value, err := l.proposer.Propose(ctx, slot, l.peers, ids.RunID(l.nextTerm), want.encode())
	if err != nil {
		l.stats.Inc("lease.acquire.error.count", 1)
		return Grant{}, err
	}
	_ = runID

	got := decodeGrant(value)
	l.mu.Lock()
	l.current = got
	l.mu.Unlock()

	if got.Holder == l.nodeID {
		l.stats.Inc("lease.acquire.success.count", 1)
	} else {
		l.stats.Inc("lease.acquire.lost.count", 1)
	}
	return got, nil
}

// RunRenewalLoop blocks renewing the lease on a cadence shorter than
// MaxLeaseTime for as long as the local node holds it, returning when
// ctx is cancelled or a renewal attempt loses the lease to another
// node. Callers should treat the latter as "step down as primary".
func (l *Lease) RunRenewalLoop(ctx context.Context) error {
	const renewalInterval = MaxLeaseTime / 3

	ticker := time.NewTicker(renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			grant, err := l.Acquire(ctx)
			if err != nil {
				return err
			}
			if grant.Holder != l.nodeID {
				return errs.NewNoPrimaryError("paxoslease: lost lease to node %v", grant.Holder)
			}
		}
	}
}
