package storage

import (
	"encoding/json"
	"fmt"

	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
)

// AcceptorStore adapts an Environment into paxos.Store, persisting each
// PaxosID's AcceptorState as a JSON record under a reserved key prefix.
// cmd/shardserver points this at the shard's own data Engine, so the
// acceptor records share that keyspace under the "acceptor:" prefix and
// use the same fsync/checksum machinery as the data.
type AcceptorStore struct {
	env Environment
}

func NewAcceptorStore(env Environment) *AcceptorStore { return &AcceptorStore{env: env} }

func acceptorKey(paxosID ids.PaxosID) []byte {
	return []byte(fmt.Sprintf("acceptor:%020d", uint64(paxosID)))
}

// SaveAcceptorState persists s, fsynced by the underlying Engine's WAL
// append before returning. Any failure here is returned as an
// AcceptorPersistence error with Fatal=true; nothing in the module
// aborts the process on it.
func (s *AcceptorStore) SaveAcceptorState(st paxos.AcceptorState) error {
	buf, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.env.Set(acceptorKey(st.PaxosID), buf); err != nil {
		return errs.NewAcceptorPersistenceError(err)
	}
	return nil
}

// LoadAcceptorState returns the zero-value AcceptorState (PaxosID set,
// HasAccepted/Learned false) for a position never seen before, which is
// exactly the state paxos.Acceptor expects for a fresh PaxosID.
var (
	acceptorKeyPrefix     = []byte("acceptor:")
	acceptorKeyUpperBound = []byte("acceptor;") // ':' + 1, exclusive bound covering every acceptor key
)

// HighestPaxosIDInRange scans persisted acceptor records and returns
// the largest PaxosID in [from, to) that has one (to==0 means
// unbounded). A quorum's data log and its PaxosLease share one
// AcceptorStore, distinguished only by which side of the lease's
// baseSlot their PaxosID falls on, so restoring either counter after a
// restart means scanning its own range rather than taking one global
// max (spec §7: the acceptor's own promises survive a crash, but
// whatever assigns PaxosIDs in the first place must resume past them
// too, not just replay from zero).
func (s *AcceptorStore) HighestPaxosIDInRange(from, to ids.PaxosID) (ids.PaxosID, bool, error) {
	var highest ids.PaxosID
	found := false
	err := s.env.Iterate(acceptorKeyPrefix, acceptorKeyUpperBound, func(key, value []byte) error {
		var st paxos.AcceptorState
		if err := json.Unmarshal(value, &st); err != nil {
			return err
		}
		if st.PaxosID < from || (to != 0 && st.PaxosID >= to) {
			return nil
		}
		if !found || st.PaxosID > highest {
			highest = st.PaxosID
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return highest, found, nil
}

func (s *AcceptorStore) LoadAcceptorState(paxosID ids.PaxosID) (paxos.AcceptorState, error) {
	buf, ok, err := s.env.Get(acceptorKey(paxosID))
	if err != nil {
		return paxos.AcceptorState{}, err
	}
	if !ok {
		return paxos.AcceptorState{PaxosID: paxosID}, nil
	}
	var st paxos.AcceptorState
	if err := json.Unmarshal(buf, &st); err != nil {
		return paxos.AcceptorState{}, err
	}
	return st, nil
}
