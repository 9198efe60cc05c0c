package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
)

func TestAcceptorStoreLoadUnknownReturnsZeroValue(t *testing.T) {
	e, err := OpenEngine(t.TempDir(), ids.ShardID(1))
	require.NoError(t, err)
	store := NewAcceptorStore(e)

	st, err := store.LoadAcceptorState(ids.PaxosID(7))
	require.NoError(t, err)
	assert.Equal(t, ids.PaxosID(7), st.PaxosID)
	assert.False(t, st.HasAccepted)
	assert.False(t, st.Learned)
}

func TestAcceptorStoreSaveLoadRoundTrip(t *testing.T) {
	e, err := OpenEngine(t.TempDir(), ids.ShardID(1))
	require.NoError(t, err)
	store := NewAcceptorStore(e)

	st := paxos.AcceptorState{
		PaxosID:             42,
		PromisedProposalID:  5,
		AcceptedProposalID:  5,
		AcceptedRunID:       1,
		AcceptedValue:       []byte("v"),
		HasAccepted:         true,
		Learned:             true,
		LearnedRunID:        1,
		LearnedValue:        []byte("v"),
	}
	require.NoError(t, store.SaveAcceptorState(st))

	got, err := store.LoadAcceptorState(42)
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestAcceptorStoreHighestPaxosIDInRange(t *testing.T) {
	e, err := OpenEngine(t.TempDir(), ids.ShardID(1))
	require.NoError(t, err)
	store := NewAcceptorStore(e)

	const leaseBaseSlot = ids.PaxosID(1 << 48)
	for _, id := range []ids.PaxosID{1, 2, 5, leaseBaseSlot + 1, leaseBaseSlot + 3} {
		require.NoError(t, store.SaveAcceptorState(paxos.AcceptorState{PaxosID: id, HasAccepted: true}))
	}

	dataHighest, found, err := store.HighestPaxosIDInRange(0, leaseBaseSlot)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ids.PaxosID(5), dataHighest)

	leaseHighest, found, err := store.HighestPaxosIDInRange(leaseBaseSlot, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, leaseBaseSlot+3, leaseHighest)

	_, found, err = store.HighestPaxosIDInRange(leaseBaseSlot*2, 0)
	require.NoError(t, err)
	assert.False(t, found)
}
