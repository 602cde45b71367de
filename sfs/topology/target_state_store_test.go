package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripefs/stripefs/sfs/storage/types"
)

var (
	onlineGood        = types.CombinedTargetState{Reachability: types.ReachabilityOnline, Consistency: types.ConsistencyGood}
	onlineNeedsResync = types.CombinedTargetState{Reachability: types.ReachabilityOnline, Consistency: types.ConsistencyNeedsResync}
)

func TestSyncStatesFromLists(t *testing.T) {
	store := NewTargetStateStore(types.StorageNodeType)
	store.SetState(9, onlineGood)

	err := store.SyncStatesFromLists(
		[]types.TargetId{2, 1},
		[]types.ReachabilityState{types.ReachabilityOffline, types.ReachabilityOnline},
		[]types.ConsistencyState{types.ConsistencyBad, types.ConsistencyNeedsResync},
	)
	require.NoError(t, err)

	state, found := store.GetState(1)
	assert.True(t, found)
	assert.Equal(t, onlineNeedsResync, state)
	_, found = store.GetState(9)
	assert.False(t, found)

	ids, reachability, consistency := store.GetStatesAsLists()
	assert.Equal(t, []types.TargetId{1, 2}, ids)
	assert.Equal(t, []types.ReachabilityState{types.ReachabilityOnline, types.ReachabilityOffline}, reachability)
	assert.Equal(t, []types.ConsistencyState{types.ConsistencyNeedsResync, types.ConsistencyBad}, consistency)

	assert.Error(t, store.SyncStatesFromLists([]types.TargetId{1}, nil, nil))
}

func TestSyncStatesAndGroupsFromLists(t *testing.T) {
	store := NewTargetStateStore(types.StorageNodeType)
	groups := NewMirrorBuddyGroups()

	err := store.SyncStatesAndGroupsFromLists(groups,
		[]types.TargetId{1, 2},
		[]types.ReachabilityState{types.ReachabilityOnline, types.ReachabilityOnline},
		[]types.ConsistencyState{types.ConsistencyGood, types.ConsistencyNeedsResync},
		[]types.MirrorGroupId{7}, []types.TargetId{1}, []types.TargetId{2},
	)
	require.NoError(t, err)

	buddy, found := groups.BuddyOf(2)
	assert.True(t, found)
	assert.Equal(t, types.TargetId(1), buddy)
	state, _ := store.GetState(2)
	assert.Equal(t, onlineNeedsResync, state)

	// broken group lists leave the states untouched
	err = store.SyncStatesAndGroupsFromLists(groups, nil, nil, nil,
		[]types.MirrorGroupId{7}, nil, nil)
	assert.Error(t, err)
	_, found = store.GetState(1)
	assert.True(t, found)
}

func TestSetAllReachability(t *testing.T) {
	store := NewTargetStateStore(types.StorageNodeType)
	store.SetState(1, onlineGood)
	store.SetState(2, onlineNeedsResync)

	store.SetAllReachability(types.ReachabilityProbablyOffline)

	for targetId, state := range store.Snapshot() {
		assert.Equal(t, types.ReachabilityProbablyOffline, state.Reachability, "target %d", targetId)
	}
	state, _ := store.GetState(2)
	assert.Equal(t, types.ConsistencyNeedsResync, state.Consistency)

	store.SetReachability([]types.TargetId{1, 3}, types.ReachabilityOnline)
	state, _ = store.GetState(1)
	assert.Equal(t, onlineGood, state)
	_, found := store.GetState(3)
	assert.False(t, found)
}

func TestStateStoreAddIfAbsent(t *testing.T) {
	store := NewTargetStateStore(types.StorageNodeType)
	assert.True(t, store.AddIfAbsent(4))
	assert.False(t, store.AddIfAbsent(4))
	store.Remove(4)
	_, found := store.GetState(4)
	assert.False(t, found)
}
