package topology

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripefs/stripefs/sfs/storage/types"
)

// checkPoolInvariants verifies that no target is in two pools and that the
// grouped view matches the flat view of each pool.
func checkPoolInvariants(t *testing.T, cp *CapacityPool) {
	t.Helper()
	seen := make(map[types.TargetId]types.CapacityPoolType)
	for _, poolType := range types.CapacityPoolTypes {
		flat := cp.GetPoolTargets(poolType)
		for _, targetId := range flat {
			if other, dup := seen[targetId]; dup {
				t.Fatalf("target %d in both %s and %s", targetId, other, poolType)
			}
			seen[targetId] = poolType
		}
		var union []types.TargetId
		for _, targets := range cp.GetPoolGroupedTargets(poolType) {
			union = append(union, targets...)
		}
		assert.ElementsMatch(t, flat, union, "grouped view of %s pool", poolType)
	}
}

func TestAddOrUpdateMovesTarget(t *testing.T) {
	cp := NewCapacityPool("test")

	assert.True(t, cp.AddOrUpdate(1, 10, types.CapacityPoolNormal))
	assert.True(t, cp.AddOrUpdate(1, 10, types.CapacityPoolLow))
	assert.Empty(t, cp.GetPoolTargets(types.CapacityPoolNormal))
	assert.Equal(t, []types.TargetId{1}, cp.GetPoolTargets(types.CapacityPoolLow))

	// node change moves the target between groups
	assert.True(t, cp.AddOrUpdate(1, 11, types.CapacityPoolLow))
	grouped := cp.GetPoolGroupedTargets(types.CapacityPoolLow)
	assert.Equal(t, map[types.NodeId][]types.TargetId{11: {1}}, grouped)

	checkPoolInvariants(t, cp)
}

func TestAddOrUpdateIsIdempotent(t *testing.T) {
	cp := NewCapacityPool("test")

	assert.True(t, cp.AddOrUpdate(3, 1, types.CapacityPoolNormal))
	normal, low, emergency, mapping := cp.GetStateAsLists()

	assert.False(t, cp.AddOrUpdate(3, 1, types.CapacityPoolNormal))
	normal2, low2, emergency2, mapping2 := cp.GetStateAsLists()
	assert.Equal(t, normal, normal2)
	assert.Equal(t, low, low2)
	assert.Equal(t, emergency, emergency2)
	assert.Equal(t, mapping, mapping2)
}

func TestAddIfAbsent(t *testing.T) {
	cp := NewCapacityPool("test")

	assert.True(t, cp.AddIfAbsent(5, 1, types.CapacityPoolLow))
	assert.False(t, cp.AddIfAbsent(5, 1, types.CapacityPoolLow))

	// a known target keeps its pool, only the node mapping is fixed
	assert.False(t, cp.AddIfAbsent(5, 2, types.CapacityPoolNormal))
	poolType, found := cp.GetPoolType(5)
	assert.True(t, found)
	assert.Equal(t, types.CapacityPoolLow, poolType)
	assert.Equal(t, map[types.NodeId][]types.TargetId{2: {5}}, cp.GetPoolGroupedTargets(types.CapacityPoolLow))

	checkPoolInvariants(t, cp)
}

func TestAddIfAbsentConcurrent(t *testing.T) {
	cp := NewCapacityPool("test")

	var wg sync.WaitGroup
	var lock sync.Mutex
	added := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cp.AddIfAbsent(7, 1, types.CapacityPoolNormal) {
				lock.Lock()
				added++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, added)
	checkPoolInvariants(t, cp)
}

func TestRemove(t *testing.T) {
	cp := NewCapacityPool("test")
	cp.AddOrUpdate(1, 1, types.CapacityPoolEmergency)

	assert.True(t, cp.Remove(1))
	assert.False(t, cp.Remove(1))
	assert.Empty(t, cp.GetPoolTargets(types.CapacityPoolEmergency))
	assert.Empty(t, cp.GetPoolGroupedTargets(types.CapacityPoolEmergency))
}

func TestSyncPoolsFromLists(t *testing.T) {
	cp := NewCapacityPool("test")
	cp.AddOrUpdate(99, 9, types.CapacityPoolNormal)

	cp.SyncPoolsFromLists(
		[]types.TargetId{1, 2},
		[]types.TargetId{3, 1},
		[]types.TargetId{4},
		map[types.TargetId]types.NodeId{1: 1, 2: 1, 3: 2, 4: 3},
	)

	assert.Equal(t, []types.TargetId{1, 2}, cp.GetPoolTargets(types.CapacityPoolNormal))
	assert.Equal(t, []types.TargetId{3}, cp.GetPoolTargets(types.CapacityPoolLow))
	assert.Equal(t, []types.TargetId{4}, cp.GetPoolTargets(types.CapacityPoolEmergency))
	_, found := cp.GetPoolType(99)
	assert.False(t, found)

	checkPoolInvariants(t, cp)
}

func TestSyncPoolsFromListsSkipsUnmappedTargets(t *testing.T) {
	cp := NewCapacityPool("test")
	cp.SyncPoolsFromLists(
		[]types.TargetId{1, 2, 3},
		nil,
		nil,
		map[types.TargetId]types.NodeId{1: 1, 2: 2},
	)

	assert.Equal(t, []types.TargetId{1, 2}, cp.GetPoolTargets(types.CapacityPoolNormal))
	_, found := cp.GetPoolType(3)
	assert.False(t, found)
	_, _, _, mapping := cp.GetStateAsLists()
	assert.NotContains(t, mapping, types.TargetId(3))
	assert.NotContains(t, cp.GetPoolGroupedTargets(types.CapacityPoolNormal), types.NodeId(0))
	checkPoolInvariants(t, cp)

	// no made up node can serve as a third failure domain
	assert.Len(t, cp.ChooseTargetsAcrossNodes(3, 3), 2)

	cp.AddIfAbsent(3, 3, types.CapacityPoolNormal)
	assert.Len(t, cp.ChooseTargetsAcrossNodes(3, 3), 3)
}

func TestPoolInvariantsUnderRandomOperations(t *testing.T) {
	cp := NewCapacityPool("test")
	r := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 2000; i++ {
		targetId := types.TargetId(r.IntN(40))
		nodeId := types.NodeId(r.IntN(6))
		poolType := types.CapacityPoolTypes[r.IntN(len(types.CapacityPoolTypes))]
		switch r.IntN(10) {
		case 0:
			var lists [3][]types.TargetId
			mapping := make(map[types.TargetId]types.NodeId)
			for j := 0; j < 20; j++ {
				id := types.TargetId(r.IntN(40))
				pool := r.IntN(3)
				lists[pool] = append(lists[pool], id)
				mapping[id] = types.NodeId(r.IntN(6))
			}
			cp.SyncPoolsFromLists(lists[0], lists[1], lists[2], mapping)
		case 1:
			cp.Remove(targetId)
		case 2:
			cp.AddIfAbsent(targetId, nodeId, poolType)
		default:
			cp.AddOrUpdate(targetId, nodeId, poolType)
		}
	}
	checkPoolInvariants(t, cp)
}

func TestChooseTargetsFromNormalPool(t *testing.T) {
	cp := NewCapacityPool("test")
	for i := 1; i <= 10; i++ {
		cp.AddOrUpdate(types.TargetId(i), types.NodeId(i%3), types.CapacityPoolNormal)
	}
	cp.AddOrUpdate(100, 1, types.CapacityPoolLow)

	for round := 0; round < 50; round++ {
		chosen := cp.ChooseTargets(4, 1, nil, false)
		require.Len(t, chosen, 4)
		distinct := make(map[types.TargetId]struct{})
		for _, targetId := range chosen {
			assert.True(t, targetId >= 1 && targetId <= 10, "target %d is not from the normal pool", targetId)
			distinct[targetId] = struct{}{}
		}
		assert.Len(t, distinct, 4)
	}
}

func TestChooseTargetsFallsThroughPools(t *testing.T) {
	cp := NewCapacityPool("test")
	cp.SyncPoolsFromLists(nil, []types.TargetId{5}, []types.TargetId{7, 8},
		map[types.TargetId]types.NodeId{5: 1, 7: 2, 8: 3})

	for round := 0; round < 20; round++ {
		chosen := cp.ChooseTargets(2, 2, nil, false)
		require.Len(t, chosen, 2)
		assert.Contains(t, chosen, types.TargetId(5))
		emergency := 0
		for _, targetId := range chosen {
			if targetId == 7 || targetId == 8 {
				emergency++
			}
		}
		assert.Equal(t, 1, emergency)
	}
}

func TestChooseTargetsStopsAtMinRequired(t *testing.T) {
	cp := NewCapacityPool("test")
	cp.SyncPoolsFromLists([]types.TargetId{1}, []types.TargetId{2}, nil,
		map[types.TargetId]types.NodeId{1: 1, 2: 1})

	assert.Equal(t, []types.TargetId{1}, cp.ChooseTargets(2, 1, nil, false))
	assert.ElementsMatch(t, []types.TargetId{1, 2}, cp.ChooseTargets(2, 2, nil, false))
	assert.ElementsMatch(t, []types.TargetId{1, 2}, cp.ChooseTargets(5, 5, nil, false))
	assert.Empty(t, NewCapacityPool("empty").ChooseTargets(3, 1, nil, false))
}

func TestChooseTargetsPreferred(t *testing.T) {
	cp := NewCapacityPool("test")
	cp.SyncPoolsFromLists([]types.TargetId{1, 2, 3}, []types.TargetId{4}, []types.TargetId{5},
		map[types.TargetId]types.NodeId{1: 1, 2: 1, 3: 1, 4: 1, 5: 1})

	// only preferred targets that are in a pool
	chosen := cp.ChooseTargets(3, 1, []types.TargetId{2, 4, 42}, false)
	assert.ElementsMatch(t, []types.TargetId{2, 4}, chosen)

	// fill from any normal target before low
	chosen = cp.ChooseTargets(3, 3, []types.TargetId{2}, true)
	assert.Len(t, chosen, 3)
	assert.Contains(t, chosen, types.TargetId(2))
	assert.NotContains(t, chosen, types.TargetId(5))

	// emergency only when min is not met otherwise
	chosen = cp.ChooseTargets(5, 5, []types.TargetId{5}, true)
	assert.ElementsMatch(t, []types.TargetId{1, 2, 3, 4, 5}, chosen)

	chosen = cp.ChooseTargets(2, 1, []types.TargetId{5}, false)
	assert.Equal(t, []types.TargetId{5}, chosen)
}

func TestChooseTargetsRoundRobin(t *testing.T) {
	cp := NewCapacityPool("test")
	cp.SyncPoolsFromLists([]types.TargetId{1, 2, 3}, []types.TargetId{9}, nil,
		map[types.TargetId]types.NodeId{1: 1, 2: 1, 3: 1, 9: 1})

	assert.Equal(t, []types.TargetId{1, 2}, cp.ChooseTargetsRoundRobin(2))
	assert.Equal(t, []types.TargetId{3, 1}, cp.ChooseTargetsRoundRobin(2))
	assert.Equal(t, []types.TargetId{2, 3, 1}, cp.ChooseTargetsRoundRobin(5))

	// only the first non-empty pool is used
	cp.SyncPoolsFromLists(nil, []types.TargetId{9}, nil, map[types.TargetId]types.NodeId{9: 1})
	assert.Equal(t, []types.TargetId{9}, cp.ChooseTargetsRoundRobin(3))
}

func TestChooseTargetsAcrossNodes(t *testing.T) {
	cp := NewCapacityPool("test")
	cp.SyncPoolsFromLists(
		[]types.TargetId{1, 2, 3, 4},
		[]types.TargetId{5, 6},
		nil,
		map[types.TargetId]types.NodeId{1: 1, 2: 1, 3: 2, 4: 2, 5: 1, 6: 3},
	)

	_, _, _, mapping := cp.GetStateAsLists()

	for round := 0; round < 20; round++ {
		chosen := cp.ChooseTargetsAcrossNodes(3, 3)
		require.Len(t, chosen, 3)
		nodes := make(map[types.NodeId]struct{})
		for _, targetId := range chosen {
			nodes[mapping[targetId]] = struct{}{}
		}
		assert.Len(t, nodes, 3, "targets %v share a node", chosen)
		// node 1 was used by the normal pool, so target 5 must not be picked
		assert.NotContains(t, chosen, types.TargetId(5))
		assert.Contains(t, chosen, types.TargetId(6))
	}
}

func TestChooseTargetsSameNode(t *testing.T) {
	cp := NewCapacityPool("test")
	cp.SyncPoolsFromLists(
		[]types.TargetId{1, 2, 3, 4, 5},
		nil,
		nil,
		map[types.TargetId]types.NodeId{1: 1, 2: 1, 3: 2, 4: 2, 5: 2},
	)
	_, _, _, mapping := cp.GetStateAsLists()

	for round := 0; round < 20; round++ {
		chosen := cp.ChooseTargetsSameNode(3, 3)
		require.Len(t, chosen, 3)
		for _, targetId := range chosen {
			assert.Equal(t, types.NodeId(2), mapping[targetId])
		}

		chosen = cp.ChooseTargetsSameNode(2, 2)
		require.Len(t, chosen, 2)
		assert.Equal(t, mapping[chosen[0]], mapping[chosen[1]])
	}

	// nobody has four targets: the largest group is returned
	assert.Len(t, cp.ChooseTargetsSameNode(4, 4), 3)
}

func TestChooseFromListSpread(t *testing.T) {
	list := []types.TargetId{1, 2, 3, 4, 5, 6, 7, 8, 9}
	for round := 0; round < 50; round++ {
		chosen := chooseFromList(list, 3)
		require.Len(t, chosen, 3)
		assert.True(t, chosen[0] <= 3)
		assert.True(t, chosen[1] >= 4 && chosen[1] <= 6)
		assert.True(t, chosen[2] >= 7)
	}
	assert.Equal(t, list[:2], chooseFromList(list[:2], 3))
	assert.Nil(t, chooseFromList(list, 0))
}
