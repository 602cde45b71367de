package topology

import (
	"slices"
	"sync"

	"github.com/golang/glog"

	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/storage/types"
)

type targetSet map[types.TargetId]struct{}

type groupedTargets map[types.NodeId]targetSet

/*
CapacityPool partitions targets into the normal, low and emergency pools.

Each pool is kept twice: as a flat target set and grouped by the node that
owns the target. Both views are only changed together under the write lock,
so readers never observe them disagreeing.
*/
type CapacityPool struct {
	name string

	sync.RWMutex
	pools        [types.NumCapacityPoolTypes]targetSet
	grouped      [types.NumCapacityPoolTypes]groupedTargets
	targetPool   map[types.TargetId]types.CapacityPoolType
	targetToNode map[types.TargetId]types.NodeId

	roundRobinLock       sync.Mutex
	lastRoundRobinTarget types.TargetId
}

func NewCapacityPool(name string) *CapacityPool {
	cp := &CapacityPool{name: name}
	cp.reset()
	return cp
}

func (cp *CapacityPool) reset() {
	for i := range cp.pools {
		cp.pools[i] = make(targetSet)
		cp.grouped[i] = make(groupedTargets)
	}
	cp.targetPool = make(map[types.TargetId]types.CapacityPoolType)
	cp.targetToNode = make(map[types.TargetId]types.NodeId)
}

// AddOrUpdate places targetId into poolType, removing it from whatever pool
// and node group it occupied before. It returns true if the placement changed.
func (cp *CapacityPool) AddOrUpdate(targetId types.TargetId, nodeId types.NodeId, poolType types.CapacityPoolType) (isNewPlacement bool) {
	if !poolType.IsValid() {
		glog.Errorf("capacity pool %s: invalid pool type %d for target %d", cp.name, poolType, targetId)
		return false
	}
	cp.Lock()
	defer cp.Unlock()
	return cp.addOrUpdateUnlocked(targetId, nodeId, poolType)
}

// AddIfAbsent adds targetId to poolType if it is not in any pool yet, and
// fixes the node mapping of a known target. The common case of an unchanged
// target only takes the read lock.
func (cp *CapacityPool) AddIfAbsent(targetId types.TargetId, nodeId types.NodeId, poolType types.CapacityPoolType) (isNew bool) {
	if !poolType.IsValid() {
		glog.Errorf("capacity pool %s: invalid pool type %d for target %d", cp.name, poolType, targetId)
		return false
	}

	cp.RLock()
	_, known := cp.targetPool[targetId]
	mappedNode, mapped := cp.targetToNode[targetId]
	cp.RUnlock()
	if known && mapped && mappedNode == nodeId {
		return false
	}

	cp.Lock()
	defer cp.Unlock()

	// another writer may have come in between the two locks
	currentPool, known := cp.targetPool[targetId]
	if !known {
		return cp.addOrUpdateUnlocked(targetId, nodeId, poolType)
	}
	if mappedNode, mapped := cp.targetToNode[targetId]; !mapped || mappedNode != nodeId {
		cp.addOrUpdateUnlocked(targetId, nodeId, currentPool)
	}
	return false
}

func (cp *CapacityPool) addOrUpdateUnlocked(targetId types.TargetId, nodeId types.NodeId, poolType types.CapacityPoolType) bool {
	oldPool, known := cp.targetPool[targetId]
	oldNode, mapped := cp.targetToNode[targetId]
	if known && mapped && oldPool == poolType && oldNode == nodeId {
		return false
	}

	if known {
		delete(cp.pools[oldPool], targetId)
		if mapped {
			cp.grouped[oldPool].remove(oldNode, targetId)
		}
	}

	cp.pools[poolType][targetId] = struct{}{}
	cp.grouped[poolType].add(nodeId, targetId)
	cp.targetPool[targetId] = poolType
	cp.targetToNode[targetId] = nodeId

	glog.V(3).Infof("capacity pool %s: target %d of node %d now in %s pool", cp.name, targetId, nodeId, poolType)
	return true
}

// Remove drops targetId from all pools.
func (cp *CapacityPool) Remove(targetId types.TargetId) bool {
	cp.Lock()
	defer cp.Unlock()

	poolType, known := cp.targetPool[targetId]
	if !known {
		return false
	}
	delete(cp.pools[poolType], targetId)
	if nodeId, mapped := cp.targetToNode[targetId]; mapped {
		cp.grouped[poolType].remove(nodeId, targetId)
	}
	delete(cp.targetPool, targetId)
	delete(cp.targetToNode, targetId)
	return true
}

// SyncPoolsFromLists replaces the complete pool state. The new views are
// built before taking the lock. A target listed in more than one pool is kept
// in the one with more headroom.
func (cp *CapacityPool) SyncPoolsFromLists(normal, low, emergency []types.TargetId, targetToNode map[types.TargetId]types.NodeId) {
	next := NewCapacityPool(cp.name)
	lists := [types.NumCapacityPoolTypes][]types.TargetId{normal, low, emergency}
	for i, list := range lists {
		poolType := types.CapacityPoolTypes[i]
		for _, targetId := range list {
			if _, seen := next.targetPool[targetId]; seen {
				glog.V(1).Infof("capacity pool %s: target %d listed twice, keeping %s", cp.name, targetId, next.targetPool[targetId])
				continue
			}
			nodeId, found := targetToNode[targetId]
			if !found {
				glog.Warningf("capacity pool %s: skipping target %d without node mapping", cp.name, targetId)
				continue
			}
			next.addOrUpdateUnlocked(targetId, nodeId, poolType)
		}
	}

	cp.Lock()
	cp.pools = next.pools
	cp.grouped = next.grouped
	cp.targetPool = next.targetPool
	cp.targetToNode = next.targetToNode
	cp.Unlock()

	for i, pool := range next.pools {
		stats.CapacityPoolTargetsGauge.WithLabelValues(cp.name, types.CapacityPoolTypes[i].String()).Set(float64(len(pool)))
	}
}

// GetPoolType returns the pool targetId is currently placed in.
func (cp *CapacityPool) GetPoolType(targetId types.TargetId) (types.CapacityPoolType, bool) {
	cp.RLock()
	defer cp.RUnlock()
	poolType, found := cp.targetPool[targetId]
	return poolType, found
}

// GetPoolTargets returns the flat view of one pool in ascending order.
func (cp *CapacityPool) GetPoolTargets(poolType types.CapacityPoolType) []types.TargetId {
	if !poolType.IsValid() {
		return nil
	}
	cp.RLock()
	defer cp.RUnlock()
	return cp.pools[poolType].sorted()
}

// GetPoolGroupedTargets returns the per-node view of one pool.
func (cp *CapacityPool) GetPoolGroupedTargets(poolType types.CapacityPoolType) map[types.NodeId][]types.TargetId {
	if !poolType.IsValid() {
		return nil
	}
	cp.RLock()
	defer cp.RUnlock()
	ret := make(map[types.NodeId][]types.TargetId, len(cp.grouped[poolType]))
	for nodeId, set := range cp.grouped[poolType] {
		ret[nodeId] = set.sorted()
	}
	return ret
}

// GetStateAsLists returns the three pools and the target to node mapping.
func (cp *CapacityPool) GetStateAsLists() (normal, low, emergency []types.TargetId, targetToNode map[types.TargetId]types.NodeId) {
	cp.RLock()
	defer cp.RUnlock()
	normal = cp.pools[types.CapacityPoolNormal].sorted()
	low = cp.pools[types.CapacityPoolLow].sorted()
	emergency = cp.pools[types.CapacityPoolEmergency].sorted()
	targetToNode = make(map[types.TargetId]types.NodeId, len(cp.targetToNode))
	for k, v := range cp.targetToNode {
		targetToNode[k] = v
	}
	return
}

func (s targetSet) sorted() []types.TargetId {
	ret := make([]types.TargetId, 0, len(s))
	for targetId := range s {
		ret = append(ret, targetId)
	}
	slices.Sort(ret)
	return ret
}

func (g groupedTargets) add(nodeId types.NodeId, targetId types.TargetId) {
	set, found := g[nodeId]
	if !found {
		set = make(targetSet)
		g[nodeId] = set
	}
	set[targetId] = struct{}{}
}

func (g groupedTargets) remove(nodeId types.NodeId, targetId types.TargetId) {
	set, found := g[nodeId]
	if !found {
		return
	}
	delete(set, targetId)
	if len(set) == 0 {
		delete(g, nodeId)
	}
}

func (g groupedTargets) sortedNodes() []types.NodeId {
	ret := make([]types.NodeId, 0, len(g))
	for nodeId := range g {
		ret = append(ret, nodeId)
	}
	slices.Sort(ret)
	return ret
}
