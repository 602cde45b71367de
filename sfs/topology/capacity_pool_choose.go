package topology

import (
	"math/rand/v2"
	"slices"

	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/storage/types"
)

const (
	chooserPlain      = "plain"
	chooserPreferred  = "preferred"
	chooserRoundRobin = "round_robin"
	chooserAcross     = "across_nodes"
	chooserSameNode   = "same_node"
)

func countChoice(algorithm string, chosen []types.TargetId, minRequired int) {
	result := "ok"
	if len(chosen) < minRequired {
		result = "short"
	}
	stats.TargetChooserCounter.WithLabelValues(algorithm, result).Inc()
}

// ChooseTargets picks up to numTargets targets for a new file.
//
// Without preferred targets, the normal pool is tried first and the low and
// emergency pools are only used while fewer than minRequired targets were
// found. With preferred targets, those are taken first; other targets are
// only added if allowNonPreferred is set. Fewer than numTargets are returned
// when the pools are exhausted, callers check against minRequired.
func (cp *CapacityPool) ChooseTargets(numTargets, minRequired int, preferred []types.TargetId, allowNonPreferred bool) (chosen []types.TargetId) {
	if numTargets <= 0 {
		return nil
	}

	cp.RLock()
	defer cp.RUnlock()

	if len(preferred) == 0 {
		chosen = cp.chooseNonPreferred(numTargets, minRequired)
		countChoice(chooserPlain, chosen, minRequired)
		return
	}
	chosen = cp.choosePreferred(numTargets, minRequired, preferred, allowNonPreferred)
	countChoice(chooserPreferred, chosen, minRequired)
	return
}

func (cp *CapacityPool) chooseNonPreferred(numTargets, minRequired int) (chosen []types.TargetId) {
	for _, poolType := range types.CapacityPoolTypes {
		pool := cp.pools[poolType]
		if len(pool) == 0 {
			continue
		}
		chosen = append(chosen, chooseFromList(pool.sorted(), numTargets-len(chosen))...)
		if len(chosen) >= minRequired || len(chosen) >= numTargets {
			break
		}
	}
	return
}

func (cp *CapacityPool) choosePreferred(numTargets, minRequired int, preferred []types.TargetId, allowNonPreferred bool) []types.TargetId {
	chosen := make([]types.TargetId, 0, numTargets)
	taken := make(targetSet, numTargets)

	// a random start keeps the first preferred target from always being picked
	start := rand.IntN(len(preferred))
	rotated := make([]types.TargetId, 0, len(preferred))
	rotated = append(rotated, preferred[start:]...)
	rotated = append(rotated, preferred[:start]...)

	takePreferred := func(pool targetSet) {
		for _, targetId := range rotated {
			if len(chosen) >= numTargets {
				return
			}
			if _, inPool := pool[targetId]; !inPool {
				continue
			}
			if _, dup := taken[targetId]; dup {
				continue
			}
			taken[targetId] = struct{}{}
			chosen = append(chosen, targetId)
		}
	}
	takeAny := func(pool targetSet) {
		if len(chosen) >= numTargets {
			return
		}
		candidates := make([]types.TargetId, 0, len(pool))
		for _, targetId := range pool.sorted() {
			if _, dup := taken[targetId]; !dup {
				candidates = append(candidates, targetId)
			}
		}
		for _, targetId := range chooseFromList(candidates, numTargets-len(chosen)) {
			taken[targetId] = struct{}{}
			chosen = append(chosen, targetId)
		}
	}

	takePreferred(cp.pools[types.CapacityPoolNormal])
	takePreferred(cp.pools[types.CapacityPoolLow])

	if allowNonPreferred {
		takeAny(cp.pools[types.CapacityPoolNormal])
		takeAny(cp.pools[types.CapacityPoolLow])
	}

	// the emergency pool is the last resort
	if len(chosen) < minRequired {
		takePreferred(cp.pools[types.CapacityPoolEmergency])
		if allowNonPreferred && len(chosen) < minRequired {
			takeAny(cp.pools[types.CapacityPoolEmergency])
		}
	}
	return chosen
}

// chooseFromList splits the sorted list into numTargets contiguous ranges
// and picks one random element from each range. The last range takes the
// remainder.
func chooseFromList(list []types.TargetId, numTargets int) []types.TargetId {
	if numTargets <= 0 || len(list) == 0 {
		return nil
	}
	if len(list) <= numTargets {
		return slices.Clone(list)
	}
	chosen := make([]types.TargetId, 0, numTargets)
	partitionSize := len(list) / numTargets
	for i := 0; i < numTargets; i++ {
		begin := i * partitionSize
		end := begin + partitionSize
		if i == numTargets-1 {
			end = len(list)
		}
		chosen = append(chosen, list[begin+rand.IntN(end-begin)])
	}
	return chosen
}

// ChooseTargetsRoundRobin hands out targets of the first non-empty pool in
// ascending order, continuing after the last target handed out. The cursor is
// not persisted and is shared across pools, so it is not fair when the first
// non-empty pool changes. Not meant as the default placement policy.
func (cp *CapacityPool) ChooseTargetsRoundRobin(numTargets int) (chosen []types.TargetId) {
	if numTargets <= 0 {
		return nil
	}

	cp.RLock()
	defer cp.RUnlock()

	var list []types.TargetId
	for _, poolType := range types.CapacityPoolTypes {
		if len(cp.pools[poolType]) > 0 {
			list = cp.pools[poolType].sorted()
			break
		}
	}
	if len(list) == 0 {
		countChoice(chooserRoundRobin, nil, 1)
		return nil
	}
	if numTargets > len(list) {
		numTargets = len(list)
	}

	cp.roundRobinLock.Lock()
	defer cp.roundRobinLock.Unlock()

	// first target after the cursor, wrapping around
	startIndex, _ := slices.BinarySearch(list, cp.lastRoundRobinTarget+1)
	for i := 0; i < numTargets; i++ {
		chosen = append(chosen, list[(startIndex+i)%len(list)])
	}
	cp.lastRoundRobinTarget = chosen[len(chosen)-1]

	countChoice(chooserRoundRobin, chosen, numTargets)
	return
}

// ChooseTargetsAcrossNodes picks at most one target per node so that the
// chosen targets do not share a failure domain. Nodes used by a pool with
// more headroom are not used again by the following pools.
func (cp *CapacityPool) ChooseTargetsAcrossNodes(numTargets, minRequired int) (chosen []types.TargetId) {
	if numTargets <= 0 {
		return nil
	}

	cp.RLock()
	defer cp.RUnlock()

	usedNodes := make(map[types.NodeId]struct{})
	for _, poolType := range types.CapacityPoolTypes {
		group := cp.grouped[poolType]
		nodes := make([]types.NodeId, 0, len(group))
		for _, nodeId := range group.sortedNodes() {
			if _, used := usedNodes[nodeId]; !used {
				nodes = append(nodes, nodeId)
			}
		}
		rand.Shuffle(len(nodes), func(i, j int) {
			nodes[i], nodes[j] = nodes[j], nodes[i]
		})
		for _, nodeId := range nodes {
			if len(chosen) >= numTargets {
				break
			}
			targets := group[nodeId].sorted()
			chosen = append(chosen, targets[rand.IntN(len(targets))])
			usedNodes[nodeId] = struct{}{}
		}
		if len(chosen) >= minRequired || len(chosen) >= numTargets {
			break
		}
	}

	countChoice(chooserAcross, chosen, minRequired)
	return
}

// ChooseTargetsSameNode picks all targets from one randomly chosen node.
// The first node, in random order, that can provide minRequired targets wins.
// If no node can, the largest selection seen is returned.
func (cp *CapacityPool) ChooseTargetsSameNode(numTargets, minRequired int) (chosen []types.TargetId) {
	if numTargets <= 0 {
		return nil
	}

	cp.RLock()
	defer cp.RUnlock()

	for _, poolType := range types.CapacityPoolTypes {
		group := cp.grouped[poolType]
		nodes := group.sortedNodes()
		rand.Shuffle(len(nodes), func(i, j int) {
			nodes[i], nodes[j] = nodes[j], nodes[i]
		})
		for _, nodeId := range nodes {
			candidate := chooseFromList(group[nodeId].sorted(), numTargets)
			if len(candidate) >= minRequired {
				countChoice(chooserSameNode, candidate, minRequired)
				return candidate
			}
			if len(candidate) > len(chosen) {
				chosen = candidate
			}
		}
	}

	countChoice(chooserSameNode, chosen, minRequired)
	return
}
