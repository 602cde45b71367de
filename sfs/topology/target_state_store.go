package topology

import (
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"

	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/storage/types"
)

// TargetStateStore keeps the reachability and consistency state of every
// known target.
type TargetStateStore struct {
	nodeType types.NodeType

	sync.RWMutex
	states map[types.TargetId]types.CombinedTargetState
}

func NewTargetStateStore(nodeType types.NodeType) *TargetStateStore {
	return &TargetStateStore{
		nodeType: nodeType,
		states:   make(map[types.TargetId]types.CombinedTargetState),
	}
}

func (s *TargetStateStore) NodeType() types.NodeType {
	return s.nodeType
}

func (s *TargetStateStore) GetState(targetId types.TargetId) (types.CombinedTargetState, bool) {
	s.RLock()
	defer s.RUnlock()
	state, found := s.states[targetId]
	return state, found
}

func (s *TargetStateStore) SetState(targetId types.TargetId, state types.CombinedTargetState) {
	s.Lock()
	defer s.Unlock()
	if old, found := s.states[targetId]; found && old != state {
		glog.V(1).Infof("%s target %d state %v -> %v", s.nodeType, targetId, old, state)
	}
	s.states[targetId] = state
}

// AddIfAbsent adds a target as online and good unless it is already known.
func (s *TargetStateStore) AddIfAbsent(targetId types.TargetId) bool {
	s.RLock()
	_, found := s.states[targetId]
	s.RUnlock()
	if found {
		return false
	}
	s.Lock()
	defer s.Unlock()
	if _, found := s.states[targetId]; found {
		return false
	}
	s.states[targetId] = types.CombinedTargetState{Reachability: types.ReachabilityOnline, Consistency: types.ConsistencyGood}
	return true
}

func (s *TargetStateStore) Remove(targetId types.TargetId) {
	s.Lock()
	defer s.Unlock()
	delete(s.states, targetId)
}

// SetAllReachability changes the reachability of every known target and
// keeps the consistency state.
func (s *TargetStateStore) SetAllReachability(reachability types.ReachabilityState) {
	s.Lock()
	defer s.Unlock()
	for targetId, state := range s.states {
		state.Reachability = reachability
		s.states[targetId] = state
	}
	s.updateGaugeUnlocked()
}

// SetReachability changes the reachability of the given targets only.
func (s *TargetStateStore) SetReachability(targetIds []types.TargetId, reachability types.ReachabilityState) {
	s.Lock()
	defer s.Unlock()
	for _, targetId := range targetIds {
		if state, found := s.states[targetId]; found {
			state.Reachability = reachability
			s.states[targetId] = state
		}
	}
	s.updateGaugeUnlocked()
}

// Snapshot returns a copy of all states.
func (s *TargetStateStore) Snapshot() map[types.TargetId]types.CombinedTargetState {
	s.RLock()
	defer s.RUnlock()
	ret := make(map[types.TargetId]types.CombinedTargetState, len(s.states))
	for k, v := range s.states {
		ret[k] = v
	}
	return ret
}

// GetStatesAsLists returns parallel lists ordered by target id.
func (s *TargetStateStore) GetStatesAsLists() (targetIds []types.TargetId, reachability []types.ReachabilityState, consistency []types.ConsistencyState) {
	s.RLock()
	defer s.RUnlock()
	targetIds = make([]types.TargetId, 0, len(s.states))
	for targetId := range s.states {
		targetIds = append(targetIds, targetId)
	}
	slices.Sort(targetIds)
	for _, targetId := range targetIds {
		state := s.states[targetId]
		reachability = append(reachability, state.Reachability)
		consistency = append(consistency, state.Consistency)
	}
	return
}

// SyncStatesFromLists replaces all states with the authoritative lists.
func (s *TargetStateStore) SyncStatesFromLists(targetIds []types.TargetId, reachability []types.ReachabilityState, consistency []types.ConsistencyState) error {
	states, err := statesFromLists(targetIds, reachability, consistency)
	if err != nil {
		return err
	}
	s.Lock()
	s.states = states
	s.updateGaugeUnlocked()
	s.Unlock()
	return nil
}

// SyncStatesAndGroupsFromLists replaces states and buddy groups from one
// download, so that both always describe the same authority view.
func (s *TargetStateStore) SyncStatesAndGroupsFromLists(groups *MirrorBuddyGroups,
	targetIds []types.TargetId, reachability []types.ReachabilityState, consistency []types.ConsistencyState,
	groupIds []types.MirrorGroupId, primaries, secondaries []types.TargetId) error {

	states, err := statesFromLists(targetIds, reachability, consistency)
	if err != nil {
		return err
	}
	if err = groups.SyncGroupsFromLists(groupIds, primaries, secondaries); err != nil {
		return err
	}
	s.Lock()
	s.states = states
	s.updateGaugeUnlocked()
	s.Unlock()
	return nil
}

func statesFromLists(targetIds []types.TargetId, reachability []types.ReachabilityState, consistency []types.ConsistencyState) (map[types.TargetId]types.CombinedTargetState, error) {
	if len(targetIds) != len(reachability) || len(targetIds) != len(consistency) {
		return nil, fmt.Errorf("target state lists differ in length: %d/%d/%d", len(targetIds), len(reachability), len(consistency))
	}
	states := make(map[types.TargetId]types.CombinedTargetState, len(targetIds))
	for i, targetId := range targetIds {
		states[targetId] = types.CombinedTargetState{Reachability: reachability[i], Consistency: consistency[i]}
	}
	return states, nil
}

func (s *TargetStateStore) updateGaugeUnlocked() {
	counts := make(map[types.CombinedTargetState]int)
	for _, state := range s.states {
		counts[state]++
	}
	for _, r := range []types.ReachabilityState{types.ReachabilityOnline, types.ReachabilityProbablyOffline, types.ReachabilityOffline} {
		for _, c := range []types.ConsistencyState{types.ConsistencyGood, types.ConsistencyNeedsResync, types.ConsistencyBad} {
			state := types.CombinedTargetState{Reachability: r, Consistency: c}
			stats.TargetStatesGauge.WithLabelValues(string(s.nodeType), r.String(), c.String()).Set(float64(counts[state]))
		}
	}
}
