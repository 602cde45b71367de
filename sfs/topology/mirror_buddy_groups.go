package topology

import (
	"fmt"
	"slices"
	"sync"

	"github.com/stripefs/stripefs/sfs/storage/types"
)

// MirrorBuddyGroups maps buddy group ids to their members and every member
// target back to its group.
type MirrorBuddyGroups struct {
	sync.RWMutex
	groups        map[types.MirrorGroupId]types.MirrorBuddyGroup
	targetToGroup map[types.TargetId]types.MirrorGroupId
}

func NewMirrorBuddyGroups() *MirrorBuddyGroups {
	return &MirrorBuddyGroups{
		groups:        make(map[types.MirrorGroupId]types.MirrorBuddyGroup),
		targetToGroup: make(map[types.TargetId]types.MirrorGroupId),
	}
}

// Add registers a group. A target can only be a member of one group.
func (m *MirrorBuddyGroups) Add(group types.MirrorBuddyGroup) error {
	if group.PrimaryTargetId == group.SecondaryTargetId {
		return fmt.Errorf("%v: primary and secondary must differ", group)
	}
	m.Lock()
	defer m.Unlock()
	for _, targetId := range []types.TargetId{group.PrimaryTargetId, group.SecondaryTargetId} {
		if existing, found := m.targetToGroup[targetId]; found && existing != group.GroupId {
			return fmt.Errorf("target %d is already in buddy group %d", targetId, existing)
		}
	}
	if old, found := m.groups[group.GroupId]; found {
		delete(m.targetToGroup, old.PrimaryTargetId)
		delete(m.targetToGroup, old.SecondaryTargetId)
	}
	m.groups[group.GroupId] = group
	m.targetToGroup[group.PrimaryTargetId] = group.GroupId
	m.targetToGroup[group.SecondaryTargetId] = group.GroupId
	return nil
}

func (m *MirrorBuddyGroups) Get(groupId types.MirrorGroupId) (types.MirrorBuddyGroup, bool) {
	m.RLock()
	defer m.RUnlock()
	group, found := m.groups[groupId]
	return group, found
}

// GroupOf returns the group targetId is a member of.
func (m *MirrorBuddyGroups) GroupOf(targetId types.TargetId) (types.MirrorBuddyGroup, bool) {
	m.RLock()
	defer m.RUnlock()
	groupId, found := m.targetToGroup[targetId]
	if !found {
		return types.MirrorBuddyGroup{}, false
	}
	return m.groups[groupId], true
}

// BuddyOf returns the other member of targetId's group.
func (m *MirrorBuddyGroups) BuddyOf(targetId types.TargetId) (types.TargetId, bool) {
	group, found := m.GroupOf(targetId)
	if !found {
		return 0, false
	}
	return group.BuddyOf(targetId)
}

// SwitchOver makes the secondary of groupId the new primary.
func (m *MirrorBuddyGroups) SwitchOver(groupId types.MirrorGroupId) (types.MirrorBuddyGroup, bool) {
	m.Lock()
	defer m.Unlock()
	group, found := m.groups[groupId]
	if !found {
		return group, false
	}
	group = group.SwitchOver()
	m.groups[groupId] = group
	return group, true
}

// List returns all groups ordered by group id.
func (m *MirrorBuddyGroups) List() []types.MirrorBuddyGroup {
	m.RLock()
	defer m.RUnlock()
	ret := make([]types.MirrorBuddyGroup, 0, len(m.groups))
	for _, group := range m.groups {
		ret = append(ret, group)
	}
	slices.SortFunc(ret, func(a, b types.MirrorBuddyGroup) int {
		return int(a.GroupId) - int(b.GroupId)
	})
	return ret
}

// SyncGroupsFromLists replaces all groups. The three lists must have equal length.
func (m *MirrorBuddyGroups) SyncGroupsFromLists(groupIds []types.MirrorGroupId, primaries, secondaries []types.TargetId) error {
	if len(groupIds) != len(primaries) || len(groupIds) != len(secondaries) {
		return fmt.Errorf("buddy group lists differ in length: %d/%d/%d", len(groupIds), len(primaries), len(secondaries))
	}
	groups := make(map[types.MirrorGroupId]types.MirrorBuddyGroup, len(groupIds))
	targetToGroup := make(map[types.TargetId]types.MirrorGroupId, 2*len(groupIds))
	for i, groupId := range groupIds {
		groups[groupId] = types.MirrorBuddyGroup{
			GroupId:           groupId,
			PrimaryTargetId:   primaries[i],
			SecondaryTargetId: secondaries[i],
		}
		targetToGroup[primaries[i]] = groupId
		targetToGroup[secondaries[i]] = groupId
	}
	m.Lock()
	m.groups = groups
	m.targetToGroup = targetToGroup
	m.Unlock()
	return nil
}

// GetAsLists returns the groups as parallel lists ordered by group id.
func (m *MirrorBuddyGroups) GetAsLists() (groupIds []types.MirrorGroupId, primaries, secondaries []types.TargetId) {
	for _, group := range m.List() {
		groupIds = append(groupIds, group.GroupId)
		primaries = append(primaries, group.PrimaryTargetId)
		secondaries = append(secondaries, group.SecondaryTargetId)
	}
	return
}
