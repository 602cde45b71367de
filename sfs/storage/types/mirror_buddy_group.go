package types

import "fmt"

type MirrorBuddyGroup struct {
	GroupId           MirrorGroupId `json:"groupId"`
	PrimaryTargetId   TargetId      `json:"primary"`
	SecondaryTargetId TargetId      `json:"secondary"`
}

func (g MirrorBuddyGroup) String() string {
	return fmt.Sprintf("group %d (primary %d, secondary %d)", g.GroupId, g.PrimaryTargetId, g.SecondaryTargetId)
}

// BuddyOf returns the other member of the group, or false if targetId is not a member.
func (g MirrorBuddyGroup) BuddyOf(targetId TargetId) (TargetId, bool) {
	switch targetId {
	case g.PrimaryTargetId:
		return g.SecondaryTargetId, true
	case g.SecondaryTargetId:
		return g.PrimaryTargetId, true
	}
	return 0, false
}

func (g MirrorBuddyGroup) IsPrimary(targetId TargetId) bool {
	return g.PrimaryTargetId == targetId
}

// SwitchOver swaps the primary and the secondary.
func (g MirrorBuddyGroup) SwitchOver() MirrorBuddyGroup {
	g.PrimaryTargetId, g.SecondaryTargetId = g.SecondaryTargetId, g.PrimaryTargetId
	return g
}
