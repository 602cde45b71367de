// Package message holds the logical messages exchanged between storage
// servers and the management authority, and between buddy targets.
package message

import (
	"github.com/stripefs/stripefs/sfs/storage/types"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultFail    Result = "fail"
)

type CapacityPoolsResponse struct {
	Normal       []types.TargetId                `json:"normal"`
	Low          []types.TargetId                `json:"low"`
	Emergency    []types.TargetId                `json:"emergency"`
	TargetToNode map[types.TargetId]types.NodeId `json:"targetToNode"`
}

type TargetStatesResponse struct {
	TargetIds    []types.TargetId          `json:"targetIds"`
	Reachability []types.ReachabilityState `json:"reachability"`
	Consistency  []types.ConsistencyState  `json:"consistency"`

	// filled in only when buddy groups were requested
	BuddyGroupIds []types.MirrorGroupId `json:"buddyGroupIds,omitempty"`
	Primaries     []types.TargetId      `json:"primaries,omitempty"`
	Secondaries   []types.TargetId      `json:"secondaries,omitempty"`
}

type ChangeTargetStatesRequest struct {
	NodeType  types.NodeType              `json:"nodeType"`
	TargetIds []types.TargetId            `json:"targetIds"`
	OldStates []types.CombinedTargetState `json:"oldStates"`
	NewStates []types.CombinedTargetState `json:"newStates"`
}

type ChangeTargetStatesResponse struct {
	Result Result `json:"result"`
	Error  string `json:"error,omitempty"`
}

type TargetFreeSpace struct {
	TargetId         types.TargetId         `json:"targetId"`
	NodeId           types.NodeId           `json:"nodeId"`
	TotalBytes       uint64                 `json:"totalBytes"`
	FreeBytes        uint64                 `json:"freeBytes"`
	TotalInodes      uint64                 `json:"totalInodes"`
	FreeInodes       uint64                 `json:"freeInodes"`
	ConsistencyState types.ConsistencyState `json:"consistency"`
}

type FreeSpaceReport struct {
	NodeType types.NodeType    `json:"nodeType"`
	Targets  []TargetFreeSpace `json:"targets"`
}

type FreeSpaceResponse struct {
	Result Result `json:"result"`
}

type ResyncStartedRequest struct {
	BuddyTargetId types.TargetId `json:"buddyTargetId"`
}

type ResyncStartedResponse struct {
	Ack bool `json:"ack"`
}

type RegisterTargetRequest struct {
	TargetId types.TargetId `json:"targetId"`
	NodeId   types.NodeId   `json:"nodeId"`
}

type AddBuddyGroupRequest struct {
	GroupId           types.MirrorGroupId `json:"groupId"`
	PrimaryTargetId   types.TargetId      `json:"primary"`
	SecondaryTargetId types.TargetId      `json:"secondary"`
}
