package types

import (
	"fmt"
	"strconv"
	"strings"
)

type TargetId uint16
type NodeId uint32
type MirrorGroupId uint16

func (t TargetId) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

func ParseTargetId(s string) (TargetId, error) {
	id, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("target id %s format error: %w", s, err)
	}
	return TargetId(id), nil
}

type NodeType string

const (
	MetaNodeType    NodeType = "meta"
	StorageNodeType NodeType = "storage"
)

func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(strings.ToLower(s)) {
	case MetaNodeType:
		return MetaNodeType, nil
	case StorageNodeType:
		return StorageNodeType, nil
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// CapacityPoolType values are ordered by decreasing headroom.
type CapacityPoolType int

const (
	CapacityPoolNormal CapacityPoolType = iota
	CapacityPoolLow
	CapacityPoolEmergency
	capacityPoolEnd
)

const NumCapacityPoolTypes = int(capacityPoolEnd)

// CapacityPoolTypes lists all pool types in selection preference order.
var CapacityPoolTypes = []CapacityPoolType{CapacityPoolNormal, CapacityPoolLow, CapacityPoolEmergency}

func (p CapacityPoolType) String() string {
	switch p {
	case CapacityPoolNormal:
		return "normal"
	case CapacityPoolLow:
		return "low"
	case CapacityPoolEmergency:
		return "emergency"
	}
	return "invalid"
}

func (p CapacityPoolType) IsValid() bool {
	return p >= CapacityPoolNormal && p < capacityPoolEnd
}

type ReachabilityState int

const (
	ReachabilityOnline ReachabilityState = iota
	ReachabilityProbablyOffline
	ReachabilityOffline
)

func (r ReachabilityState) String() string {
	switch r {
	case ReachabilityOnline:
		return "online"
	case ReachabilityProbablyOffline:
		return "probably-offline"
	case ReachabilityOffline:
		return "offline"
	}
	return "invalid"
}

type ConsistencyState int

const (
	ConsistencyGood ConsistencyState = iota
	ConsistencyNeedsResync
	ConsistencyBad
)

func (c ConsistencyState) String() string {
	switch c {
	case ConsistencyGood:
		return "good"
	case ConsistencyNeedsResync:
		return "needs-resync"
	case ConsistencyBad:
		return "bad"
	}
	return "invalid"
}

// IsValidConsistencyTransition reports whether the authority accepts a
// change from one consistency state to another. A target can never promote
// itself from Bad to Good without going through a resync.
func IsValidConsistencyTransition(from, to ConsistencyState) bool {
	if from == to {
		return true
	}
	switch from {
	case ConsistencyGood:
		return to == ConsistencyNeedsResync || to == ConsistencyBad
	case ConsistencyNeedsResync:
		return to == ConsistencyGood || to == ConsistencyBad
	case ConsistencyBad:
		return to == ConsistencyNeedsResync
	}
	return false
}

type CombinedTargetState struct {
	Reachability ReachabilityState `json:"reachability"`
	Consistency  ConsistencyState  `json:"consistency"`
}

func (s CombinedTargetState) String() string {
	return s.Reachability.String() + "/" + s.Consistency.String()
}

// IsUsable is true for targets that may take new data.
func (s CombinedTargetState) IsUsable() bool {
	return s.Reachability == ReachabilityOnline && s.Consistency == ConsistencyGood
}
