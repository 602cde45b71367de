package mgmt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/topology"
	"github.com/stripefs/stripefs/sfs/util"
)

var (
	ErrUnknownNodeType = errors.New("unknown node type")
	ErrUnknownTarget   = errors.New("unknown target")
	ErrStateConflict   = errors.New("target state changed concurrently")
)

type AuthorityOption struct {
	LowSpaceBytes          uint64
	EmergencySpaceBytes    uint64
	LowInodes              uint64
	EmergencyInodes        uint64
	ProbablyOfflineTimeout time.Duration
	OfflineTimeout         time.Duration
	ReachabilityInterval   time.Duration
}

func NewAuthorityOption(conf util.Configuration) *AuthorityOption {
	conf.SetDefault("pools.lowSpaceBytes", 512*1024*1024*1024)
	conf.SetDefault("pools.emergencySpaceBytes", 10*1024*1024*1024)
	conf.SetDefault("pools.lowInodes", 10*1000*1000)
	conf.SetDefault("pools.emergencyInodes", 1000*1000)
	conf.SetDefault("mgmt.probablyOfflineTimeout", "90s")
	conf.SetDefault("mgmt.offlineTimeout", "180s")
	conf.SetDefault("mgmt.reachabilityInterval", "10s")
	return &AuthorityOption{
		LowSpaceBytes:          uint64(conf.GetInt("pools.lowSpaceBytes")),
		EmergencySpaceBytes:    uint64(conf.GetInt("pools.emergencySpaceBytes")),
		LowInodes:              uint64(conf.GetInt("pools.lowInodes")),
		EmergencyInodes:        uint64(conf.GetInt("pools.emergencyInodes")),
		ProbablyOfflineTimeout: conf.GetDuration("mgmt.probablyOfflineTimeout"),
		OfflineTimeout:         conf.GetDuration("mgmt.offlineTimeout"),
		ReachabilityInterval:   conf.GetDuration("mgmt.reachabilityInterval"),
	}
}

type nodeTypeState struct {
	pools    *topology.CapacityPool
	states   *topology.TargetStateStore
	groups   *topology.MirrorBuddyGroups
	lastSeen map[types.TargetId]time.Time
	nodeOf   map[types.TargetId]types.NodeId
}

/*
Authority is the single source of truth for target states, capacity pools
and buddy groups. Servers download its view periodically and push state
changes that are only accepted if they were based on the current state.
*/
type Authority struct {
	option *AuthorityOption

	// serializes state changes across states, groups and last seen times
	sync.Mutex
	nodeTypes map[types.NodeType]*nodeTypeState
}

func NewAuthority(option *AuthorityOption) *Authority {
	a := &Authority{
		option:    option,
		nodeTypes: make(map[types.NodeType]*nodeTypeState),
	}
	for _, nodeType := range []types.NodeType{types.MetaNodeType, types.StorageNodeType} {
		a.nodeTypes[nodeType] = &nodeTypeState{
			pools:    topology.NewCapacityPool("mgmt-" + string(nodeType)),
			states:   topology.NewTargetStateStore(nodeType),
			groups:   topology.NewMirrorBuddyGroups(),
			lastSeen: make(map[types.TargetId]time.Time),
			nodeOf:   make(map[types.TargetId]types.NodeId),
		}
	}
	return a
}

func (a *Authority) nodeType(nodeType types.NodeType) (*nodeTypeState, error) {
	nts, found := a.nodeTypes[nodeType]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
	return nts, nil
}

// RegisterTarget adds a target as online and good. Until its first free
// space report it is only placed in the emergency pool.
func (a *Authority) RegisterTarget(nodeType types.NodeType, targetId types.TargetId, nodeId types.NodeId, now time.Time) error {
	nts, err := a.nodeType(nodeType)
	if err != nil {
		return err
	}
	a.Lock()
	defer a.Unlock()
	a.registerUnlocked(nts, targetId, nodeId, now)
	return nil
}

func (a *Authority) registerUnlocked(nts *nodeTypeState, targetId types.TargetId, nodeId types.NodeId, now time.Time) {
	if nts.states.AddIfAbsent(targetId) {
		glog.V(0).Infof("registered %s target %d on node %d", nts.states.NodeType(), targetId, nodeId)
	}
	nts.pools.AddIfAbsent(targetId, nodeId, types.CapacityPoolEmergency)
	nts.nodeOf[targetId] = nodeId
	nts.lastSeen[targetId] = now
}

// AddBuddyGroup pairs two registered targets.
func (a *Authority) AddBuddyGroup(nodeType types.NodeType, group types.MirrorBuddyGroup) error {
	nts, err := a.nodeType(nodeType)
	if err != nil {
		return err
	}
	a.Lock()
	defer a.Unlock()
	for _, targetId := range []types.TargetId{group.PrimaryTargetId, group.SecondaryTargetId} {
		if _, found := nts.states.GetState(targetId); !found {
			return fmt.Errorf("%w: %d", ErrUnknownTarget, targetId)
		}
	}
	return nts.groups.Add(group)
}

// GetCapacityPools lists the usable targets of every pool. Targets that are
// not online and good are left out, they must not take new data.
func (a *Authority) GetCapacityPools(nodeType types.NodeType) (*message.CapacityPoolsResponse, error) {
	nts, err := a.nodeType(nodeType)
	if err != nil {
		return nil, err
	}
	a.Lock()
	defer a.Unlock()

	normal, low, emergency, targetToNode := nts.pools.GetStateAsLists()
	usable := func(list []types.TargetId) []types.TargetId {
		ret := make([]types.TargetId, 0, len(list))
		for _, targetId := range list {
			if state, found := nts.states.GetState(targetId); found && state.IsUsable() {
				ret = append(ret, targetId)
			}
		}
		return ret
	}
	return &message.CapacityPoolsResponse{
		Normal:       usable(normal),
		Low:          usable(low),
		Emergency:    usable(emergency),
		TargetToNode: targetToNode,
	}, nil
}

func (a *Authority) GetTargetStates(nodeType types.NodeType, withGroups bool) (*message.TargetStatesResponse, error) {
	nts, err := a.nodeType(nodeType)
	if err != nil {
		return nil, err
	}
	a.Lock()
	defer a.Unlock()

	resp := &message.TargetStatesResponse{}
	resp.TargetIds, resp.Reachability, resp.Consistency = nts.states.GetStatesAsLists()
	if withGroups {
		resp.BuddyGroupIds, resp.Primaries, resp.Secondaries = nts.groups.GetAsLists()
	}
	return resp, nil
}

// ChangeTargetStates applies all changes or none. It fails if any target's
// current state differs from the old state the caller based its change on,
// or if a consistency transition is not allowed.
func (a *Authority) ChangeTargetStates(req *message.ChangeTargetStatesRequest) error {
	nts, err := a.nodeType(req.NodeType)
	if err != nil {
		return err
	}
	if len(req.TargetIds) != len(req.OldStates) || len(req.TargetIds) != len(req.NewStates) {
		return fmt.Errorf("state change lists differ in length: %d/%d/%d", len(req.TargetIds), len(req.OldStates), len(req.NewStates))
	}

	a.Lock()
	defer a.Unlock()

	for i, targetId := range req.TargetIds {
		current, found := nts.states.GetState(targetId)
		if !found {
			return fmt.Errorf("%w: %d", ErrUnknownTarget, targetId)
		}
		if current != req.OldStates[i] {
			return fmt.Errorf("%w: target %d is %v, not %v", ErrStateConflict, targetId, current, req.OldStates[i])
		}
		if !types.IsValidConsistencyTransition(current.Consistency, req.NewStates[i].Consistency) {
			return fmt.Errorf("target %d: transition %v -> %v not allowed", targetId, current.Consistency, req.NewStates[i].Consistency)
		}
	}
	for i, targetId := range req.TargetIds {
		glog.V(0).Infof("%s target %d: %v -> %v", req.NodeType, targetId, req.OldStates[i], req.NewStates[i])
		nts.states.SetState(targetId, req.NewStates[i])
	}
	return nil
}

// ReportFreeSpace refreshes the last seen time of each reported target and
// moves it into the capacity pool matching its free space and inodes.
func (a *Authority) ReportFreeSpace(report *message.FreeSpaceReport, now time.Time) error {
	nts, err := a.nodeType(report.NodeType)
	if err != nil {
		return err
	}
	a.Lock()
	defer a.Unlock()

	for _, target := range report.Targets {
		a.registerUnlocked(nts, target.TargetId, target.NodeId, now)

		state, _ := nts.states.GetState(target.TargetId)
		if state.Reachability != types.ReachabilityOnline {
			glog.V(0).Infof("%s target %d is back online", report.NodeType, target.TargetId)
			state.Reachability = types.ReachabilityOnline
			nts.states.SetState(target.TargetId, state)
		}
		if state.Consistency != target.ConsistencyState {
			glog.V(1).Infof("%s target %d reports %v, authority has %v", report.NodeType, target.TargetId, target.ConsistencyState, state.Consistency)
		}

		poolType := a.classify(target)
		if nts.pools.AddOrUpdate(target.TargetId, target.NodeId, poolType) {
			glog.V(0).Infof("%s target %d moved to %s pool, free %s of %s, %d inodes free",
				report.NodeType, target.TargetId, poolType,
				humanize.IBytes(target.FreeBytes), humanize.IBytes(target.TotalBytes), target.FreeInodes)
		}
	}
	return nil
}

func (a *Authority) classify(target message.TargetFreeSpace) types.CapacityPoolType {
	// inode limits only apply where the file system reports inodes
	inodesKnown := target.TotalInodes > 0
	if target.FreeBytes < a.option.EmergencySpaceBytes || (inodesKnown && target.FreeInodes < a.option.EmergencyInodes) {
		return types.CapacityPoolEmergency
	}
	if target.FreeBytes < a.option.LowSpaceBytes || (inodesKnown && target.FreeInodes < a.option.LowInodes) {
		return types.CapacityPoolLow
	}
	return types.CapacityPoolNormal
}

// UpdateReachability ages targets that stopped reporting. A buddy group
// member going offline needs a resync once it is back; an offline primary is
// replaced by its secondary if that one is online and good.
func (a *Authority) UpdateReachability(now time.Time) {
	a.Lock()
	defer a.Unlock()

	for nodeType, nts := range a.nodeTypes {
		var offlinePrimaries []types.MirrorBuddyGroup
		for targetId, state := range nts.states.Snapshot() {
			elapsed := now.Sub(nts.lastSeen[targetId])

			next := state
			switch {
			case elapsed > a.option.OfflineTimeout:
				next.Reachability = types.ReachabilityOffline
			case elapsed > a.option.ProbablyOfflineTimeout:
				next.Reachability = types.ReachabilityProbablyOffline
			default:
				continue
			}
			if next == state {
				continue
			}

			if next.Reachability == types.ReachabilityOffline {
				if group, found := nts.groups.GroupOf(targetId); found {
					if next.Consistency == types.ConsistencyGood {
						next.Consistency = types.ConsistencyNeedsResync
					}
					if group.IsPrimary(targetId) {
						offlinePrimaries = append(offlinePrimaries, group)
					}
				}
			}
			glog.V(0).Infof("%s target %d not seen for %v: %v -> %v", nodeType, targetId, elapsed.Truncate(time.Second), state, next)
			nts.states.SetState(targetId, next)
		}

		// secondaries are judged after all targets were aged
		for _, group := range offlinePrimaries {
			a.switchOverUnlocked(nts, group)
		}
	}
}

func (a *Authority) switchOverUnlocked(nts *nodeTypeState, group types.MirrorBuddyGroup) {
	secondaryState, found := nts.states.GetState(group.SecondaryTargetId)
	if !found || !secondaryState.IsUsable() {
		glog.Warningf("%v: primary offline, secondary %v cannot take over", group, secondaryState)
		return
	}
	if switched, ok := nts.groups.SwitchOver(group.GroupId); ok {
		glog.V(0).Infof("switched over %v", switched)
	}
}

// Run ages reachability until ctx is done.
func (a *Authority) Run(ctx context.Context) {
	ticker := time.NewTicker(a.option.ReachabilityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.UpdateReachability(now)
		}
	}
}

func countRequest(requestType string, err error) {
	code := "ok"
	switch {
	case errors.Is(err, ErrStateConflict):
		code = "conflict"
	case err != nil:
		code = "error"
	}
	stats.MgmtRequestCounter.WithLabelValues(requestType, code).Inc()
}
