package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/resync"
	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/storage"
	"github.com/stripefs/stripefs/sfs/storage/commtime"
	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/topology"
	"github.com/stripefs/stripefs/sfs/util"
)

var ErrPublishRejected = errors.New("state change rejected by mgmt")

// MgmtClient is the part of the management authority a storage server talks to.
type MgmtClient interface {
	DownloadCapacityPools(ctx context.Context, nodeType types.NodeType) (*message.CapacityPoolsResponse, error)
	DownloadTargetStates(ctx context.Context, nodeType types.NodeType, withGroups bool) (*message.TargetStatesResponse, error)
	ChangeTargetStates(ctx context.Context, req *message.ChangeTargetStatesRequest) (*message.ChangeTargetStatesResponse, error)
	ReportFreeSpace(ctx context.Context, report *message.FreeSpaceReport) error
}

type StateChange struct {
	TargetId types.TargetId
	OldState types.CombinedTargetState
	NewState types.CombinedTargetState
}

type decideFunc func() ([]StateChange, error)

/*
StateSyncer keeps the local view of pools, target states and buddy groups in
line with the management authority. Local changes are pushed with the
state the caller saw as precondition; the authority rejects the push if its
own state moved in between, and the push is retried on fresh data.
*/
type StateSyncer struct {
	option  *StorageOption
	client  MgmtClient
	store   *storage.Store
	pools   *topology.CapacityPool
	states  *topology.TargetStateStore
	groups  *topology.MirrorBuddyGroups
	tracker *commtime.Tracker
	now     func() time.Time

	resyncer *resync.BuddyResyncer

	downloadFailures atomic.Int32
}

func NewStateSyncer(option *StorageOption, client MgmtClient, store *storage.Store,
	pools *topology.CapacityPool, states *topology.TargetStateStore, groups *topology.MirrorBuddyGroups,
	tracker *commtime.Tracker) *StateSyncer {
	return &StateSyncer{
		option:  option,
		client:  client,
		store:   store,
		pools:   pools,
		states:  states,
		groups:  groups,
		tracker: tracker,
		now:     time.Now,
	}
}

// SetResyncer enables automatic resync of local primaries.
func (s *StateSyncer) SetResyncer(resyncer *resync.BuddyResyncer) {
	s.resyncer = resyncer
}

// Download replaces the local pools, states and buddy groups with the
// authority's. After OfflineAfterFailures failed downloads in a row every
// known target is considered probably offline.
func (s *StateSyncer) Download(ctx context.Context) error {
	err := s.download(ctx)
	if err != nil {
		stats.StateSyncCounter.WithLabelValues("download", "error").Inc()
		failures := s.downloadFailures.Inc()
		if int(failures) >= s.option.OfflineAfterFailures {
			if int(failures) == s.option.OfflineAfterFailures {
				glog.Warningf("state download failed %d times in a row, treating all targets as probably offline: %v", failures, err)
			}
			s.states.SetAllReachability(types.ReachabilityProbablyOffline)
		}
		return err
	}
	stats.StateSyncCounter.WithLabelValues("download", "ok").Inc()
	s.downloadFailures.Store(0)
	s.refreshBuddyCommTimes()
	return nil
}

func (s *StateSyncer) download(ctx context.Context) error {
	nodeType := s.option.NodeType
	pools, err := s.client.DownloadCapacityPools(ctx, nodeType)
	if err != nil {
		return fmt.Errorf("download %s capacity pools: %w", nodeType, err)
	}
	states, err := s.client.DownloadTargetStates(ctx, nodeType, true)
	if err != nil {
		return fmt.Errorf("download %s target states: %w", nodeType, err)
	}

	if err = s.states.SyncStatesAndGroupsFromLists(s.groups,
		states.TargetIds, states.Reachability, states.Consistency,
		states.BuddyGroupIds, states.Primaries, states.Secondaries); err != nil {
		return fmt.Errorf("apply %s target states: %w", nodeType, err)
	}
	s.pools.SyncPoolsFromLists(pools.Normal, pools.Low, pools.Emergency, pools.TargetToNode)
	glog.V(3).Infof("downloaded %d %s target states, %d normal %d low %d emergency",
		len(states.TargetIds), nodeType, len(pools.Normal), len(pools.Low), len(pools.Emergency))
	return nil
}

// refreshBuddyCommTimes records a good communication for every local target
// whose buddy is online and good. A primary whose buddy fell behind pins its
// last good time, so the next resync starts from there.
func (s *StateSyncer) refreshBuddyCommTimes() {
	now := s.now()
	for _, targetId := range s.store.TargetIds() {
		buddyId, found := s.groups.BuddyOf(targetId)
		if !found {
			continue
		}
		buddyState, found := s.states.GetState(buddyId)
		if !found {
			continue
		}
		if buddyState.IsUsable() {
			s.tracker.Touch(targetId, now)
			continue
		}
		if buddyState.Consistency != types.ConsistencyGood && s.isPrimary(targetId) {
			if err := s.tracker.Pin(targetId); err != nil {
				glog.Errorf("target %d: pin buddy communication time: %v", targetId, err)
			}
		}
	}
}

func (s *StateSyncer) isPrimary(targetId types.TargetId) bool {
	group, found := s.groups.GroupOf(targetId)
	return found && group.IsPrimary(targetId)
}

// DecideResync returns the local targets that the authority sees as good
// but that have to be resynced: their needs-resync flag is set, the
// authority reports them offline, or they are a secondary that did not hear
// from its primary within the safety threshold.
func (s *StateSyncer) DecideResync(remote map[types.TargetId]types.CombinedTargetState, now time.Time) []StateChange {
	var changes []StateChange
	threshold := s.option.Resync.SafetyThreshold
	for _, targetId := range s.store.TargetIds() {
		state, found := remote[targetId]
		if !found || state.Consistency != types.ConsistencyGood {
			continue
		}
		target, _ := s.store.GetTarget(targetId)

		reason := ""
		switch {
		case target != nil && target.NeedsResync():
			reason = "needs-resync flag set"
		case state.Reachability == types.ReachabilityOffline:
			reason = "reported offline"
		case threshold > 0 && s.isSecondary(targetId):
			if last, known := s.tracker.LastBuddyComm(targetId); known && last.Before(now.Add(-threshold)) {
				reason = fmt.Sprintf("no buddy communication since %v", last.Format(time.RFC3339))
			}
		}
		if reason == "" {
			continue
		}

		glog.V(0).Infof("target %d needs a resync: %s", targetId, reason)
		changes = append(changes, StateChange{
			TargetId: targetId,
			OldState: state,
			NewState: types.CombinedTargetState{Reachability: state.Reachability, Consistency: types.ConsistencyNeedsResync},
		})
	}
	return changes
}

func (s *StateSyncer) isSecondary(targetId types.TargetId) bool {
	group, found := s.groups.GroupOf(targetId)
	return found && group.SecondaryTargetId == targetId
}

// Publish pushes the changes and applies them locally only if the
// authority accepted all of them.
func (s *StateSyncer) Publish(ctx context.Context, changes []StateChange) error {
	req := &message.ChangeTargetStatesRequest{NodeType: s.option.NodeType}
	for _, change := range changes {
		req.TargetIds = append(req.TargetIds, change.TargetId)
		req.OldStates = append(req.OldStates, change.OldState)
		req.NewStates = append(req.NewStates, change.NewState)
	}

	resp, err := s.client.ChangeTargetStates(ctx, req)
	if err != nil {
		stats.StateSyncCounter.WithLabelValues("publish", "error").Inc()
		return fmt.Errorf("publish %d state changes: %w", len(changes), err)
	}
	if resp.Result != message.ResultSuccess {
		stats.StateSyncCounter.WithLabelValues("publish", "rejected").Inc()
		return fmt.Errorf("%w: %s", ErrPublishRejected, resp.Error)
	}
	stats.StateSyncCounter.WithLabelValues("publish", "ok").Inc()

	for _, change := range changes {
		s.states.SetState(change.TargetId, change.NewState)
	}
	return nil
}

// PublishWithRetry publishes what decide returns, downloading fresh states
// and deciding again before every retry. When all attempts failed, the
// targets of the last attempt are marked probably offline locally.
func (s *StateSyncer) PublishWithRetry(ctx context.Context, name string, decide decideFunc) ([]StateChange, error) {
	var changes []StateChange
	attempt := 0
	err := util.Retry(ctx, name, s.option.PublishRetries, s.option.PublishRetryInterval, func() error {
		attempt++
		if attempt > 1 {
			if err := s.Download(ctx); err != nil {
				return err
			}
		}
		var err error
		if changes, err = decide(); err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		return s.Publish(ctx, changes)
	})
	if err != nil {
		if len(changes) > 0 {
			targetIds := make([]types.TargetId, 0, len(changes))
			for _, change := range changes {
				targetIds = append(targetIds, change.TargetId)
			}
			glog.Errorf("%s: giving up after %d attempts, targets %v are probably offline: %v", name, attempt, targetIds, err)
			s.states.SetReachability(targetIds, types.ReachabilityProbablyOffline)
		}
		return nil, err
	}
	return changes, nil
}

// PublishBuddyState sets the consistency of a buddy target at the authority.
func (s *StateSyncer) PublishBuddyState(ctx context.Context, buddyTargetId types.TargetId, consistency types.ConsistencyState) error {
	_, err := s.PublishWithRetry(ctx, fmt.Sprintf("publish target %d %v", buddyTargetId, consistency), func() ([]StateChange, error) {
		current, found := s.states.GetState(buddyTargetId)
		if !found {
			return nil, fmt.Errorf("target %d has no known state", buddyTargetId)
		}
		if current.Consistency == consistency {
			return nil, nil
		}
		return []StateChange{{
			TargetId: buddyTargetId,
			OldState: current,
			NewState: types.CombinedTargetState{Reachability: current.Reachability, Consistency: consistency},
		}}, nil
	})
	return err
}

// ReportFreeSpace sends disk usage of all local targets with their
// consistency as the authority last told us.
func (s *StateSyncer) ReportFreeSpace(ctx context.Context) error {
	report := s.store.CollectFreeSpace(func(targetId types.TargetId) types.ConsistencyState {
		if state, found := s.states.GetState(targetId); found {
			return state.Consistency
		}
		return types.ConsistencyGood
	})
	if err := s.client.ReportFreeSpace(ctx, report); err != nil {
		stats.StateSyncCounter.WithLabelValues("space", "error").Inc()
		return fmt.Errorf("report free space of %d targets: %w", len(report.Targets), err)
	}
	stats.StateSyncCounter.WithLabelValues("space", "ok").Inc()
	return nil
}

// CheckBuddyNeedsResync starts a resync for every local primary whose
// online secondary needs one. A secondary that the primary remembers as
// stale while the authority says good is first moved to needs-resync. Bad
// secondaries are left alone, only StartResync brings them back.
func (s *StateSyncer) CheckBuddyNeedsResync(ctx context.Context) {
	for _, targetId := range s.store.TargetIds() {
		group, found := s.groups.GroupOf(targetId)
		if !found || !group.IsPrimary(targetId) {
			continue
		}
		target, _ := s.store.GetTarget(targetId)
		buddyId := group.SecondaryTargetId
		buddyState, found := s.states.GetState(buddyId)
		if target == nil || !found {
			continue
		}

		switch buddyState.Consistency {
		case types.ConsistencyGood:
			if target.BuddyNeedsResync() {
				if err := s.PublishBuddyState(ctx, buddyId, types.ConsistencyNeedsResync); err != nil {
					glog.Errorf("target %d: mark buddy %d as needs-resync: %v", targetId, buddyId, err)
				}
			}
		case types.ConsistencyNeedsResync:
			if buddyState.Reachability != types.ReachabilityOnline || s.resyncer == nil {
				continue
			}
			if err := target.SetBuddyNeedsResync(true); err != nil {
				glog.Errorf("target %d: %v", targetId, err)
				continue
			}
			if _, err := s.resyncer.StartResync(targetId); err != nil && !errors.Is(err, resync.ErrResyncInProgress) {
				glog.Errorf("target %d: start resync to buddy %d: %v", targetId, buddyId, err)
			}
		}
	}
}

// StartResync is the administrative resync of a local primary. A bad
// secondary is published as needs-resync before the job starts.
func (s *StateSyncer) StartResync(ctx context.Context, targetId types.TargetId) (*resync.BuddyResyncJob, error) {
	if s.resyncer == nil {
		return nil, fmt.Errorf("target %d: resync is not enabled", targetId)
	}
	if job, found := s.resyncer.GetJob(targetId); found && job.IsActive() {
		return job, resync.ErrResyncInProgress
	}
	target, found := s.store.GetTarget(targetId)
	if !found {
		return nil, fmt.Errorf("target %d is not local", targetId)
	}
	group, found := s.groups.GroupOf(targetId)
	if !found || !group.IsPrimary(targetId) {
		return nil, fmt.Errorf("target %d is not the primary of a buddy group", targetId)
	}
	buddyId := group.SecondaryTargetId
	if buddyState, found := s.states.GetState(buddyId); found && buddyState.Consistency == types.ConsistencyBad {
		if err := s.PublishBuddyState(ctx, buddyId, types.ConsistencyNeedsResync); err != nil {
			return nil, fmt.Errorf("target %d: mark bad buddy %d as needs-resync: %w", targetId, buddyId, err)
		}
	}
	if err := target.SetBuddyNeedsResync(true); err != nil {
		return nil, fmt.Errorf("target %d: %w", targetId, err)
	}
	return s.resyncer.StartResync(targetId)
}

// SyncOnce runs one round of the state synchronization.
func (s *StateSyncer) SyncOnce(ctx context.Context) error {
	if err := s.Download(ctx); err != nil {
		return err
	}

	changes, err := s.PublishWithRetry(ctx, "decide resync", func() ([]StateChange, error) {
		return s.DecideResync(s.states.Snapshot(), s.now()), nil
	})
	if err != nil {
		glog.Errorf("publish needs-resync states: %v", err)
	}
	for _, change := range changes {
		if target, found := s.store.GetTarget(change.TargetId); found {
			if err := target.SetNeedsResync(true); err != nil {
				glog.Errorf("target %d: %v", change.TargetId, err)
			}
		}
	}

	if err := s.ReportFreeSpace(ctx); err != nil {
		glog.V(0).Infof("%v", err)
	}

	s.CheckBuddyNeedsResync(ctx)
	return nil
}

func (s *StateSyncer) Run(ctx context.Context) error {
	glog.V(0).Infof("syncing %s target states with mgmt %s every %v", s.option.NodeType, s.option.MgmtAddress, s.option.SyncInterval)
	ticker := time.NewTicker(s.option.SyncInterval)
	defer ticker.Stop()
	for {
		if err := s.SyncOnce(ctx); err != nil {
			glog.V(0).Infof("state sync: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
