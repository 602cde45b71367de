package storage

import (
	"fmt"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/storage/types"
)

// Store holds the local targets of one server.
type Store struct {
	NodeId   types.NodeId
	NodeType types.NodeType

	mutex   sync.RWMutex
	targets map[types.TargetId]*Target
}

func NewStore(nodeType types.NodeType, nodeId types.NodeId) *Store {
	return &Store{
		NodeId:   nodeId,
		NodeType: nodeType,
		targets:  make(map[types.TargetId]*Target),
	}
}

func (s *Store) AddTarget(targetId types.TargetId, dir string) (*Target, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, found := s.targets[targetId]; found {
		return nil, fmt.Errorf("target %d is already added", targetId)
	}
	t, err := NewTarget(targetId, dir)
	if err != nil {
		return nil, err
	}
	s.targets[targetId] = t
	glog.V(0).Infof("store on node %d: added %v", s.NodeId, t)
	return t, nil
}

func (s *Store) GetTarget(targetId types.TargetId) (*Target, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	t, found := s.targets[targetId]
	return t, found
}

func (s *Store) HasTarget(targetId types.TargetId) bool {
	_, found := s.GetTarget(targetId)
	return found
}

// TargetIds lists the local targets in ascending order.
func (s *Store) TargetIds() []types.TargetId {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ret := make([]types.TargetId, 0, len(s.targets))
	for targetId := range s.targets {
		ret = append(ret, targetId)
	}
	slices.Sort(ret)
	return ret
}

// CollectFreeSpace stats every local target. consistencyOf supplies the
// consistency state the server currently knows for a target. Targets that
// cannot be stat'ed are left out of the report.
func (s *Store) CollectFreeSpace(consistencyOf func(types.TargetId) types.ConsistencyState) *message.FreeSpaceReport {
	report := &message.FreeSpaceReport{NodeType: s.NodeType}
	for _, targetId := range s.TargetIds() {
		t, found := s.GetTarget(targetId)
		if !found {
			continue
		}
		status, err := DiskStat(t.Path)
		if err != nil {
			glog.Warningf("stat %v: %v", t, err)
			continue
		}
		glog.V(4).Infof("%v: %s of %s free", t, humanize.IBytes(status.FreeBytes), humanize.IBytes(status.TotalBytes))
		report.Targets = append(report.Targets, message.TargetFreeSpace{
			TargetId:         targetId,
			NodeId:           s.NodeId,
			TotalBytes:       status.TotalBytes,
			FreeBytes:        status.FreeBytes,
			TotalInodes:      status.TotalInodes,
			FreeInodes:       status.FreeInodes,
			ConsistencyState: consistencyOf(targetId),
		})
	}
	return report
}
