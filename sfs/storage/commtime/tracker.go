package commtime

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/stripefs/stripefs/sfs/storage/types"
)

/*
Tracker remembers the last good buddy communication of each local target in
memory. Once a target is known to have missed updates, the time is pinned
as a persisted override: later communication must not move the resync
cutoff until a resync succeeded and cleared the override.
*/
type Tracker struct {
	store Store

	sync.RWMutex
	lastComm map[types.TargetId]time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:    store,
		lastComm: make(map[types.TargetId]time.Time),
	}
}

// Touch records a good buddy communication at now.
func (t *Tracker) Touch(targetId types.TargetId, now time.Time) {
	t.Lock()
	defer t.Unlock()
	if now.After(t.lastComm[targetId]) {
		t.lastComm[targetId] = now
	}
}

// LastBuddyComm returns the override if one is persisted, the last
// communication seen in memory otherwise.
func (t *Tracker) LastBuddyComm(targetId types.TargetId) (time.Time, bool) {
	override, found, err := t.store.Get(targetId)
	if err != nil {
		glog.Warningf("commtime %s: %v", t.store.GetName(), err)
	}
	if found {
		return override, true
	}
	t.RLock()
	defer t.RUnlock()
	last, found := t.lastComm[targetId]
	return last, found
}

// Pin persists the current last communication time as override unless one
// exists already.
func (t *Tracker) Pin(targetId types.TargetId) error {
	_, found, err := t.store.Get(targetId)
	if err != nil || found {
		return err
	}
	t.RLock()
	last, known := t.lastComm[targetId]
	t.RUnlock()
	if !known {
		// nothing to pin, the resync will send everything
		return nil
	}
	glog.V(1).Infof("target %d: pinning last buddy communication at %v", targetId, last)
	return t.store.Set(targetId, last)
}

func (t *Tracker) SetOverride(targetId types.TargetId, at time.Time) error {
	return t.store.Set(targetId, at)
}

func (t *Tracker) ClearOverride(targetId types.TargetId) error {
	return t.store.Clear(targetId)
}

func (t *Tracker) HasOverride(targetId types.TargetId) bool {
	_, found, _ := t.store.Get(targetId)
	return found
}
