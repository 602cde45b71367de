package resync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/stripefs/stripefs/sfs/storage/types"
)

var ErrNoJob = errors.New("no buddy resync job")

// JobFactory builds the job that resyncs a local primary target to its buddy.
type JobFactory func(targetId types.TargetId) (*BuddyResyncJob, error)

// BuddyResyncer keeps the last job of every target. At most one job per
// target is active at a time.
type BuddyResyncer struct {
	ctx     context.Context
	factory JobFactory

	sync.Mutex
	jobs map[types.TargetId]*BuddyResyncJob
	wg   sync.WaitGroup
}

func NewBuddyResyncer(ctx context.Context, factory JobFactory) *BuddyResyncer {
	return &BuddyResyncer{
		ctx:     ctx,
		factory: factory,
		jobs:    make(map[types.TargetId]*BuddyResyncJob),
	}
}

// StartResync starts a job in the background. While the previous job of the
// target is active, ErrResyncInProgress is returned and that job is left alone.
func (r *BuddyResyncer) StartResync(targetId types.TargetId) (*BuddyResyncJob, error) {
	r.Lock()
	defer r.Unlock()

	if job, found := r.jobs[targetId]; found && job.IsActive() {
		glog.V(1).Infof("resync of target %d already running", targetId)
		return job, ErrResyncInProgress
	}

	job, err := r.factory(targetId)
	if err != nil {
		return nil, fmt.Errorf("create resync job for target %d: %w", targetId, err)
	}
	r.jobs[targetId] = job

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		job.Run(r.ctx)
	}()
	return job, nil
}

func (r *BuddyResyncer) AbortResync(targetId types.TargetId) error {
	r.Lock()
	job, found := r.jobs[targetId]
	r.Unlock()
	if !found || !job.IsActive() {
		return fmt.Errorf("%w running for target %d", ErrNoJob, targetId)
	}
	job.Abort()
	return nil
}

func (r *BuddyResyncer) GetJob(targetId types.TargetId) (*BuddyResyncJob, bool) {
	r.Lock()
	defer r.Unlock()
	job, found := r.jobs[targetId]
	return job, found
}

func (r *BuddyResyncer) GetStats(targetId types.TargetId) (JobStats, error) {
	job, found := r.GetJob(targetId)
	if !found {
		return JobStats{}, fmt.Errorf("%w for target %d", ErrNoJob, targetId)
	}
	return job.Stats(), nil
}

// IsResyncing tells whether a job of targetId is active.
func (r *BuddyResyncer) IsResyncing(targetId types.TargetId) bool {
	job, found := r.GetJob(targetId)
	return found && job.IsActive()
}

// Shutdown aborts all active jobs and waits for them to return.
func (r *BuddyResyncer) Shutdown() {
	r.Lock()
	for _, job := range r.jobs {
		if job.IsActive() {
			job.Abort()
		}
	}
	r.Unlock()
	r.wg.Wait()
}
