package resync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/storage/types"
)

var (
	ErrResyncInProgress = errors.New("buddy resync already running")
	ErrJobFinished      = errors.New("buddy resync job already ran")
	errAborted          = errors.New("buddy resync aborted")
)

// directories this deep below the mirror dir are handed to gather slaves,
// everything above is walked by the job itself
const syncWalkDepth = 2

type JobStatus int

const (
	JobNotStarted JobStatus = iota
	JobRunning
	JobSuccess
	JobErrors
	JobInterrupted
	JobFailure
)

func (s JobStatus) String() string {
	switch s {
	case JobNotStarted:
		return "NotStarted"
	case JobRunning:
		return "Running"
	case JobSuccess:
		return "Success"
	case JobErrors:
		return "Errors"
	case JobInterrupted:
		return "Interrupted"
	case JobFailure:
		return "Failure"
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BuddyCommunicator tells the buddy that a resync towards it begins.
type BuddyCommunicator interface {
	ResyncStarted(ctx context.Context, buddyTargetId types.TargetId) error
}

// BuddyTransfer sends mirror content to the buddy target.
type BuddyTransfer interface {
	SyncFile(ctx context.Context, buddyTargetId types.TargetId, relativePath string, modTime time.Time, mode fs.FileMode, content io.Reader) error
	SyncDir(ctx context.Context, buddyTargetId types.TargetId, relativePath string, modTime time.Time, entries []message.DirEntry) error
}

// Quiescer waits until requests that were in flight have been processed.
type Quiescer interface {
	Barrier(ctx context.Context) error
}

// StatePublisher reports the consistency of the buddy target after the resync.
type StatePublisher interface {
	PublishBuddyState(ctx context.Context, buddyTargetId types.TargetId, consistency types.ConsistencyState) error
}

type CommTime interface {
	LastBuddyComm(targetId types.TargetId) (time.Time, bool)
	ClearOverride(targetId types.TargetId) error
}

type Target interface {
	MirrorDir() string
	SetBuddyNeedsResync(needsResync bool) error
}

// JobDependencies are the collaborators of a job.
type JobDependencies struct {
	Communicator BuddyCommunicator
	Transfer     BuddyTransfer
	Quiescer     Quiescer
	Publisher    StatePublisher
	CommTime     CommTime
}

type JobStats struct {
	RunId         string         `json:"runId,omitempty"`
	TargetId      types.TargetId `json:"targetId"`
	BuddyTargetId types.TargetId `json:"buddyTargetId"`
	Status        JobStatus      `json:"status"`
	StartTime     time.Time      `json:"startTime,omitempty"`
	EndTime       time.Time      `json:"endTime,omitempty"`
	Cutoff        time.Time      `json:"cutoff,omitempty"`

	DiscoveredFiles uint64 `json:"discoveredFiles"`
	DiscoveredDirs  uint64 `json:"discoveredDirs"`
	MatchedFiles    uint64 `json:"matchedFiles"`
	MatchedDirs     uint64 `json:"matchedDirs"`
	SyncedFiles     uint64 `json:"syncedFiles"`
	SyncedDirs      uint64 `json:"syncedDirs"`
	VanishedEntries uint64 `json:"vanishedEntries"`
	SyncedBytes     uint64 `json:"syncedBytes"`
	WalkErrors      uint64 `json:"walkErrors"`
	GatherErrors    uint64 `json:"gatherErrors"`
	FileErrors      uint64 `json:"fileErrors"`
	DirErrors       uint64 `json:"dirErrors"`
}

func (s JobStats) Matched() uint64 {
	return s.MatchedFiles + s.MatchedDirs
}

func (s JobStats) Errors() uint64 {
	return s.WalkErrors + s.GatherErrors + s.FileErrors + s.DirErrors
}

/*
BuddyResyncJob sends everything that changed below the mirror dir of a
local primary target since the last good communication with its buddy.

The job walks the top levels itself and hands deeper directories to gather
slaves. Found entries go through a bounded candidate store to the file and
dir sync slaves. A job runs once; a later resync of the same target uses a
new job.
*/
type BuddyResyncJob struct {
	targetId      types.TargetId
	buddyTargetId types.TargetId
	target        Target
	mirrorDir     string
	options       *Options
	JobDependencies

	shallAbort atomic.Bool

	sync.Mutex
	// set before the slaves start, read-only afterwards
	cutoff       time.Time
	status       JobStatus
	runId        string
	startTime    time.Time
	endTime      time.Time
	cancel       context.CancelFunc
	gatherSlaves []*gatherSlave
	fileSlaves   []*syncSlave
	dirSlaves    []*syncSlave

	discoveredFiles atomic.Uint64
	discoveredDirs  atomic.Uint64
	matchedFiles    atomic.Uint64
	matchedDirs     atomic.Uint64
	walkErrors      atomic.Uint64

	done chan struct{}
}

func NewBuddyResyncJob(targetId, buddyTargetId types.TargetId, target Target, options *Options, deps JobDependencies) *BuddyResyncJob {
	return &BuddyResyncJob{
		targetId:        targetId,
		buddyTargetId:   buddyTargetId,
		target:          target,
		mirrorDir:       target.MirrorDir(),
		options:         options,
		JobDependencies: deps,
		done:            make(chan struct{}),
	}
}

func (j *BuddyResyncJob) name() string {
	return fmt.Sprintf("%d->%d", j.targetId, j.buddyTargetId)
}

func (j *BuddyResyncJob) TargetId() types.TargetId {
	return j.targetId
}

func (j *BuddyResyncJob) BuddyTargetId() types.TargetId {
	return j.buddyTargetId
}

func (j *BuddyResyncJob) Status() JobStatus {
	j.Lock()
	defer j.Unlock()
	return j.status
}

// IsActive is true until the job reached its final status.
func (j *BuddyResyncJob) IsActive() bool {
	status := j.Status()
	return status == JobNotStarted || status == JobRunning
}

// Done is closed once Run returned.
func (j *BuddyResyncJob) Done() <-chan struct{} {
	return j.done
}

// Abort asks a running job to stop as soon as possible. Slaves finish the
// item they are working on, queued work is dropped.
func (j *BuddyResyncJob) Abort() {
	j.shallAbort.Store(true)

	j.Lock()
	defer j.Unlock()
	for _, s := range j.gatherSlaves {
		s.setTerminate()
	}
	for _, s := range j.fileSlaves {
		s.setTerminate()
	}
	for _, s := range j.dirSlaves {
		s.setTerminate()
	}
	if j.cancel != nil {
		j.cancel()
	}
	glog.V(0).Infof("resync %s: abort requested", j.name())
}

func (j *BuddyResyncJob) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	j.Lock()
	defer j.Unlock()
	switch j.status {
	case JobRunning:
		return nil, nil, ErrResyncInProgress
	case JobNotStarted:
	default:
		return nil, nil, ErrJobFinished
	}
	j.status = JobRunning
	j.runId = uuid.New().String()
	j.startTime = time.Now()
	ctx, j.cancel = context.WithCancel(ctx)
	if j.shallAbort.Load() {
		j.cancel()
	}
	return ctx, j.cancel, nil
}

// Run executes the job and returns its final status. Starting a job that is
// running or already ran returns an error and leaves the job untouched.
func (j *BuddyResyncJob) Run(ctx context.Context) (JobStatus, error) {
	ctx, cancel, err := j.begin(ctx)
	if err != nil {
		glog.Warningf("resync %s: not started: %v", j.name(), err)
		return j.Status(), err
	}
	defer close(j.done)
	defer cancel()

	targetLabel := j.targetId.String()
	stats.ResyncRunningGauge.WithLabelValues(targetLabel).Set(1)
	defer stats.ResyncRunningGauge.WithLabelValues(targetLabel).Set(0)

	glog.V(0).Infof("resync %s: started run %s", j.name(), j.runId)

	if err := j.Communicator.ResyncStarted(ctx, j.buddyTargetId); err != nil {
		glog.Errorf("resync %s: buddy did not acknowledge: %v", j.name(), err)
		return j.finish(JobFailure), nil
	}

	status := j.resync(ctx)

	if status == JobSuccess {
		if err := j.CommTime.ClearOverride(j.targetId); err != nil {
			glog.Errorf("resync %s: clear last buddy communication: %v", j.name(), err)
		}
		if err := j.target.SetBuddyNeedsResync(false); err != nil {
			glog.Errorf("resync %s: %v", j.name(), err)
		}
	}

	j.reportBuddyState(ctx, status)
	return j.finish(status), nil
}

// resync runs the walk and the slave pipeline, it returns the outcome.
func (j *BuddyResyncJob) resync(ctx context.Context) JobStatus {
	if err := j.Quiescer.Barrier(ctx); err != nil {
		glog.Errorf("resync %s: wait for in-flight requests: %v", j.name(), err)
		if j.shallAbort.Load() {
			return JobInterrupted
		}
		return JobErrors
	}

	lastComm, found := j.CommTime.LastBuddyComm(j.targetId)
	j.Lock()
	j.cutoff = computeCutoff(lastComm, found, j.options.SafetyThreshold)
	j.Unlock()
	if j.cutoff.IsZero() {
		glog.V(0).Infof("resync %s: no usable last buddy communication, syncing everything", j.name())
	} else {
		glog.V(0).Infof("resync %s: syncing changes since %v", j.name(), j.cutoff)
	}

	store := newCandidateStore(j.options.QueueLength)
	gatherQueue := make(chan string, j.options.QueueLength)
	var gatherWg, syncWg sync.WaitGroup
	j.startSlaves(ctx, gatherQueue, store, &gatherWg, &syncWg)

	walkErr := j.walk(ctx, ".", 0, store, gatherQueue)

	// gather slaves still add to the store, they have to be gone before the
	// sync slaves are told that nothing more comes
	close(gatherQueue)
	gatherWg.Wait()
	store.close()
	syncWg.Wait()

	s := j.Stats()
	glog.V(0).Infof("resync %s: %d of %d files and %d of %d dirs changed, %s sent, %d errors",
		j.name(), s.MatchedFiles, s.DiscoveredFiles, s.MatchedDirs, s.DiscoveredDirs,
		humanize.IBytes(s.SyncedBytes), s.Errors())

	switch {
	case j.shallAbort.Load():
		return JobInterrupted
	case walkErr != nil || s.Errors() > 0:
		return JobErrors
	}
	return JobSuccess
}

func (j *BuddyResyncJob) startSlaves(ctx context.Context, gatherQueue <-chan string, store *candidateStore, gatherWg, syncWg *sync.WaitGroup) {
	j.Lock()
	defer j.Unlock()

	for i := 0; i < j.options.GatherSlaves; i++ {
		s := &gatherSlave{slave: slave{id: i}, job: j}
		j.gatherSlaves = append(j.gatherSlaves, s)
	}
	for i := 0; i < j.options.FileSyncSlaves; i++ {
		s := &syncSlave{slave: slave{id: i}, kind: FileCandidate, job: j}
		j.fileSlaves = append(j.fileSlaves, s)
	}
	for i := 0; i < j.options.DirSyncSlaves; i++ {
		s := &syncSlave{slave: slave{id: i}, kind: DirCandidate, job: j}
		j.dirSlaves = append(j.dirSlaves, s)
	}

	aborted := j.shallAbort.Load()
	for _, s := range j.gatherSlaves {
		if aborted {
			s.setTerminate()
		}
		s.running.Store(true)
		gatherWg.Add(1)
		go func(s *gatherSlave) {
			defer gatherWg.Done()
			s.run(ctx, gatherQueue, store)
		}(s)
	}
	for _, s := range slices.Concat(j.fileSlaves, j.dirSlaves) {
		if aborted {
			s.setTerminate()
		}
		queue := store.files
		if s.kind == DirCandidate {
			queue = store.dirs
		}
		s.running.Store(true)
		syncWg.Add(1)
		go func(s *syncSlave, queue <-chan SyncCandidate) {
			defer syncWg.Done()
			s.run(ctx, queue)
		}(s, queue)
	}
}

// walk lists the directories above syncWalkDepth. Directories at that depth
// go to the gather slaves.
func (j *BuddyResyncJob) walk(ctx context.Context, relativePath string, depth int, store *candidateStore, gatherQueue chan<- string) error {
	if j.shallAbort.Load() {
		return errAborted
	}
	entries, err := os.ReadDir(filepath.Join(j.mirrorDir, filepath.FromSlash(relativePath)))
	if err != nil {
		j.walkErrors.Inc()
		glog.Errorf("resync %s: list %s: %v", j.name(), relativePath, err)
		return err
	}

	var walkErr error
	for _, entry := range entries {
		if j.shallAbort.Load() {
			return errAborted
		}
		if !entry.IsDir() && !entry.Type().IsRegular() {
			continue
		}
		childPath := path.Join(relativePath, entry.Name())
		childDepth := depth + 1

		if entry.IsDir() && childDepth >= syncWalkDepth {
			select {
			case gatherQueue <- childPath:
			case <-ctx.Done():
				return errAborted
			}
			continue
		}

		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			j.walkErrors.Inc()
			glog.Errorf("resync %s: stat %s: %v", j.name(), childPath, err)
			walkErr = err
			continue
		}

		kind := FileCandidate
		if entry.IsDir() {
			kind = DirCandidate
			j.discoveredDirs.Inc()
		} else {
			j.discoveredFiles.Inc()
		}
		if isChanged(info.ModTime(), j.cutoff) {
			if kind == DirCandidate {
				j.matchedDirs.Inc()
			} else {
				j.matchedFiles.Inc()
			}
			if !store.add(ctx, SyncCandidate{Kind: kind, RelativePath: childPath, TargetId: j.targetId}) {
				return errAborted
			}
		}

		if entry.IsDir() {
			if err := j.walk(ctx, childPath, childDepth, store, gatherQueue); err != nil {
				if errors.Is(err, errAborted) {
					return err
				}
				walkErr = err
			}
		}
	}
	return walkErr
}

func (j *BuddyResyncJob) candidate(kind CandidateKind, fullPath string) SyncCandidate {
	relativePath, err := filepath.Rel(j.mirrorDir, fullPath)
	if err != nil {
		relativePath = fullPath
	}
	return SyncCandidate{Kind: kind, RelativePath: filepath.ToSlash(relativePath), TargetId: j.targetId}
}

func (j *BuddyResyncJob) reportBuddyState(ctx context.Context, status JobStatus) {
	consistency := types.ConsistencyBad
	if status == JobSuccess {
		consistency = types.ConsistencyGood
	}
	// an aborted job still has to report, ctx may be cancelled by then
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.options.ReportTimeout)
	defer cancel()
	if err := j.Publisher.PublishBuddyState(reportCtx, j.buddyTargetId, consistency); err != nil {
		glog.Errorf("resync %s: report buddy as %v: %v", j.name(), consistency, err)
		return
	}
	glog.V(0).Infof("resync %s: reported buddy as %v", j.name(), consistency)
}

func (j *BuddyResyncJob) finish(status JobStatus) JobStatus {
	j.Lock()
	j.status = status
	j.endTime = time.Now()
	elapsed := j.endTime.Sub(j.startTime)
	j.Unlock()

	stats.ResyncJobCounter.WithLabelValues(status.String()).Inc()
	stats.ResyncJobHistogram.Observe(elapsed.Seconds())
	glog.V(0).Infof("resync %s: run %s finished as %v after %v", j.name(), j.runId, status, elapsed.Truncate(time.Millisecond))
	return status
}

// Stats sums the counters of the walk and of every slave.
func (j *BuddyResyncJob) Stats() JobStats {
	j.Lock()
	defer j.Unlock()

	s := JobStats{
		RunId:           j.runId,
		TargetId:        j.targetId,
		BuddyTargetId:   j.buddyTargetId,
		Status:          j.status,
		StartTime:       j.startTime,
		EndTime:         j.endTime,
		DiscoveredFiles: j.discoveredFiles.Load(),
		DiscoveredDirs:  j.discoveredDirs.Load(),
		MatchedFiles:    j.matchedFiles.Load(),
		MatchedDirs:     j.matchedDirs.Load(),
		WalkErrors:      j.walkErrors.Load(),
	}
	if j.status != JobNotStarted {
		s.Cutoff = j.cutoff
	}
	for _, g := range j.gatherSlaves {
		s.DiscoveredFiles += g.discoveredFiles.Load()
		s.DiscoveredDirs += g.discoveredDirs.Load()
		s.MatchedFiles += g.matchedFiles.Load()
		s.MatchedDirs += g.matchedDirs.Load()
		s.GatherErrors += g.errors.Load()
	}
	for _, f := range j.fileSlaves {
		s.SyncedFiles += f.synced.Load()
		s.VanishedEntries += f.vanished.Load()
		s.SyncedBytes += f.bytes.Load()
		s.FileErrors += f.errors.Load()
	}
	for _, d := range j.dirSlaves {
		s.SyncedDirs += d.synced.Load()
		s.VanishedEntries += d.vanished.Load()
		s.DirErrors += d.errors.Load()
	}
	return s
}

// RunningSlaves counts slaves that have not returned yet.
func (j *BuddyResyncJob) RunningSlaves() int {
	j.Lock()
	defer j.Unlock()
	count := 0
	for _, s := range j.gatherSlaves {
		if s.IsRunning() {
			count++
		}
	}
	for _, s := range slices.Concat(j.fileSlaves, j.dirSlaves) {
		if s.IsRunning() {
			count++
		}
	}
	return count
}

func isChanged(modTime, cutoff time.Time) bool {
	return cutoff.IsZero() || modTime.After(cutoff)
}

// computeCutoff returns the time after which changes have to be sent. The
// zero time means everything. The threshold is only subtracted if it is set,
// and a subtraction that would go below the epoch gives the zero time.
func computeCutoff(lastComm time.Time, found bool, threshold time.Duration) time.Time {
	if !found || lastComm.IsZero() {
		return time.Time{}
	}
	if threshold <= 0 {
		return lastComm
	}
	cutoff := lastComm.Add(-threshold)
	if cutoff.Unix() <= 0 {
		return time.Time{}
	}
	return cutoff
}
