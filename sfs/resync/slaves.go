package resync

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/stats"
)

// slave is what the job needs to stop a slave and to tell whether it still runs.
type slave struct {
	id        int
	terminate atomic.Bool
	running   atomic.Bool
	errors    atomic.Uint64
}

// setTerminate makes the slave return before it takes the next item, even if
// items are still queued.
func (s *slave) setTerminate() {
	s.terminate.Store(true)
}

func (s *slave) IsRunning() bool {
	return s.running.Load()
}

// gatherSlave recursively enumerates the directories handed over by the walk.
type gatherSlave struct {
	slave
	job *BuddyResyncJob

	discoveredFiles atomic.Uint64
	discoveredDirs  atomic.Uint64
	matchedFiles    atomic.Uint64
	matchedDirs     atomic.Uint64
}

func (s *gatherSlave) run(ctx context.Context, queue <-chan string, store *candidateStore) {
	defer s.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case relativePath, ok := <-queue:
			if !ok || s.terminate.Load() {
				return
			}
			s.gather(ctx, relativePath, store)
		}
	}
}

func (s *gatherSlave) gather(ctx context.Context, relativePath string, store *candidateStore) {
	root := filepath.Join(s.job.mirrorDir, filepath.FromSlash(relativePath))
	cutoff := s.job.cutoff

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if s.terminate.Load() || ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			s.errors.Inc()
			glog.Errorf("resync %s gather %s: %v", s.job.name(), path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.errors.Inc()
				glog.Errorf("resync %s stat %s: %v", s.job.name(), path, err)
			}
			return nil
		}

		kind := FileCandidate
		if d.IsDir() {
			kind = DirCandidate
			s.discoveredDirs.Inc()
		} else {
			s.discoveredFiles.Inc()
		}
		if !isChanged(info.ModTime(), cutoff) {
			return nil
		}
		if kind == DirCandidate {
			s.matchedDirs.Inc()
		} else {
			s.matchedFiles.Inc()
		}
		if !store.add(ctx, s.job.candidate(kind, path)) {
			return filepath.SkipAll
		}
		return nil
	})
}

// syncSlave sends candidates of one kind to the buddy.
type syncSlave struct {
	slave
	kind CandidateKind
	job  *BuddyResyncJob

	synced   atomic.Uint64
	vanished atomic.Uint64
	bytes    atomic.Uint64
}

func (s *syncSlave) run(ctx context.Context, queue <-chan SyncCandidate) {
	defer s.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case candidate, ok := <-queue:
			if !ok || s.terminate.Load() {
				return
			}
			s.sync(ctx, candidate)
		}
	}
}

func (s *syncSlave) sync(ctx context.Context, candidate SyncCandidate) {
	var err error
	if candidate.Kind == DirCandidate {
		err = s.syncDir(ctx, candidate)
	} else {
		err = s.syncFile(ctx, candidate)
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		// deleted after it was found, the parent dir sync removes it on the buddy
		s.vanished.Inc()
		stats.ResyncEntryCounter.WithLabelValues(candidate.Kind.String(), "vanished").Inc()
	case err != nil:
		s.errors.Inc()
		stats.ResyncEntryCounter.WithLabelValues(candidate.Kind.String(), "error").Inc()
		glog.Errorf("resync %s: sync %v: %v", s.job.name(), candidate, err)
	default:
		s.synced.Inc()
		stats.ResyncEntryCounter.WithLabelValues(candidate.Kind.String(), "synced").Inc()
	}
}

func (s *syncSlave) syncFile(ctx context.Context, candidate SyncCandidate) error {
	f, err := os.Open(filepath.Join(s.job.mirrorDir, filepath.FromSlash(candidate.RelativePath)))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err = s.job.Transfer.SyncFile(ctx, s.job.buddyTargetId, candidate.RelativePath, info.ModTime(), info.Mode(), f); err != nil {
		return err
	}
	s.bytes.Add(uint64(info.Size()))
	return nil
}

func (s *syncSlave) syncDir(ctx context.Context, candidate SyncCandidate) error {
	full := filepath.Join(s.job.mirrorDir, filepath.FromSlash(candidate.RelativePath))
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return err
	}
	entries := make([]message.DirEntry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		entries = append(entries, message.DirEntry{Name: entry.Name(), IsDir: entry.IsDir()})
	}
	return s.job.Transfer.SyncDir(ctx, s.job.buddyTargetId, candidate.RelativePath, info.ModTime(), entries)
}
