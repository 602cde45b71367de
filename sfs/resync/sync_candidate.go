package resync

import (
	"context"
	"fmt"
	"sync"

	"github.com/stripefs/stripefs/sfs/storage/types"
)

type CandidateKind int

const (
	FileCandidate CandidateKind = iota
	DirCandidate
)

func (k CandidateKind) String() string {
	if k == DirCandidate {
		return "dir"
	}
	return "file"
}

// SyncCandidate is an entry below the mirror dir that changed after the
// cutoff and has to be sent to the buddy.
type SyncCandidate struct {
	Kind         CandidateKind
	RelativePath string
	TargetId     types.TargetId
}

func (c SyncCandidate) String() string {
	return fmt.Sprintf("%s %s of target %d", c.Kind, c.RelativePath, c.TargetId)
}

// candidateStore is the bounded hand-off between the producers, the walk and
// the gather slaves, and the file and dir sync slaves.
type candidateStore struct {
	files chan SyncCandidate
	dirs  chan SyncCandidate

	closeOnce sync.Once
}

func newCandidateStore(queueLength int) *candidateStore {
	return &candidateStore{
		files: make(chan SyncCandidate, queueLength),
		dirs:  make(chan SyncCandidate, queueLength),
	}
}

// add blocks while the store is full. It returns false if ctx is done.
func (s *candidateStore) add(ctx context.Context, c SyncCandidate) bool {
	queue := s.files
	if c.Kind == DirCandidate {
		queue = s.dirs
	}
	select {
	case queue <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// close tells the sync slaves that nothing more will be added. Only call it
// after every producer returned.
func (s *candidateStore) close() {
	s.closeOnce.Do(func() {
		close(s.files)
		close(s.dirs)
	})
}
