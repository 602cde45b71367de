package resync

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/storage"
	"github.com/stripefs/stripefs/sfs/storage/types"
)

// LocalTransfer delivers to buddy targets of the same server.
type LocalTransfer struct {
	store *storage.Store
}

func NewLocalTransfer(store *storage.Store) *LocalTransfer {
	return &LocalTransfer{store: store}
}

func (l *LocalTransfer) target(buddyTargetId types.TargetId) (*storage.Target, error) {
	t, found := l.store.GetTarget(buddyTargetId)
	if !found {
		return nil, fmt.Errorf("buddy target %d is not local", buddyTargetId)
	}
	return t, nil
}

// ResyncStarted clears the needs-resync flag of the buddy, the job decides
// from now on how the buddy ends up.
func (l *LocalTransfer) ResyncStarted(ctx context.Context, buddyTargetId types.TargetId) error {
	t, err := l.target(buddyTargetId)
	if err != nil {
		return err
	}
	return t.SetNeedsResync(false)
}

func (l *LocalTransfer) SyncFile(ctx context.Context, buddyTargetId types.TargetId, relativePath string, modTime time.Time, mode fs.FileMode, content io.Reader) error {
	t, err := l.target(buddyTargetId)
	if err != nil {
		return err
	}
	_, err = t.WriteMirrorFile(relativePath, modTime, mode, content)
	return err
}

func (l *LocalTransfer) SyncDir(ctx context.Context, buddyTargetId types.TargetId, relativePath string, modTime time.Time, entries []message.DirEntry) error {
	t, err := l.target(buddyTargetId)
	if err != nil {
		return err
	}
	_, err = t.SyncMirrorDir(relativePath, modTime, entries)
	return err
}
