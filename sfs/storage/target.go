package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/storage/types"
)

const (
	MirrorDirName            = "buddymir"
	needsResyncFileName      = "needs_resync"
	buddyNeedsResyncFileName = "buddy_needs_resync"
	tempFilePrefix           = ".sfs-tmp-"
)

var ErrPathOutsideMirror = errors.New("path leaves the mirror directory")

// Target is a local storage target. Data mirrored for the buddy group lives
// below its mirror directory.
type Target struct {
	Id   types.TargetId
	Path string

	needsResync      persistedFlag
	buddyNeedsResync persistedFlag
}

func NewTarget(id types.TargetId, path string) (*Target, error) {
	t := &Target{Id: id, Path: path}
	if err := os.MkdirAll(t.MirrorDir(), 0755); err != nil {
		return nil, fmt.Errorf("create mirror dir of target %d: %w", id, err)
	}
	t.needsResync.load(filepath.Join(path, needsResyncFileName))
	t.buddyNeedsResync.load(filepath.Join(path, buddyNeedsResyncFileName))
	if t.NeedsResync() {
		glog.V(0).Infof("target %d was flagged as needing a resync", id)
	}
	if t.BuddyNeedsResync() {
		glog.V(0).Infof("buddy of target %d was flagged as needing a resync", id)
	}
	return t, nil
}

func (t *Target) String() string {
	return fmt.Sprintf("target %d at %s", t.Id, t.Path)
}

func (t *Target) MirrorDir() string {
	return filepath.Join(t.Path, MirrorDirName)
}

// NeedsResync reports whether this target's mirrored data is known to be
// stale, for example after an unclean shutdown.
func (t *Target) NeedsResync() bool {
	return t.needsResync.get()
}

func (t *Target) SetNeedsResync(needsResync bool) error {
	if changed, err := t.needsResync.set(needsResync); err != nil {
		return fmt.Errorf("%v: %w", t, err)
	} else if changed {
		glog.V(0).Infof("%v needs resync: %v", t, needsResync)
	}
	return nil
}

// BuddyNeedsResync reports whether the buddy missed writes of this target.
// It stays set until a resync to the buddy succeeded.
func (t *Target) BuddyNeedsResync() bool {
	return t.buddyNeedsResync.get()
}

func (t *Target) SetBuddyNeedsResync(needsResync bool) error {
	if changed, err := t.buddyNeedsResync.set(needsResync); err != nil {
		return fmt.Errorf("%v: %w", t, err)
	} else if changed {
		glog.V(0).Infof("%v buddy needs resync: %v", t, needsResync)
	}
	return nil
}

// persistedFlag is a boolean kept as the existence of a file, so that it
// survives a restart.
type persistedFlag struct {
	file  string
	value atomic.Bool
}

func (f *persistedFlag) load(file string) {
	f.file = file
	_, err := os.Stat(file)
	f.value.Store(err == nil)
}

func (f *persistedFlag) get() bool {
	return f.value.Load()
}

func (f *persistedFlag) set(value bool) (changed bool, err error) {
	if value {
		err = os.WriteFile(f.file, nil, 0644)
	} else if err = os.Remove(f.file); errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	if err != nil {
		return false, err
	}
	return f.value.Swap(value) != value, nil
}

// MirrorPath resolves a slash separated path relative to the mirror dir.
func (t *Target) MirrorPath(relativePath string) (string, error) {
	cleaned := filepath.Clean("/" + filepath.FromSlash(relativePath))
	full := filepath.Join(t.MirrorDir(), cleaned)
	if full != t.MirrorDir() && !strings.HasPrefix(full, t.MirrorDir()+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideMirror, relativePath)
	}
	return full, nil
}

// WriteMirrorFile replaces a mirrored file with the content of r. The new
// content becomes visible at once, readers never see a partial file.
func (t *Target) WriteMirrorFile(relativePath string, modTime time.Time, mode fs.FileMode, r io.Reader) (written int64, err error) {
	full, err := t.MirrorPath(relativePath)
	if err != nil {
		return 0, err
	}
	if full == t.MirrorDir() {
		return 0, fmt.Errorf("%w: %q is the mirror root", ErrPathOutsideMirror, relativePath)
	}
	if err = os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), tempFilePrefix+filepath.Base(full)+".*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if written, err = io.Copy(tmp, r); err != nil {
		return written, fmt.Errorf("receive %s: %w", relativePath, err)
	}
	if mode == 0 {
		mode = 0644
	}
	if err = tmp.Chmod(mode.Perm()); err != nil {
		return written, err
	}
	if err = tmp.Close(); err != nil {
		return written, err
	}
	if err = os.Rename(tmp.Name(), full); err != nil {
		return written, err
	}
	if !modTime.IsZero() {
		if err = os.Chtimes(full, modTime, modTime); err != nil {
			return written, err
		}
	}
	glog.V(4).Infof("%v: received %s, %d bytes", t, relativePath, written)
	return written, nil
}

// SyncMirrorDir creates the directory if needed and removes every entry not
// listed in entries. Listed entries of the wrong kind are removed as well,
// the sender transfers them again. Files still being received are kept.
func (t *Target) SyncMirrorDir(relativePath string, modTime time.Time, entries []message.DirEntry) (removed int, err error) {
	full, err := t.MirrorPath(relativePath)
	if err != nil {
		return 0, err
	}
	if info, statErr := os.Stat(full); statErr == nil && !info.IsDir() {
		if err = os.Remove(full); err != nil {
			return 0, err
		}
	}
	if err = os.MkdirAll(full, 0755); err != nil {
		return 0, err
	}

	wanted := make(map[string]bool, len(entries))
	for _, entry := range entries {
		wanted[entry.Name] = entry.IsDir
	}

	existing, err := os.ReadDir(full)
	if err != nil {
		return 0, err
	}
	for _, entry := range existing {
		isDir, keep := wanted[entry.Name()]
		if keep && isDir == entry.IsDir() {
			continue
		}
		if !keep && strings.HasPrefix(entry.Name(), tempFilePrefix) {
			continue
		}
		if err = os.RemoveAll(filepath.Join(full, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}

	if !modTime.IsZero() {
		if err = os.Chtimes(full, modTime, modTime); err != nil {
			return removed, err
		}
	}
	if removed > 0 {
		glog.V(3).Infof("%v: removed %d stale entries from %s", t, removed, relativePath)
	}
	return removed, nil
}
