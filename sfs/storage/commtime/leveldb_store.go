package commtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/syndtr/goleveldb/leveldb"
	leveldb_errors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/stripefs/stripefs/sfs/storage/types"
)

type LevelDBStore struct {
	dir string
	db  *leveldb.DB
}

func NewLevelDBStore(dir string) (*LevelDBStore, error) {
	dbFolder := filepath.Join(dir, "commtime.ldb")
	glog.V(0).Infof("commtime store leveldb dir: %s", dbFolder)
	if err := os.MkdirAll(dbFolder, 0755); err != nil {
		return nil, err
	}

	opts := &opt.Options{
		BlockCacheCapacity: 1024 * 1024,
		WriteBuffer:        1024 * 1024,
	}
	db, err := leveldb.OpenFile(dbFolder, opts)
	if leveldb_errors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dbFolder, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", dbFolder, err)
	}
	return &LevelDBStore{dir: dbFolder, db: db}, nil
}

func (store *LevelDBStore) GetName() string {
	return "leveldb"
}

func (store *LevelDBStore) Get(targetId types.TargetId) (time.Time, bool, error) {
	value, err := store.db.Get(keyOf(targetId), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get commtime of target %d: %w", targetId, err)
	}
	t, err := decodeTime(value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("target %d: %w", targetId, err)
	}
	return t, true, nil
}

func (store *LevelDBStore) Set(targetId types.TargetId, t time.Time) error {
	if err := store.db.Put(keyOf(targetId), encodeTime(t), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("set commtime of target %d: %w", targetId, err)
	}
	return nil
}

func (store *LevelDBStore) Clear(targetId types.TargetId) error {
	if err := store.db.Delete(keyOf(targetId), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("clear commtime of target %d: %w", targetId, err)
	}
	return nil
}

func (store *LevelDBStore) Close() error {
	return store.db.Close()
}
