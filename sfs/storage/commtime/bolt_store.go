package commtime

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/stripefs/stripefs/sfs/storage/types"
)

var commTimeBucket = []byte("commtime")

// BoltStore relies on bbolt transactions for concurrent use.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "commtime.bolt")
	glog.V(0).Infof("commtime store bolt file: %s", path)

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(commTimeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

func (b *BoltStore) GetName() string {
	return "bolt"
}

func (b *BoltStore) Get(targetId types.TargetId) (t time.Time, found bool, err error) {
	err = b.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(commTimeBucket).Get(keyOf(targetId))
		if value == nil {
			return nil
		}
		t, err = decodeTime(value)
		found = err == nil
		return err
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get commtime of target %d: %w", targetId, err)
	}
	return t, found, nil
}

func (b *BoltStore) Set(targetId types.TargetId, t time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(commTimeBucket).Put(keyOf(targetId), encodeTime(t))
	})
}

func (b *BoltStore) Clear(targetId types.TargetId) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(commTimeBucket).Delete(keyOf(targetId))
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
