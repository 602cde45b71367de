// Package commtime keeps, per target, the time of the last known good
// communication with its buddy. The resync of a target only needs to send
// what changed since then.
package commtime

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/util"
)

// Store persists the timestamps.
type Store interface {
	GetName() string
	Get(targetId types.TargetId) (t time.Time, found bool, err error)
	Set(targetId types.TargetId, t time.Time) error
	Clear(targetId types.TargetId) error
	Close() error
}

// NewStore opens the store configured by commtime.store below dir.
func NewStore(conf util.Configuration, dir string) (Store, error) {
	conf.SetDefault("commtime.store", "leveldb")
	switch kind := conf.GetString("commtime.store"); kind {
	case "leveldb":
		return NewLevelDBStore(dir)
	case "bolt":
		return NewBoltStore(dir)
	default:
		return nil, fmt.Errorf("unknown commtime store %q", kind)
	}
}

func keyOf(targetId types.TargetId) []byte {
	key := make([]byte, 2)
	binary.BigEndian.PutUint16(key, uint16(targetId))
	return key
}

func encodeTime(t time.Time) []byte {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(t.UnixNano()))
	return value
}

func decodeTime(value []byte) (time.Time, error) {
	if len(value) != 8 {
		return time.Time{}, fmt.Errorf("timestamp of %d bytes", len(value))
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(value))), nil
}
