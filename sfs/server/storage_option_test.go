package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/util"
)

func TestNewStorageOptionDefaults(t *testing.T) {
	conf := util.NewViperProxy()
	conf.Set("storage.targets", []string{"3:/srv/t3", " 1:/srv/t1"})
	conf.Set("storage.buddies", []string{"7:[::1]:8090"})

	option, err := NewStorageOption(conf)
	require.NoError(t, err)
	assert.Equal(t, types.StorageNodeType, option.NodeType)
	assert.Equal(t, "/srv/t1", option.Targets[1])
	assert.Equal(t, "[::1]:8090", option.BuddyAddresses[7])
	assert.Equal(t, "/srv/t1", option.CommTimeDir)
	assert.Equal(t, 5*time.Second, option.SyncInterval)
	assert.Equal(t, 10, option.PublishRetries)
	assert.Equal(t, 3, option.OfflineAfterFailures)
	assert.Equal(t, 10*time.Minute, option.Resync.SafetyThreshold)
}

func TestNewStorageOptionErrors(t *testing.T) {
	for name, targets := range map[string][]string{
		"none":      nil,
		"no path":   {"1:"},
		"no id":     {"/srv/t1"},
		"zero id":   {"0:/srv/t0"},
		"duplicate": {"1:/a", "1:/b"},
	} {
		conf := util.NewViperProxy()
		conf.Set("storage.targets", targets)
		_, err := NewStorageOption(conf)
		assert.Error(t, err, name)
	}

	conf := util.NewViperProxy()
	conf.Set("storage.targets", []string{"1:/a"})
	conf.Set("storage.nodeType", "client")
	_, err := NewStorageOption(conf)
	assert.Error(t, err)
}
