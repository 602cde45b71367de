package command

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripefs/stripefs/sfs/mgmt"
	"github.com/stripefs/stripefs/sfs/server"
	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/util"
)

func loadExample(t *testing.T, content string) *util.ViperProxy {
	v := viper.New()
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(strings.NewReader(content)))
	return &util.ViperProxy{Viper: v}
}

func TestStorageExampleParses(t *testing.T) {
	option, err := server.NewStorageOption(loadExample(t, STORAGE_TOML_EXAMPLE))
	require.NoError(t, err)

	assert.Equal(t, types.NodeId(1), option.NodeId)
	assert.Equal(t, types.StorageNodeType, option.NodeType)
	assert.Equal(t, map[types.TargetId]string{1: "/data/t1", 2: "/data/t2"}, option.Targets)
	assert.Equal(t, "storage2:8090", option.BuddyAddresses[3])
	assert.Equal(t, "/data/t1", option.CommTimeDir)
	assert.Equal(t, 10, option.PublishRetries)
	assert.Equal(t, 10*time.Minute, option.Resync.SafetyThreshold)
	assert.Equal(t, 12, option.Resync.FileSyncSlaves)
}

func TestMgmtExampleParses(t *testing.T) {
	option := mgmt.NewAuthorityOption(loadExample(t, MGMT_TOML_EXAMPLE))
	assert.Equal(t, uint64(512<<30), option.LowSpaceBytes)
	assert.Equal(t, uint64(10<<30), option.EmergencySpaceBytes)
	assert.Equal(t, 180*time.Second, option.OfflineTimeout)
}

func TestCommandNames(t *testing.T) {
	var names []string
	for _, cmd := range Commands {
		names = append(names, cmd.Name())
		assert.True(t, cmd.Runnable(), cmd.Name())
	}
	assert.Equal(t, []string{"mgmt", "scaffold", "storage", "version"}, names)
}
