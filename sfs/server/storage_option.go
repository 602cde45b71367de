package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripefs/stripefs/sfs/resync"
	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/util"
)

type StorageOption struct {
	NodeId   types.NodeId
	NodeType types.NodeType
	Ip       string
	BindIp   string
	Port     int

	MgmtAddress    string
	RequestTimeout time.Duration

	// target id to directory
	Targets map[types.TargetId]string
	// target id to host:port of the server holding it
	BuddyAddresses map[types.TargetId]string
	CommTimeDir    string

	Workers           int
	WorkerQueueLength int

	SyncInterval         time.Duration
	PublishRetries       int
	PublishRetryInterval time.Duration
	OfflineAfterFailures int

	MetricsAddress         string
	MetricsIntervalSeconds int

	Resync *resync.Options
}

func NewStorageOption(conf util.Configuration) (*StorageOption, error) {
	conf.SetDefault("storage.nodeId", 1)
	conf.SetDefault("storage.nodeType", string(types.StorageNodeType))
	conf.SetDefault("storage.ip", "localhost")
	conf.SetDefault("storage.bindIp", "0.0.0.0")
	conf.SetDefault("storage.port", 8090)
	conf.SetDefault("storage.mgmt", "localhost:8008")
	conf.SetDefault("storage.requestTimeout", "30s")
	conf.SetDefault("worker.count", 8)
	conf.SetDefault("worker.queueLength", 256)
	conf.SetDefault("sync.interval", "5s")
	conf.SetDefault("sync.publishRetries", 10)
	conf.SetDefault("sync.publishRetryInterval", "500ms")
	conf.SetDefault("sync.offlineAfterFailures", 3)
	conf.SetDefault("metrics.intervalSeconds", 15)

	nodeType, err := types.ParseNodeType(conf.GetString("storage.nodeType"))
	if err != nil {
		return nil, err
	}
	nodeId := conf.GetInt("storage.nodeId")
	if nodeId <= 0 {
		return nil, fmt.Errorf("invalid storage.nodeId %d", nodeId)
	}

	option := &StorageOption{
		NodeId:                 types.NodeId(nodeId),
		NodeType:               nodeType,
		Ip:                     conf.GetString("storage.ip"),
		BindIp:                 conf.GetString("storage.bindIp"),
		Port:                   conf.GetInt("storage.port"),
		MgmtAddress:            conf.GetString("storage.mgmt"),
		RequestTimeout:         conf.GetDuration("storage.requestTimeout"),
		CommTimeDir:            util.ResolvePath(conf.GetString("storage.commtimeDir")),
		Workers:                max(1, conf.GetInt("worker.count")),
		WorkerQueueLength:      max(1, conf.GetInt("worker.queueLength")),
		SyncInterval:           conf.GetDuration("sync.interval"),
		PublishRetries:         max(1, conf.GetInt("sync.publishRetries")),
		PublishRetryInterval:   conf.GetDuration("sync.publishRetryInterval"),
		OfflineAfterFailures:   max(1, conf.GetInt("sync.offlineAfterFailures")),
		MetricsAddress:         conf.GetString("metrics.address"),
		MetricsIntervalSeconds: conf.GetInt("metrics.intervalSeconds"),
		Resync:                 resync.NewOptions(conf),
	}

	if option.Targets, err = parseTargetList(conf.GetStringSlice("storage.targets")); err != nil {
		return nil, err
	}
	if len(option.Targets) == 0 {
		return nil, fmt.Errorf("no storage.targets configured")
	}
	if option.BuddyAddresses, err = parseTargetList(conf.GetStringSlice("storage.buddies")); err != nil {
		return nil, err
	}
	if option.CommTimeDir == "" {
		// the lowest target id keeps the timestamps
		lowest := types.TargetId(0)
		for targetId := range option.Targets {
			if lowest == 0 || targetId < lowest {
				lowest = targetId
			}
		}
		option.CommTimeDir = option.Targets[lowest]
	}
	return option, nil
}

// parseTargetList reads "id:value" entries, the value may contain colons.
func parseTargetList(entries []string) (map[types.TargetId]string, error) {
	parsed := make(map[types.TargetId]string, len(entries))
	for _, entry := range entries {
		idPart, value, found := strings.Cut(strings.TrimSpace(entry), ":")
		if !found || value == "" {
			return nil, fmt.Errorf("expect id:value, got %q", entry)
		}
		id, err := strconv.ParseUint(idPart, 10, 16)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid target id in %q", entry)
		}
		targetId := types.TargetId(id)
		if _, dup := parsed[targetId]; dup {
			return nil, fmt.Errorf("target %d listed twice", targetId)
		}
		parsed[targetId] = util.ResolvePath(value)
	}
	return parsed, nil
}
