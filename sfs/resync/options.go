package resync

import (
	"time"

	"github.com/stripefs/stripefs/sfs/util"
)

type Options struct {
	GatherSlaves   int
	FileSyncSlaves int
	DirSyncSlaves  int
	// subtracted from the last good buddy communication to get the cutoff
	SafetyThreshold time.Duration
	QueueLength     int
	ReportTimeout   time.Duration
}

func NewOptions(conf util.Configuration) *Options {
	conf.SetDefault("resync.gatherSlaves", 6)
	conf.SetDefault("resync.fileSyncSlaves", 12)
	conf.SetDefault("resync.dirSyncSlaves", 4)
	conf.SetDefault("resync.safetyThreshold", "10m")
	conf.SetDefault("resync.queueLength", 1024)
	conf.SetDefault("resync.reportTimeout", "2m")
	return &Options{
		GatherSlaves:    max(1, conf.GetInt("resync.gatherSlaves")),
		FileSyncSlaves:  max(1, conf.GetInt("resync.fileSyncSlaves")),
		DirSyncSlaves:   max(1, conf.GetInt("resync.dirSyncSlaves")),
		SafetyThreshold: conf.GetDuration("resync.safetyThreshold"),
		QueueLength:     max(1, conf.GetInt("resync.queueLength")),
		ReportTimeout:   conf.GetDuration("resync.reportTimeout"),
	}
}
