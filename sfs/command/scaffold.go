package command

import (
	"os"
	"path/filepath"
)

func init() {
	cmdScaffold.Run = runScaffold // break init cycle
}

var cmdScaffold = &Command{
	UsageLine: "scaffold -config=[storage|mgmt]",
	Short:     "generate basic configuration files",
	Long: `Generate storage.toml or mgmt.toml with all possible configurations for you to customize.

  `,
}

var (
	outputPath = cmdScaffold.Flag.String("output", "", "if not empty, save the configuration file to this directory")
	config     = cmdScaffold.Flag.String("config", "storage", "[storage|mgmt] the configuration file to generate")
)

func runScaffold(cmd *Command, args []string) bool {

	content := ""
	switch *config {
	case "storage":
		content = STORAGE_TOML_EXAMPLE
	case "mgmt":
		content = MGMT_TOML_EXAMPLE
	}
	if content == "" {
		println("need a valid -config option")
		return false
	}

	if *outputPath != "" {
		if err := os.WriteFile(filepath.Join(*outputPath, *config+".toml"), []byte(content), 0644); err != nil {
			println(err.Error())
			return false
		}
	} else {
		println(content)
	}
	return true
}

const (
	STORAGE_TOML_EXAMPLE = `
# A sample TOML config file for a StripeFS storage server
# Used with "sfs storage"
# Put this file to one of the location, with descending priority
#    ./storage.toml
#    $HOME/.stripefs/storage.toml
#    /etc/stripefs/storage.toml

[storage]
nodeId = 1
nodeType = "storage"        # or "meta"
ip = "localhost"
port = 8090
mgmt = "localhost:8008"
requestTimeout = "30s"
# id:directory of every local target
targets = ["1:/data/t1", "2:/data/t2"]
# id:host:port of buddy targets served by other nodes
buddies = ["3:storage2:8090"]
# defaults to the directory of the lowest local target
commtimeDir = ""

[commtime]
store = "leveldb"           # or "bolt"

[worker]
count = 8
queueLength = 256

[sync]
interval = "5s"
publishRetries = 10
publishRetryInterval = "500ms"
# consecutive failed downloads before all targets count as probably offline
offlineAfterFailures = 3

[resync]
gatherSlaves = 6
fileSyncSlaves = 12
dirSyncSlaves = 4
# subtracted from the last good buddy communication, 0 disables
safetyThreshold = "10m"
queueLength = 1024
reportTimeout = "2m"

[metrics]
address = ""                # prometheus push gateway <host>:<port>
intervalSeconds = 15
`

	MGMT_TOML_EXAMPLE = `
# A sample TOML config file for the StripeFS management authority
# Used with "sfs mgmt"
# Put this file to one of the location, with descending priority
#    ./mgmt.toml
#    $HOME/.stripefs/mgmt.toml
#    /etc/stripefs/mgmt.toml

[pools]
# targets below these limits move to the low or emergency pool
lowSpaceBytes = 549755813888        # 512GiB
emergencySpaceBytes = 10737418240   # 10GiB
lowInodes = 10000000
emergencyInodes = 1000000

[mgmt]
probablyOfflineTimeout = "90s"
offlineTimeout = "180s"
reachabilityInterval = "10s"
`
)
