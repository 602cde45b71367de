package command

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/stripefs/stripefs/sfs/mgmt"
	"github.com/stripefs/stripefs/sfs/server"
	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/storage/commtime"
	"github.com/stripefs/stripefs/sfs/util"
)

func init() {
	cmdStorage.Run = runStorage // break init cycle
}

var cmdStorage = &Command{
	UsageLine: "storage -port=8090 -nodeId=1 -targets=1:/data/t1,2:/data/t2 -mgmt=localhost:8008",
	Short:     "start a storage server",
	Long: `start a storage server that serves local storage targets, keeps their
  states in sync with mgmt and resyncs buddy mirror targets.

  Flags override the values in storage.toml, see "sfs scaffold -config=storage".

  `,
}

var (
	storagePort     = cmdStorage.Flag.Int("port", 8090, "http listen port")
	storageIp       = cmdStorage.Flag.String("ip", "localhost", "storage server <ip>|<server> address")
	storageBindIp   = cmdStorage.Flag.String("ip.bind", "0.0.0.0", "ip address to bind to")
	storageNodeId   = cmdStorage.Flag.Int("nodeId", 1, "node id of this server")
	storageNodeType = cmdStorage.Flag.String("nodeType", "storage", "[storage|meta] kind of targets served")
	storageMgmt     = cmdStorage.Flag.String("mgmt", "localhost:8008", "mgmt server address")
	storageTargets  = cmdStorage.Flag.String("targets", "", "comma separated id:directory list of local targets")
	storageBuddies  = cmdStorage.Flag.String("buddies", "", "comma separated id:host:port list of buddy targets on other servers")
	storageWorkers  = cmdStorage.Flag.Int("workers", 8, "number of request workers")
	storageMetrics  = cmdStorage.Flag.String("metrics.address", "", "prometheus gateway address <host>:<port>")
)

// storageFlagKeys maps flags to the configuration keys they override.
var storageFlagKeys = map[string]string{
	"port":            "storage.port",
	"ip":              "storage.ip",
	"ip.bind":         "storage.bindIp",
	"nodeId":          "storage.nodeId",
	"nodeType":        "storage.nodeType",
	"mgmt":            "storage.mgmt",
	"targets":         "storage.targets",
	"buddies":         "storage.buddies",
	"workers":         "worker.count",
	"metrics.address": "metrics.address",
}

func runStorage(cmd *Command, args []string) bool {
	util.LoadConfiguration("storage", false)
	conf := util.GetViper()

	cmd.Flag.Visit(func(f *flag.Flag) {
		key, found := storageFlagKeys[f.Name]
		if !found {
			return
		}
		value := f.Value.String()
		if f.Name == "targets" || f.Name == "buddies" {
			conf.Set(key, strings.Split(value, ","))
			return
		}
		conf.Set(key, value)
	})

	option, err := server.NewStorageOption(conf)
	if err != nil {
		glog.Fatalf("storage options: %v", err)
	}
	if err = os.MkdirAll(option.CommTimeDir, 0755); err != nil {
		glog.Fatalf("commtime dir %s: %v", option.CommTimeDir, err)
	}
	commStore, err := commtime.NewStore(conf, option.CommTimeDir)
	if err != nil {
		glog.Fatalf("open commtime store in %s: %v", option.CommTimeDir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := mux.NewRouter()
	client := mgmt.NewClient(option.MgmtAddress, option.RequestTimeout)
	storageServer, err := server.NewStorageServer(ctx, r, option, commStore, client)
	if err != nil {
		glog.Fatalf("storage startup error: %v", err)
	}

	listeningAddress := stats.JoinHostPort(option.BindIp, option.Port)
	glog.V(0).Infof("Start StripeFS storage node %d %s at %s", option.NodeId, util.Version(), listeningAddress)
	listener, err := net.Listen("tcp", listeningAddress)
	if err != nil {
		glog.Fatalf("storage startup error: %v", err)
	}

	go stats.LoopPushingMetric("storage", stats.JoinHostPort(option.Ip, option.Port), option.MetricsAddress, option.MetricsIntervalSeconds)

	start := time.Now()
	if err = storageServer.Serve(ctx, listener); err != nil {
		glog.Fatalf("storage server failed after %v: %v", time.Since(start).Truncate(time.Second), err)
	}
	return true
}
