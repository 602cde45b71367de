package command

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/stripefs/stripefs/sfs/mgmt"
	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/util"
)

func init() {
	cmdMgmt.Run = runMgmt // break init cycle
}

var cmdMgmt = &Command{
	UsageLine: "mgmt -port=8008",
	Short:     "start the management authority",
	Long: `start the management authority that keeps the authoritative target
  states, capacity pools and buddy groups of all storage and meta targets.

  Thresholds are read from mgmt.toml, see "sfs scaffold -config=mgmt".

  `,
}

var (
	mgmtPort            = cmdMgmt.Flag.Int("port", 8008, "http listen port")
	mgmtIp              = cmdMgmt.Flag.String("ip", "localhost", "mgmt <ip>|<server> address, used as metrics instance")
	mgmtBindIp          = cmdMgmt.Flag.String("ip.bind", "0.0.0.0", "ip address to bind to")
	mgmtMetricsAddress  = cmdMgmt.Flag.String("metrics.address", "", "prometheus gateway address <host>:<port>")
	mgmtMetricsInterval = cmdMgmt.Flag.Int("metrics.intervalSeconds", 15, "prometheus push interval in seconds")
)

func runMgmt(cmd *Command, args []string) bool {
	util.LoadConfiguration("mgmt", false)
	option := mgmt.NewAuthorityOption(util.GetViper())
	authority := mgmt.NewAuthority(option)

	r := mux.NewRouter()
	mgmt.NewMgmtServer(r, authority)

	listeningAddress := stats.JoinHostPort(*mgmtBindIp, *mgmtPort)
	glog.V(0).Infof("Start StripeFS mgmt %s at %s", util.Version(), listeningAddress)
	listener, err := net.Listen("tcp", listeningAddress)
	if err != nil {
		glog.Fatalf("mgmt startup error: %v", err)
	}

	go stats.LoopPushingMetric("mgmt", stats.JoinHostPort(*mgmtIp, *mgmtPort), *mgmtMetricsAddress, *mgmtMetricsInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpS := &http.Server{Handler: r}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpS.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		authority.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpS.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		glog.Fatalf("mgmt failed to serve: %v", err)
	}
	return true
}
