package stats

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const Namespace = "StripeFS"

var (
	Gather = prometheus.NewRegistry()

	CapacityPoolTargetsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "targets",
			Help:      "Number of targets per capacity pool.",
		}, []string{"name", "pool"})

	TargetChooserCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "choose_requests",
			Help:      "Counter of target selections by algorithm and whether enough targets were found.",
		}, []string{"algorithm", "result"})

	TargetStatesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "states",
			Name:      "targets",
			Help:      "Number of known targets by reachability and consistency.",
		}, []string{"type", "reachability", "consistency"})

	StateSyncCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "statesync",
			Name:      "requests",
			Help:      "Counter of exchanges with the management authority.",
		}, []string{"type", "result"})

	MgmtRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mgmt",
			Name:      "request_total",
			Help:      "Counter of management requests.",
		}, []string{"type", "code"})

	ResyncRunningGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "resync",
			Name:      "running",
			Help:      "1 while a buddy resync job runs for the target.",
		}, []string{"target"})

	ResyncJobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "resync",
			Name:      "jobs",
			Help:      "Counter of finished buddy resync jobs by status.",
		}, []string{"status"})

	ResyncEntryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "resync",
			Name:      "entries",
			Help:      "Counter of resync candidates by kind and result.",
		}, []string{"kind", "result"})

	ResyncJobHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "resync",
			Name:      "job_seconds",
			Help:      "Bucketed histogram of buddy resync job duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		})

	WorkerQueueGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "queued",
			Help:      "Number of requests waiting in the shared worker queue.",
		})
)

func init() {
	Gather.MustRegister(CapacityPoolTargetsGauge)
	Gather.MustRegister(TargetChooserCounter)
	Gather.MustRegister(TargetStatesGauge)
	Gather.MustRegister(StateSyncCounter)
	Gather.MustRegister(MgmtRequestCounter)

	Gather.MustRegister(ResyncRunningGauge)
	Gather.MustRegister(ResyncJobCounter)
	Gather.MustRegister(ResyncEntryCounter)
	Gather.MustRegister(ResyncJobHistogram)
	Gather.MustRegister(WorkerQueueGauge)

	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func LoopPushingMetric(name, instance, addr string, intervalSeconds int) {
	if addr == "" || intervalSeconds == 0 {
		return
	}

	glog.V(0).Infof("%s server sends metrics to %s every %d seconds", name, addr, intervalSeconds)

	pusher := push.New(addr, name).Gatherer(Gather).Grouping("instance", instance)

	for {
		err := pusher.Push()
		if err != nil && !strings.HasPrefix(err.Error(), "unexpected status code 200") {
			glog.V(0).Infof("could not push metrics to prometheus push gateway %s: %v", addr, err)
		}
		if intervalSeconds <= 0 {
			intervalSeconds = 15
		}
		time.Sleep(time.Duration(intervalSeconds) * time.Second)
	}
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}

// MetricsHandler serves the Gather registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Gather, promhttp.HandlerOpts{})
}
