package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peermesh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status server HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peermesh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peermesh",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Outbound RPC calls by outcome.",
		},
		[]string{"node", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peermesh",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Outbound RPC call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "outcome"},
	)
	streamReceives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peermesh",
			Subsystem: "stream",
			Name:      "receives_total",
			Help:      "Stream receivers closed by outcome.",
		},
		[]string{"node", "outcome"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peermesh",
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Inbound raw frames dropped by reason.",
		},
		[]string{"node", "reason"},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peermesh",
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Stream payload bytes by direction.",
		},
		[]string{"node", "direction"},
	)
	peerRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peermesh",
			Subsystem: "latency",
			Name:      "rtt_milliseconds",
			Help:      "Ping round-trip time samples in milliseconds.",
			Buckets:   []float64{1, 5, 10, 20, 30, 50, 80, 120, 200, 400, 800, 1600},
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, rpcCalls, rpcDuration, streamReceives, framesDropped, transferBytes, peerRTT)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCall(node, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(node, outcome).Inc()
	rpcDuration.WithLabelValues(node, outcome).Observe(duration.Seconds())
}

func RecordStream(node, outcome string) {
	RegisterMetrics()
	streamReceives.WithLabelValues(node, outcome).Inc()
}

func RecordFrameDropped(node, reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(node, reason).Inc()
}

func RecordBytes(node, direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	transferBytes.WithLabelValues(node, direction).Add(float64(n))
}

func RecordRTT(node string, rttMs float64) {
	RegisterMetrics()
	peerRTT.WithLabelValues(node).Observe(rttMs)
}

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
