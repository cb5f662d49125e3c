package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessync",
			Subsystem: "sync",
			Name:      "frames_total",
			Help:      "Session frames by direction and message type.",
		},
		[]string{"direction", "kind"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessync",
			Subsystem: "sync",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded before reaching the document.",
		},
		[]string{"reason"},
	)
	outboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessync",
			Subsystem: "sync",
			Name:      "outbox_depth",
			Help:      "Frames waiting for an open connection.",
		},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessync",
			Subsystem: "sync",
			Name:      "reconnect_transitions_total",
			Help:      "Reconnection controller transitions by resulting state.",
		},
		[]string{"state"},
	)
	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessync",
			Subsystem: "sync",
			Name:      "connected",
			Help:      "1 while the session channel is open.",
		},
	)
	latency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessync",
			Subsystem: "sync",
			Name:      "latency_ms",
			Help:      "Smoothed heartbeat round trip in milliseconds.",
		},
	)
	relaySockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessync",
			Subsystem: "relay",
			Name:      "sockets",
			Help:      "Open websocket connections at the dev relay.",
		},
	)
	relayForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessync",
			Subsystem: "relay",
			Name:      "frames_forwarded_total",
			Help:      "Frames fanned out to peers by message type.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesTotal, framesDropped, outboxDepth, reconnectAttempts, connected, latency,
			relaySockets, relayForwarded,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(direction, kind string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, kind).Inc()
}

func RecordDroppedFrame(reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(reason).Inc()
}

func SetOutboxDepth(n int) {
	RegisterMetrics()
	outboxDepth.Set(float64(n))
}

func RecordReconnect(state string) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(state).Inc()
}

func SetConnected(open bool) {
	RegisterMetrics()
	if open {
		connected.Set(1)
		return
	}
	connected.Set(0)
}

func SetLatency(ms float64) {
	RegisterMetrics()
	latency.Set(ms)
}

func AddRelaySockets(delta int) {
	RegisterMetrics()
	relaySockets.Add(float64(delta))
}

func RecordRelayForward(kind string) {
	RegisterMetrics()
	relayForwarded.WithLabelValues(kind).Inc()
}
