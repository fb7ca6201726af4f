package server

import "github.com/prometheus/client_golang/prometheus"

var (
	serverSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_relay_server_sent_total",
		Help: "Records written to each backend server",
	}, []string{"server"})

	serverDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_relay_server_dropped_total",
		Help: "Records dropped per backend server (evicted: queue full, closed: enqueued during shutdown or unsent after the drain)",
	}, []string{"server", "reason"})

	serverFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_relay_server_failures_total",
		Help: "Connect, write and peer-close failures per backend server",
	}, []string{"server"})

	serverQueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metrics_relay_server_queue_length",
		Help: "Records currently queued per backend server",
	}, []string{"server"})

	serverState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metrics_relay_server_state",
		Help: "Connection state per backend server (0=connecting, 1=up, 2=down, 3=draining, 4=closed)",
	}, []string{"server"})

	serverWriteLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metrics_relay_server_write_latency_seconds",
		Help:    "Batch write latency per backend server",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"server"})
)

func init() {
	prometheus.MustRegister(serverSentTotal)
	prometheus.MustRegister(serverDroppedTotal)
	prometheus.MustRegister(serverFailuresTotal)
	prometheus.MustRegister(serverQueueLength)
	prometheus.MustRegister(serverState)
	prometheus.MustRegister(serverWriteLatencySeconds)
}

// connMetrics caches the per-server children so the hot path does not hash
// label values on every record.
type connMetrics struct {
	sent         prometheus.Counter
	evicted      prometheus.Counter
	rejected     prometheus.Counter
	failures     prometheus.Counter
	queueLength  prometheus.Gauge
	state        prometheus.Gauge
	writeLatency prometheus.Observer
}

func newConnMetrics(addr string) *connMetrics {
	return &connMetrics{
		sent:         serverSentTotal.WithLabelValues(addr),
		evicted:      serverDroppedTotal.WithLabelValues(addr, "evicted"),
		rejected:     serverDroppedTotal.WithLabelValues(addr, "closed"),
		failures:     serverFailuresTotal.WithLabelValues(addr),
		queueLength:  serverQueueLength.WithLabelValues(addr),
		state:        serverState.WithLabelValues(addr),
		writeLatency: serverWriteLatencySeconds.WithLabelValues(addr),
	}
}

// deleteConnMetrics removes the series of a server that left the
// configuration.
func deleteConnMetrics(addr string) {
	serverSentTotal.DeleteLabelValues(addr)
	serverDroppedTotal.DeleteLabelValues(addr, "evicted")
	serverDroppedTotal.DeleteLabelValues(addr, "closed")
	serverFailuresTotal.DeleteLabelValues(addr)
	serverQueueLength.DeleteLabelValues(addr)
	serverState.DeleteLabelValues(addr)
	serverWriteLatencySeconds.DeleteLabelValues(addr)
}
