package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receiverLinesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_relay_receiver_lines_total",
		Help: "Total number of metric lines read from clients",
	})

	receiverParseErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_relay_receiver_parse_errors_total",
		Help: "Total number of lines dropped as malformed, by reason",
	}, []string{"reason"})

	receiverConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_relay_receiver_connections_total",
		Help: "Total number of accepted client connections",
	})

	receiverConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metrics_relay_receiver_connections_active",
		Help: "Client connections currently owned by dispatchers",
	})

	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_relay_receiver_errors_total",
		Help: "Total number of receiver errors",
	}, []string{"type"})

	parseErrorFields    = receiverParseErrorsTotal.WithLabelValues("fields")
	parseErrorControl   = receiverParseErrorsTotal.WithLabelValues("control")
	parseErrorTooLong   = receiverParseErrorsTotal.WithLabelValues("too_long")
	parseErrorTruncated = receiverParseErrorsTotal.WithLabelValues("truncated")
	parseErrorRewrite   = receiverParseErrorsTotal.WithLabelValues("rewrite")
)

func init() {
	prometheus.MustRegister(receiverLinesTotal)
	prometheus.MustRegister(receiverParseErrorsTotal)
	prometheus.MustRegister(receiverConnectionsTotal)
	prometheus.MustRegister(receiverConnectionsActive)
	prometheus.MustRegister(receiverErrorsTotal)

	// Initialize counters with 0 so they appear in /metrics immediately
	receiverErrorsTotal.WithLabelValues("accept").Add(0)
	receiverErrorsTotal.WithLabelValues("read").Add(0)
}

// IncrementReceiverError increments the receiver error counter for a specific type.
func IncrementReceiverError(errorType string) {
	receiverErrorsTotal.WithLabelValues(errorType).Inc()
}
