package stats

import "github.com/prometheus/client_golang/prometheus"

var (
	collectorRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_relay_collector_runs_total",
		Help: "Total number of self-metric collections",
	})

	collectorRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_relay_collector_records_total",
		Help: "Total number of self-metric records fed into the router",
	})

	collectorDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metrics_relay_collector_duration_seconds",
		Help:    "Time spent sampling and routing self-metrics",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})
)

func init() {
	prometheus.MustRegister(collectorRunsTotal)
	prometheus.MustRegister(collectorRecordsTotal)
	prometheus.MustRegister(collectorDuration)
}
