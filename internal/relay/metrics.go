package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/metrics-relay/internal/router"
)

var (
	reloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_relay_reloads_total",
		Help: "Total number of route table reloads, by result",
	}, []string{"result"})

	lastReloadTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metrics_relay_last_reload_success_timestamp_seconds",
		Help: "Unix time of the last successful route table reload",
	})

	workersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metrics_relay_workers",
		Help: "Number of dispatcher workers",
	})

	routeServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metrics_relay_route_servers",
		Help: "Distinct backend servers in the active route table",
	})

	reloadSuccesses = reloadsTotal.WithLabelValues("success")
	reloadFailures  = reloadsTotal.WithLabelValues("failure")
)

func init() {
	prometheus.MustRegister(reloadsTotal)
	prometheus.MustRegister(lastReloadTimestamp)
	prometheus.MustRegister(workersGauge)
	prometheus.MustRegister(routeServers)

	// Initialize counters with 0 so they appear in /metrics immediately
	reloadSuccesses.Add(0)
	reloadFailures.Add(0)
}

func setRouteGauges(t *router.Table) {
	routeServers.Set(float64(len(t.Servers)))
}
