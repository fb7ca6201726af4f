package router

import "github.com/prometheus/client_golang/prometheus"

var (
	routerRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_relay_router_records_total",
		Help: "Records routed, by outcome (routed, blackholed, invalid, unroutable)",
	}, []string{"outcome"})

	routerRewritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_relay_router_rewrites_total",
		Help: "Metric names changed by rewrite rules",
	})

	routerTableSwapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_relay_router_table_swaps_total",
		Help: "Route tables activated",
	})

	routerRules = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metrics_relay_router_rules",
		Help: "Rules in the active route table",
	})

	routerClusters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metrics_relay_router_clusters",
		Help: "Clusters in the active route table",
	})

	routedRecords     = routerRecordsTotal.WithLabelValues(Routed.String())
	blackholedRecords = routerRecordsTotal.WithLabelValues(Blackholed.String())
	invalidRecords    = routerRecordsTotal.WithLabelValues(Invalid.String())
	unroutableRecords = routerRecordsTotal.WithLabelValues(Unroutable.String())
)

func init() {
	prometheus.MustRegister(routerRecordsTotal)
	prometheus.MustRegister(routerRewritesTotal)
	prometheus.MustRegister(routerTableSwapsTotal)
	prometheus.MustRegister(routerRules)
	prometheus.MustRegister(routerClusters)
}
