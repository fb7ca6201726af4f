package sharding

import "github.com/prometheus/client_golang/prometheus"

var (
	shardingRingBuildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_relay_sharding_ring_builds_total",
		Help: "Total number of consistent hash rings built",
	})

	shardingRingMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metrics_relay_sharding_ring_members",
		Help: "Current number of members per hash cluster",
	}, []string{"cluster"})

	shardingFailoverTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_relay_sharding_failover_total",
		Help: "Records routed past a DOWN ring member to a healthy one",
	}, []string{"cluster"})
)

func init() {
	prometheus.MustRegister(shardingRingBuildsTotal)
	prometheus.MustRegister(shardingRingMembers)
	prometheus.MustRegister(shardingFailoverTotal)
}

// IncrementRehash increments the ring build counter.
func IncrementRehash() {
	shardingRingBuildsTotal.Inc()
}

// SetRingMembers sets the member count gauge for a cluster.
func SetRingMembers(cluster string, count int) {
	shardingRingMembers.WithLabelValues(cluster).Set(float64(count))
}

// DeleteRingMembers removes the gauge of a cluster that no longer exists.
func DeleteRingMembers(cluster string) {
	shardingRingMembers.DeleteLabelValues(cluster)
}

// IncrementFailover counts a record that skipped a DOWN member.
func IncrementFailover(cluster string) {
	shardingFailoverTotal.WithLabelValues(cluster).Inc()
}
