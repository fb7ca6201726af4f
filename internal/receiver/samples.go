package receiver

import (
	"github.com/szibis/metrics-relay/internal/cardinality"
	"github.com/szibis/metrics-relay/internal/logging"
	"github.com/szibis/metrics-relay/internal/stats"
)

// Source reports the dispatchers' counters to the collector, summed over
// all dispatchers and once per dispatcher under "dispatcherN.".
// metricsUnique is the distinct name count since the previous collection.
func Source(dispatchers []*Dispatcher) stats.Source {
	return stats.SourceFunc(func(dst []stats.Sample) []stats.Sample {
		var total DispatcherStats
		unique := cardinality.NewHLLTracker()

		for _, d := range dispatchers {
			s := d.Stats()
			window := d.RotateUniques()
			if err := unique.Merge(window); err != nil {
				logging.Warn("merging unique metric estimate failed", logging.F(
					"dispatcher", d.id,
					"error", err.Error(),
				))
			}

			dst = appendDispatcherSamples(dst, d.Name()+".", s, window.Count())

			total.Received += s.Received
			total.ParseErrors += s.ParseErrors
			total.Unroutable += s.Unroutable
			total.Blackholed += s.Blackholed
			total.Accepted += s.Accepted
			total.Connections += s.Connections
		}
		return appendDispatcherSamples(dst, "", total, unique.Count())
	})
}

func appendDispatcherSamples(dst []stats.Sample, prefix string, s DispatcherStats, unique int64) []stats.Sample {
	return append(dst,
		stats.CounterSample(prefix+"metricsReceived", s.Received),
		stats.CounterSample(prefix+"metricsParseErrors", s.ParseErrors),
		stats.CounterSample(prefix+"metricsUnroutable", s.Unroutable),
		stats.CounterSample(prefix+"metricsBlackholed", s.Blackholed),
		stats.CounterSample(prefix+"connectionsAccepted", s.Accepted),
		stats.GaugeSample(prefix+"connections", float64(s.Connections)),
		stats.GaugeSample(prefix+"metricsUnique", float64(unique)),
	)
}
