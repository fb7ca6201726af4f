package server

import (
	"github.com/szibis/metrics-relay/internal/stats"
)

// Source reports every connection currently in the pool to the collector
// under "destinations.<address>.".
func (p *Pool) Source() stats.Source {
	return stats.SourceFunc(func(dst []stats.Sample) []stats.Sample {
		for _, c := range p.Conns() {
			dst = appendConnSamples(dst, c.Stats())
		}
		return dst
	})
}

func appendConnSamples(dst []stats.Sample, s Stats) []stats.Sample {
	prefix := "destinations." + stats.Component(s.Address) + "."
	return append(dst,
		stats.CounterSample(prefix+"sent", s.Sent),
		stats.CounterSample(prefix+"dropped", s.Dropped),
		stats.CounterSample(prefix+"failures", s.Failures),
		stats.GaugeSample(prefix+"queued", float64(s.Backlog)),
		stats.GaugeSample(prefix+"state", float64(s.State)),
	)
}
