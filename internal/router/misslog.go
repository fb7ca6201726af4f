package router

import (
	"github.com/szibis/metrics-relay/internal/cardinality"
	"github.com/szibis/metrics-relay/internal/logging"
)

// missLog logs each unroutable metric name once. The Bloom filter starts
// over every 10K names, so a name may be logged again after that.
type missLog struct {
	seen *cardinality.BloomTracker
}

func newMissLog() *missLog {
	return &missLog{seen: cardinality.NewBloomTracker(cardinality.Config{
		ExpectedItems:     10000,
		FalsePositiveRate: 0.001,
	})}
}

func (m *missLog) observe(metric string) {
	if !m.seen.Add(metric) {
		return
	}
	logging.Warn("no route for metric", logging.F("metric", metric))
}

// reset forgets logged names, so the misses of a new table are reported.
func (m *missLog) reset() {
	m.seen.Reset()
}
