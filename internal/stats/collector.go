package stats

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/szibis/metrics-relay/internal/logging"
	"github.com/szibis/metrics-relay/internal/record"
)

// DefaultInterval is how often the collector samples when no interval is
// configured.
const DefaultInterval = 60 * time.Second

// Sink receives the records built from samples. The relay routes them
// exactly like client records.
type Sink func(rec *record.Record)

// Config configures a Collector.
type Config struct {
	// Prefix is prepended to every sample name, joined with a dot.
	Prefix   string
	Interval time.Duration
}

// DefaultPrefix returns the self-metric prefix for hostname.
func DefaultPrefix(hostname string) string {
	if hostname == "" {
		hostname = "unknown"
	}
	return "carbon.relays." + Component(hostname)
}

// Component turns s into a single metric name component: dots, colons and
// blanks become underscores.
func Component(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ':', ' ', '\t', '/':
			return '_'
		}
		return r
	}, s)
}

// Collector periodically samples its sources and feeds the samples back to
// the sink as metric records. Counters are reported as the change since the
// previous collection, gauges as their current value.
type Collector struct {
	cfg  Config
	sink Sink

	mu      sync.Mutex
	sources []Source
	prev    map[string]float64
	seen    map[string]float64
	buf     []Sample
}

// NewCollector creates a collector. It does nothing until Run or Collect
// is called.
func NewCollector(cfg Config, sink Sink, sources ...Source) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, ".")
	return &Collector{
		cfg:     cfg,
		sink:    sink,
		sources: sources,
		prev:    make(map[string]float64),
		seen:    make(map[string]float64),
	}
}

// AddSource registers another source.
func (c *Collector) AddSource(src Source) {
	c.mu.Lock()
	c.sources = append(c.sources, src)
	c.mu.Unlock()
}

// Prefix returns the configured name prefix.
func (c *Collector) Prefix() string {
	return c.cfg.Prefix
}

// Interval returns the sampling interval.
func (c *Collector) Interval() time.Duration {
	return c.cfg.Interval
}

// Run collects every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	logging.Info("collector started", logging.F(
		"prefix", c.cfg.Prefix,
		"interval", c.cfg.Interval.String(),
	))
	for {
		select {
		case <-ctx.Done():
			logging.Info("collector stopped")
			return
		case now := <-ticker.C:
			c.Collect(now)
		}
	}
}

// Collect samples every source once, stamps the records with now and hands
// them to the sink. It returns the number of records produced.
func (c *Collector) Collect(now time.Time) int {
	start := time.Now()

	c.mu.Lock()
	c.buf = c.buf[:0]
	for _, src := range c.sources {
		c.buf = src.Samples(c.buf)
	}

	ts := strconv.FormatInt(now.Unix(), 10)
	recs := make([]*record.Record, 0, len(c.buf))
	for _, s := range c.buf {
		v := s.Value
		if s.Kind == Counter {
			c.seen[s.Name] = v
			if p, ok := c.prev[s.Name]; ok && v >= p {
				v -= p
			}
		}
		recs = append(recs, record.New(c.name(s.Name), formatValue(v), ts))
	}
	// Counters that disappeared start from zero if they come back.
	c.prev, c.seen = c.seen, c.prev
	clear(c.seen)
	c.mu.Unlock()

	for _, rec := range recs {
		c.sink(rec)
	}

	collectorRunsTotal.Inc()
	collectorRecordsTotal.Add(float64(len(recs)))
	collectorDuration.Observe(time.Since(start).Seconds())
	return len(recs)
}

func (c *Collector) name(n string) string {
	if c.cfg.Prefix == "" {
		return n
	}
	return c.cfg.Prefix + "." + n
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
