package router

import (
	"regexp"
	"sync/atomic"

	"github.com/szibis/metrics-relay/internal/record"
	"github.com/szibis/metrics-relay/internal/server"
	"github.com/szibis/metrics-relay/internal/sharding"
)

// Outcome is what happened to a routed record.
type Outcome int

const (
	// Unroutable means no rule sent the record anywhere.
	Unroutable Outcome = iota
	// Routed means the record has at least one destination.
	Routed
	// Blackholed means the record was dropped on purpose by a blackhole rule.
	Blackholed
	// Invalid means a rewrite produced a name that cannot go on the wire.
	// The record is dropped.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Routed:
		return "routed"
	case Blackholed:
		return "blackholed"
	case Invalid:
		return "invalid"
	default:
		return "unroutable"
	}
}

// Destination is one server a record goes to. Record differs from the
// routed record when a rewrite rule changed the metric name.
type Destination struct {
	Server *server.Conn
	Record *record.Record
}

// Cluster is a compiled cluster.
type Cluster struct {
	Name string
	Type ClusterType

	// Servers are the members. For consistent_hash clusters they are in
	// ring member order.
	Servers []*server.Conn

	Replication int

	ring *sharding.Ring
	key  *sharding.ShardKeyBuilder
	cfg  ClusterConfig
}

// Ring returns the hash ring of a consistent_hash cluster, or nil.
func (c *Cluster) Ring() *sharding.Ring {
	return c.ring
}

// appendDestinations adds the cluster's servers for rec to dst, skipping
// servers already present from index start on.
func (c *Cluster) appendDestinations(dst []Destination, start int, rec *record.Record) []Destination {
	if c.ring == nil {
		for _, s := range c.Servers {
			dst = appendUnique(dst, start, Destination{Server: s, Record: rec})
		}
		return dst
	}

	var scratch [16]int
	key := c.key.BuildKey(rec.Metric)
	picked := c.ring.AppendLookup(scratch[:0], key, c.Replication)

	healthy := true
	for _, m := range picked {
		if c.Servers[m].State() == server.StateDown {
			healthy = false
			break
		}
	}
	if !healthy {
		picked = c.failover(c.ring.AppendLookup(scratch[:0], key, c.ring.Size()))
	}

	for _, m := range picked {
		dst = appendUnique(dst, start, Destination{Server: c.Servers[m], Record: rec})
	}
	return dst
}

// failover picks Replication members from the full ring order, preferring
// members that are not DOWN. DOWN members are used only to fill up, so a
// record is never left without a destination.
func (c *Cluster) failover(order []int) []int {
	var (
		buf    [16]int
		picked = buf[:0]
		down   []int
	)
	for _, m := range order {
		if len(picked) == c.Replication {
			break
		}
		if c.Servers[m].State() == server.StateDown {
			down = append(down, m)
			continue
		}
		picked = append(picked, m)
	}
	for _, m := range down {
		if len(picked) == c.Replication {
			break
		}
		picked = append(picked, m)
	}
	if len(down) > 0 {
		sharding.IncrementFailover(c.Name)
	}

	out := order[:0]
	return append(out, picked...)
}

func appendUnique(dst []Destination, start int, d Destination) []Destination {
	for _, have := range dst[start:] {
		if have.Server == d.Server {
			return dst
		}
	}
	return append(dst, d)
}

// Rule is a compiled rule.
type Rule struct {
	Match string
	Stop  bool

	// Cluster is set for rules that send to a cluster.
	Cluster *Cluster
	// Blackhole is set for rules that drop matching records.
	Blackhole bool
	// Rewrite is the replacement template of a rewrite rule.
	Rewrite string

	re        *regexp.Regexp // nil matches everything
	isRewrite bool
}

// Matches reports whether the rule applies to metric.
func (r *Rule) Matches(metric string) bool {
	return r.re == nil || r.re.MatchString(metric)
}

// IsRewrite reports whether the rule rewrites names.
func (r *Rule) IsRewrite() bool {
	return r.isRewrite
}

// rewrite replaces the first match in metric with the expanded template.
func (r *Rule) rewrite(metric string) string {
	loc := r.re.FindStringSubmatchIndex(metric)
	if loc == nil {
		return metric
	}
	out := make([]byte, 0, len(metric)+len(r.Rewrite))
	out = append(out, metric[:loc[0]]...)
	out = r.re.ExpandString(out, r.Rewrite, metric, loc)
	out = append(out, metric[loc[1]:]...)
	return string(out)
}

// Table is an immutable compiled route table. A new configuration produces
// a new Table; tables are never modified once built.
type Table struct {
	Clusters []*Cluster
	Rules    []*Rule
	// Servers are the distinct servers used by the clusters, by address.
	Servers []*server.Conn

	byName map[string]*Cluster
}

// Cluster returns the named cluster, or nil.
func (t *Table) Cluster(name string) *Cluster {
	return t.byName[name]
}

// step is one rule that fired while routing, for Explain.
type step struct {
	rule      *Rule
	rewritten string
	err       error
	servers   []*server.Conn
}

// route evaluates t's rules against rec in order, appending destinations
// to dst. trace, when set, is called for every rule that fired.
func (t *Table) route(rec *record.Record, dst []Destination, trace func(step)) ([]Destination, Outcome) {
	start := len(dst)
	blackholed := false
	cur := rec

	for _, rule := range t.Rules {
		if !rule.Matches(cur.Metric) {
			continue
		}

		switch {
		case rule.isRewrite:
			name := rule.rewrite(cur.Metric)
			if err := record.CheckMetric(name); err != nil {
				if trace != nil {
					trace(step{rule: rule, rewritten: name, err: err})
				}
				clear(dst[start:])
				return dst[:start], Invalid
			}
			if name != cur.Metric {
				routerRewritesTotal.Inc()
			}
			cur = cur.WithMetric(name)
			if trace != nil {
				trace(step{rule: rule, rewritten: name})
			}
			continue
		case rule.Blackhole:
			blackholed = true
			if trace != nil {
				trace(step{rule: rule})
			}
		default:
			before := len(dst)
			dst = rule.Cluster.appendDestinations(dst, start, cur)
			if trace != nil {
				s := step{rule: rule}
				for _, d := range dst[before:] {
					s.servers = append(s.servers, d.Server)
				}
				trace(s)
			}
		}

		if rule.Stop {
			break
		}
	}

	switch {
	case len(dst) > start:
		return dst, Routed
	case blackholed:
		return dst, Blackholed
	default:
		return dst, Unroutable
	}
}

// Router routes records against the active Table. The table is swapped
// atomically; a routing call sees either the old or the new table, never
// a mix.
type Router struct {
	table  atomic.Pointer[Table]
	misses *missLog
}

// New creates a router with t active. t may be nil, in which case every
// record is unroutable until Swap.
func New(t *Table) *Router {
	r := &Router{misses: newMissLog()}
	if t != nil {
		r.Swap(t)
	}
	return r
}

// Table returns the active table, or nil.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Swap activates t and returns the previously active table.
func (r *Router) Swap(t *Table) *Table {
	old := r.table.Swap(t)

	routerTableSwapsTotal.Inc()
	routerRules.Set(float64(len(t.Rules)))
	routerClusters.Set(float64(len(t.Clusters)))
	for _, c := range t.Clusters {
		sharding.SetRingMembers(c.Name, len(c.Servers))
	}
	if old != nil {
		for _, c := range old.Clusters {
			if t.Cluster(c.Name) == nil {
				sharding.DeleteRingMembers(c.Name)
			}
		}
	}
	r.misses.reset()
	return old
}

// Route appends the destinations of rec to dst and reports the outcome.
// Destinations are distinct servers. Route never blocks.
func (r *Router) Route(rec *record.Record, dst []Destination) ([]Destination, Outcome) {
	t := r.table.Load()
	if t == nil {
		unroutableRecords.Inc()
		return dst, Unroutable
	}

	dst, outcome := t.route(rec, dst, nil)
	switch outcome {
	case Routed:
		routedRecords.Inc()
	case Blackholed:
		blackholedRecords.Inc()
	case Invalid:
		invalidRecords.Inc()
	default:
		unroutableRecords.Inc()
		r.misses.observe(rec.Metric)
	}
	return dst, outcome
}

// Deliver enqueues each destination's record on its server and returns how
// many were accepted. Drops are counted by the servers themselves.
func Deliver(dsts []Destination) int {
	accepted := 0
	for _, d := range dsts {
		if d.Server.Enqueue(d.Record) {
			accepted++
		}
	}
	return accepted
}
