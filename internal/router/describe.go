package router

import (
	"fmt"
	"io"
	"strings"

	"github.com/szibis/metrics-relay/internal/record"
	"github.com/szibis/metrics-relay/internal/server"
)

// Describe writes the table in a readable form: clusters with their
// members, then rules in evaluation order.
func (t *Table) Describe(w io.Writer) error {
	var b strings.Builder
	for _, c := range t.Clusters {
		fmt.Fprintf(&b, "cluster %s %s", c.Name, c.Type)
		if c.ring != nil {
			hash := c.cfg.Hash
			if hash == "" {
				hash = "xxhash"
			}
			fmt.Fprintf(&b, " replication=%d points=%d hash=%s", c.Replication, c.ring.VirtualNodes(), hash)
			if p := c.key.Pattern(); p != "" {
				fmt.Fprintf(&b, " key=%q", p)
			}
		}
		if c.cfg.Compression != "" && c.cfg.Compression != string(server.CompressionNone) {
			fmt.Fprintf(&b, " compression=%s", c.cfg.Compression)
		}
		b.WriteByte('\n')
		for _, s := range c.Servers {
			fmt.Fprintf(&b, "    %s\n", s.Address())
		}
	}
	if len(t.Clusters) > 0 {
		b.WriteByte('\n')
	}

	for _, r := range t.Rules {
		fmt.Fprintf(&b, "match %s\n", r.Match)
		switch {
		case r.isRewrite:
			fmt.Fprintf(&b, "    rewrite into %s\n", r.Rewrite)
		case r.Blackhole:
			fmt.Fprintf(&b, "    send to %s\n", Blackhole)
		default:
			fmt.Fprintf(&b, "    send to %s\n", r.Cluster.Name)
		}
		if r.Stop {
			b.WriteString("    stop\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Explain routes rec against the active table without delivering it and
// writes every rule that fired plus the final decision. Counters are not
// touched, except rewrites.
func (r *Router) Explain(w io.Writer, rec *record.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", rec.Metric)

	t := r.table.Load()
	if t == nil {
		b.WriteString("    no route table\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	dsts, outcome := t.route(rec, nil, func(s step) {
		switch {
		case s.rule.isRewrite && s.err != nil:
			fmt.Fprintf(&b, "    rewrite %s -> %q: %v\n", s.rule.Match, s.rewritten, s.err)
		case s.rule.isRewrite:
			fmt.Fprintf(&b, "    rewrite %s -> %s\n", s.rule.Match, s.rewritten)
		case s.rule.Blackhole:
			fmt.Fprintf(&b, "    match %s -> %s\n", s.rule.Match, Blackhole)
		default:
			addrs := make([]string, len(s.servers))
			for i, srv := range s.servers {
				addrs[i] = srv.Address()
			}
			fmt.Fprintf(&b, "    match %s -> %s(%s)\n", s.rule.Match, s.rule.Cluster.Name, strings.Join(addrs, ", "))
		}
		if s.rule.Stop {
			b.WriteString("    stop\n")
		}
	})

	switch outcome {
	case Routed:
		fmt.Fprintf(&b, "    => %d destination(s)", len(dsts))
		if len(dsts) > 0 && dsts[0].Record.Metric != rec.Metric {
			fmt.Fprintf(&b, " as %s", dsts[0].Record.Metric)
		}
		b.WriteByte('\n')
	case Blackholed:
		b.WriteString("    => blackholed\n")
	case Invalid:
		b.WriteString("    => dropped, invalid name after rewrite\n")
	default:
		b.WriteString("    => no match\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
