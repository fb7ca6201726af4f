package router

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/szibis/metrics-relay/internal/logging"
	"github.com/szibis/metrics-relay/internal/server"
	"github.com/szibis/metrics-relay/internal/sharding"
)

var (
	// ErrUnknownCluster is returned when a rule sends to a cluster that is
	// not defined.
	ErrUnknownCluster = errors.New("unknown cluster")
	// ErrNoRules is returned for a configuration without rules.
	ErrNoRules = errors.New("no routing rules")
)

// ConnSource hands out server connections by address. server.Plan
// implements it.
type ConnSource interface {
	Conn(address string, compression server.Compression) (*server.Conn, error)
}

// backrefs matches \1 style back references in rewrite templates.
var backrefs = regexp.MustCompile(`\\(\d+)`)

// Compile builds a Table from cfg, taking connections from src. All
// problems are reported together; on error no Table is returned and the
// caller must keep the previous one (or refuse to start).
func Compile(cfg Config, src ConnSource) (*Table, error) {
	var errs []error

	t := &Table{byName: make(map[string]*Cluster, len(cfg.Clusters))}
	servers := make(map[*server.Conn]bool)

	for i, cc := range cfg.Clusters {
		c, err := compileCluster(cc, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("cluster %d (%s): %w", i, cc.Name, err))
			continue
		}
		if _, dup := t.byName[c.Name]; dup {
			errs = append(errs, fmt.Errorf("cluster %d (%s): duplicate name", i, cc.Name))
			continue
		}
		t.byName[c.Name] = c
		t.Clusters = append(t.Clusters, c)
		for _, s := range c.Servers {
			if !servers[s] {
				servers[s] = true
				t.Servers = append(t.Servers, s)
			}
		}
	}

	if len(cfg.Rules) == 0 {
		errs = append(errs, ErrNoRules)
	}
	used := make(map[string]bool)
	for i, rc := range cfg.Rules {
		r, err := compileRule(rc, t.byName)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i, rc.Match, err))
			continue
		}
		if r.Cluster != nil {
			used[r.Cluster.Name] = true
		}
		t.Rules = append(t.Rules, r)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, c := range t.Clusters {
		if !used[c.Name] {
			logging.Warn("cluster not used by any rule", logging.F("cluster", c.Name))
		}
	}
	sort.Slice(t.Servers, func(i, j int) bool { return t.Servers[i].Address() < t.Servers[j].Address() })
	return t, nil
}

func compileCluster(cc ClusterConfig, src ConnSource) (*Cluster, error) {
	name := strings.TrimSpace(cc.Name)
	switch {
	case name == "":
		return nil, errors.New("name is required")
	case name == Blackhole:
		return nil, fmt.Errorf("%q is a reserved name", Blackhole)
	case len(cc.Servers) == 0:
		return nil, errors.New("at least one server is required")
	}

	typ := cc.Type
	if typ == "" {
		typ = ClusterForward
	}
	if typ != ClusterForward && typ != ClusterConsistentHash {
		return nil, fmt.Errorf("unknown type %q (want %s or %s)", cc.Type, ClusterForward, ClusterConsistentHash)
	}

	compression, err := server.ParseCompression(cc.Compression)
	if err != nil {
		return nil, err
	}

	c := &Cluster{Name: name, Type: typ, Replication: 1, cfg: cc}

	byAddr := make(map[string]*server.Conn, len(cc.Servers))
	var addrs []string
	for _, s := range cc.Servers {
		conn, err := src.Conn(s, compression)
		if err != nil {
			return nil, err
		}
		if _, dup := byAddr[conn.Address()]; dup {
			continue
		}
		byAddr[conn.Address()] = conn
		addrs = append(addrs, conn.Address())
	}

	if typ == ClusterForward {
		for _, a := range addrs {
			c.Servers = append(c.Servers, byAddr[a])
		}
		return c, nil
	}

	if cc.Replication > 0 {
		c.Replication = cc.Replication
	}
	if c.Replication > len(addrs) {
		return nil, fmt.Errorf("replication %d exceeds the %d distinct servers", c.Replication, len(addrs))
	}
	if cc.Points < 0 {
		return nil, fmt.Errorf("points must be positive, got %d", cc.Points)
	}
	hash, err := sharding.ParseHash(cc.Hash)
	if err != nil {
		return nil, err
	}
	c.key, err = sharding.NewShardKeyBuilder(sharding.ShardKeyConfig{Pattern: cc.Key})
	if err != nil {
		return nil, err
	}

	c.ring = sharding.Build(addrs, cc.Points, hash)
	for _, a := range c.ring.Members() {
		c.Servers = append(c.Servers, byAddr[a])
	}
	return c, nil
}

func compileRule(rc RuleConfig, clusters map[string]*Cluster) (*Rule, error) {
	match := strings.TrimSpace(rc.Match)
	if match == "" {
		return nil, errors.New("match is required")
	}
	r := &Rule{Match: match, Stop: rc.Stop}

	if match != CatchAll {
		re, err := regexp.Compile(match)
		if err != nil {
			return nil, fmt.Errorf("invalid match: %w", err)
		}
		r.re = re
	}

	switch {
	case rc.Rewrite != "" && rc.Cluster != "":
		return nil, errors.New("a rule takes either cluster or rewrite, not both")
	case rc.Rewrite != "":
		if r.re == nil {
			return nil, errors.New("rewrite rules need a regular expression match")
		}
		if rc.Stop {
			return nil, errors.New("rewrite rules cannot stop")
		}
		if strings.IndexFunc(rc.Rewrite, func(c rune) bool { return c <= ' ' || c == 0x7f }) >= 0 {
			return nil, errors.New("rewrite template must not contain blanks or control characters")
		}
		r.isRewrite = true
		r.Rewrite = backrefs.ReplaceAllString(rc.Rewrite, "$${$1}")
	case rc.Cluster == Blackhole:
		r.Blackhole = true
	case rc.Cluster == "":
		return nil, errors.New("cluster or rewrite is required")
	default:
		c, ok := clusters[rc.Cluster]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownCluster, rc.Cluster)
		}
		r.Cluster = c
	}
	return r, nil
}
