package server

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/szibis/metrics-relay/internal/logging"
)

// DefaultPort is used for server addresses given without a port.
const DefaultPort = "2003"

// NormalizeAddress returns address in host:port form, adding DefaultPort
// when no port is given.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("empty server address")
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		if !strings.Contains(err.Error(), "missing port") {
			return "", fmt.Errorf("server address %q: %w", address, err)
		}
		host, port = strings.Trim(address, "[]"), DefaultPort
	}
	if host == "" {
		return "", fmt.Errorf("server address %q: missing host", address)
	}
	return net.JoinHostPort(host, port), nil
}

// Pool holds one Conn per backend address. A server used by several
// clusters is a single Conn with a single queue.
type Pool struct {
	base Config

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewPool creates an empty pool. base supplies every setting except the
// address and compression, which come from the cluster configuration.
func NewPool(base Config) *Pool {
	return &Pool{
		base:  base,
		conns: make(map[string]*Conn),
	}
}

// Get returns the live connection for address, or nil.
func (p *Pool) Get(address string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[address]
}

// Conns returns the live connections sorted by address.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Plan starts staging the connection set of a new routing table. Nothing
// in the pool changes until Commit.
func (p *Pool) Plan() *Plan {
	return &Plan{
		pool:  p,
		conns: make(map[string]*Conn),
		fresh: make(map[string]bool),
	}
}

// Close closes every connection concurrently and waits for all of them.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	closeAll(conns)
}

// Retire closes connections that left the pool and removes their metric
// series, unless the address is back in the pool with a new connection.
func (p *Pool) Retire(conns []*Conn) {
	closeAll(conns)
	for _, c := range conns {
		if p.Get(c.Address()) == nil {
			c.Forget()
		}
	}
}

func closeAll(conns []*Conn) {
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}

// Plan is the set of connections a routing table under construction uses.
// Existing connections are reused when their settings did not change, so
// their queues and backlog survive a reload.
type Plan struct {
	pool  *Pool
	conns map[string]*Conn
	fresh map[string]bool
}

// Conn returns the connection for address with the given compression,
// reusing a live one when possible.
func (pl *Plan) Conn(address string, compression Compression) (*Conn, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if c, ok := pl.conns[addr]; ok {
		if got := c.Config().Compression; got != compression {
			return nil, fmt.Errorf("server %s: conflicting compression %s and %s", addr, got, compression)
		}
		return c, nil
	}

	live := pl.pool.Get(addr)
	if live != nil && live.Config().Compression == compression {
		pl.conns[addr] = live
		return live, nil
	}

	cfg := pl.pool.base
	cfg.Address = addr
	cfg.Compression = compression
	// A replacement leaves the address's gauges to the live Conn until
	// Commit.
	c := newConn(cfg, live != nil)
	pl.conns[addr] = c
	pl.fresh[addr] = true
	return c, nil
}

// Conns returns the planned connections sorted by address.
func (pl *Plan) Conns() []*Conn {
	out := make([]*Conn, 0, len(pl.conns))
	for _, c := range pl.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Commit makes the planned set the pool's live set and starts the new
// connections. It returns the connections that are no longer used; the
// caller retires them once nothing routes to them anymore.
func (pl *Plan) Commit() (added, removed []*Conn) {
	p := pl.pool
	p.mu.Lock()
	for addr, c := range p.conns {
		if next, ok := pl.conns[addr]; ok && next != c {
			c.detach()
		}
		if pl.conns[addr] != c {
			removed = append(removed, c)
		}
	}
	p.conns = pl.conns
	p.mu.Unlock()

	for addr, c := range pl.conns {
		if pl.fresh[addr] {
			c.attach()
			c.Start()
			added = append(added, c)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Address() < added[j].Address() })
	sort.Slice(removed, func(i, j int) bool { return removed[i].Address() < removed[j].Address() })

	for _, c := range added {
		logging.Debug("server added", logging.F("server", c.Address(), "compression", string(c.Config().Compression)))
	}
	pl.conns, pl.fresh = nil, nil
	return added, removed
}

// Abort discards the connections the plan created. Live connections are
// untouched.
func (pl *Plan) Abort() {
	for addr, c := range pl.conns {
		if pl.fresh[addr] {
			c.Close()
			if pl.pool.Get(addr) == nil {
				c.Forget()
			}
		}
	}
	pl.conns, pl.fresh = nil, nil
}
