package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/metrics-relay/internal/logging"
	"github.com/szibis/metrics-relay/internal/receiver"
	"github.com/szibis/metrics-relay/internal/record"
	"github.com/szibis/metrics-relay/internal/router"
	"github.com/szibis/metrics-relay/internal/server"
	"github.com/szibis/metrics-relay/internal/stats"
)

var (
	// ErrShutdown is returned by operations on a relay that was shut down.
	ErrShutdown = errors.New("relay is shut down")
	// ErrNoWorkers is returned by Listen before StartWorkers.
	ErrNoWorkers = errors.New("workers not started")
)

// DefaultRetireGrace is how long servers dropped by a reload keep
// accepting records routed by the previous table.
const DefaultRetireGrace = 100 * time.Millisecond

// Config holds everything the relay core needs.
type Config struct {
	Listener   receiver.ListenerConfig
	Dispatcher receiver.DispatcherConfig
	// Server is the template for every backend connection; the address and
	// compression come from the route table.
	Server server.Config
	Routes router.Config
	// RetireGrace delays draining removed servers after a reload so records
	// routed by the old table still reach them (default 100ms).
	RetireGrace time.Duration
}

// Relay ties the pieces together: the listener hands sockets to the
// dispatchers, which route records onto the server connections of the
// pool. Every long-running task belongs to one errgroup so Shutdown can
// wait for all of them.
type Relay struct {
	cfg    Config
	pool   *server.Pool
	router *router.Router

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu          sync.Mutex
	closed      bool
	dispatchers []*receiver.Dispatcher
	listener    *receiver.Listener
	collector   *stats.Collector

	shutdownOnce sync.Once
	shutdownErr  error

	// used only by the collector goroutine
	sinkBuf []router.Destination
}

// New compiles the route table and opens the backend connections. A bad
// route table is an error: the relay never starts with a partial table.
func New(cfg Config) (*Relay, error) {
	if cfg.RetireGrace <= 0 {
		cfg.RetireGrace = DefaultRetireGrace
	}
	pool := server.NewPool(cfg.Server)
	plan := pool.Plan()
	table, err := router.Compile(cfg.Routes, plan)
	if err != nil {
		plan.Abort()
		return nil, fmt.Errorf("invalid route table: %w", err)
	}
	plan.Commit()

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	r := &Relay{
		cfg:    cfg,
		pool:   pool,
		router: router.New(table),
		ctx:    gctx,
		cancel: cancel,
		group:  group,
	}

	var sb strings.Builder
	_ = table.Describe(&sb)
	logging.Info("route table loaded", logging.F(
		"clusters", len(table.Clusters),
		"rules", len(table.Rules),
		"servers", len(table.Servers),
		"table", sb.String(),
	))
	setRouteGauges(table)
	return r, nil
}

// Router returns the live router.
func (r *Relay) Router() *router.Router {
	return r.router
}

// Pool returns the backend connection pool.
func (r *Relay) Pool() *server.Pool {
	return r.pool
}

// Done is closed when the relay stops, either by Shutdown or because a
// task failed.
func (r *Relay) Done() <-chan struct{} {
	return r.ctx.Done()
}

// StartWorkers starts count dispatchers. It may only be called once.
func (r *Relay) StartWorkers(count int) error {
	if count <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", count)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrShutdown
	case r.dispatchers != nil:
		return errors.New("workers already started")
	}

	r.dispatchers = make([]*receiver.Dispatcher, count)
	for i := range r.dispatchers {
		d := receiver.NewDispatcher(i, r.cfg.Dispatcher, r.router)
		r.dispatchers[i] = d
		r.group.Go(func() error {
			return d.Run(r.ctx)
		})
	}
	workersGauge.Set(float64(count))
	logging.Info("workers started", logging.F("workers", count))
	return nil
}

// Listen binds the client listener and starts accepting. Failing to bind
// is an error the caller should treat as fatal.
func (r *Relay) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrShutdown
	case r.dispatchers == nil:
		return ErrNoWorkers
	case r.listener != nil:
		return errors.New("already listening")
	}

	l, err := receiver.Listen(r.ctx, r.cfg.Listener, r.dispatchers)
	if err != nil {
		return err
	}
	r.listener = l
	r.group.Go(func() error {
		return l.Serve(r.ctx)
	})
	return nil
}

// Addr returns the listener address, or "" before Listen.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// StartCollector starts feeding self-metrics into the router every
// cfg.Interval. Dispatcher samples are only included when the workers were
// started first.
func (r *Relay) StartCollector(cfg stats.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrShutdown
	case r.collector != nil:
		return errors.New("collector already started")
	}

	sources := []stats.Source{r.pool.Source(), stats.NewRuntimeSource()}
	if r.dispatchers != nil {
		sources = append([]stats.Source{receiver.Source(r.dispatchers)}, sources...)
	}
	c := stats.NewCollector(cfg, r.routeSelf, sources...)
	r.collector = c
	r.group.Go(func() error {
		c.Run(r.ctx)
		return nil
	})
	return nil
}

// Collector returns the running collector, or nil.
func (r *Relay) Collector() *stats.Collector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collector
}

// routeSelf is the collector's sink: self-metrics take the same path as
// client records.
func (r *Relay) routeSelf(rec *record.Record) {
	var outcome router.Outcome
	r.sinkBuf, outcome = r.router.Route(rec, r.sinkBuf[:0])
	if outcome == router.Routed {
		router.Deliver(r.sinkBuf)
	}
	clear(r.sinkBuf)
}

// Reload compiles cfg and swaps it in. Servers kept by the new table keep
// their connection and queue; new servers are connected; servers no longer
// used are drained and closed after the swap. On error nothing changes.
func (r *Relay) Reload(cfg router.Config) error {
	start := time.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}

	plan := r.pool.Plan()
	table, err := router.Compile(cfg, plan)
	if err != nil {
		r.mu.Unlock()
		plan.Abort()
		reloadFailures.Inc()
		logging.Error("reload rejected, keeping the current route table", logging.F("error", err.Error()))
		return fmt.Errorf("reload rejected: %w", err)
	}
	added, removed := plan.Commit()
	old := r.router.Swap(table)
	r.cfg.Routes = cfg
	grace := r.cfg.RetireGrace
	r.mu.Unlock()

	// Removed servers are out of the pool; drain them without holding the
	// lock, once dispatchers still routing with the old table are done.
	if len(removed) > 0 {
		t := time.NewTimer(grace)
		select {
		case <-t.C:
		case <-r.ctx.Done():
			t.Stop()
		}
	}
	r.pool.Retire(removed)

	reloadSuccesses.Inc()
	lastReloadTimestamp.SetToCurrentTime()
	setRouteGauges(table)

	var sb strings.Builder
	_ = table.Describe(&sb)
	logging.Info("route table reloaded", logging.F(
		"servers_added", addresses(added),
		"servers_removed", addresses(removed),
		"servers_kept", len(table.Servers)-len(added),
		"rules_before", ruleCount(old),
		"rules_after", len(table.Rules),
		"clusters", len(table.Clusters),
		"duration_ms", time.Since(start).Milliseconds(),
		"table", sb.String(),
	))
	return nil
}

// Shutdown stops accepting, stops the dispatchers and the collector, then
// gives every server connection one bounded attempt to flush its queue.
// It is idempotent; every caller waits for the first one to finish.
func (r *Relay) Shutdown() error {
	r.shutdownOnce.Do(func() {
		start := time.Now()
		logging.Info("relay shutting down")

		r.mu.Lock()
		r.closed = true
		l := r.listener
		r.mu.Unlock()

		if l != nil {
			_ = l.Close()
		}
		r.cancel()
		r.shutdownErr = r.group.Wait()
		r.pool.Close()

		fields := logging.F("duration_ms", time.Since(start).Milliseconds())
		if r.shutdownErr != nil {
			fields["error"] = r.shutdownErr.Error()
		}
		logging.Info("relay stopped", fields)
	})
	return r.shutdownErr
}

// Ready reports why the relay cannot serve traffic, or nil.
func (r *Relay) Ready() error {
	r.mu.Lock()
	closed, listening := r.closed, r.listener != nil
	r.mu.Unlock()

	switch {
	case closed:
		return ErrShutdown
	case !listening:
		return errors.New("listener not bound")
	}
	return r.BackendsReady()
}

// BackendsReady returns an error naming every cluster whose servers are
// all down.
func (r *Relay) BackendsReady() error {
	table := r.router.Table()
	if table == nil {
		return errors.New("no route table loaded")
	}
	var down []string
	for _, c := range table.Clusters {
		up := false
		for _, s := range c.Servers {
			if s.State() != server.StateDown {
				up = true
				break
			}
		}
		if !up {
			down = append(down, c.Name)
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("all servers down in cluster(s): %s", strings.Join(down, ", "))
	}
	return nil
}

func addresses(conns []*server.Conn) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.Address()
	}
	return out
}

func ruleCount(t *router.Table) int {
	if t == nil {
		return 0
	}
	return len(t.Rules)
}
