package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/szibis/metrics-relay/internal/logging"
	"github.com/szibis/metrics-relay/internal/record"
)

// ErrPeerClosed is returned when the backend closes its side of the connection.
var ErrPeerClosed = errors.New("server closed the connection")

// State is the connection state of a backend server.
type State int32

const (
	// StateConnecting means a connect attempt is in progress.
	StateConnecting State = iota
	// StateUp means the connection is established and records are flowing.
	StateUp
	// StateDown means the last attempt failed; a reconnect is scheduled.
	StateDown
	// StateDraining means shutdown started and the queue gets one last flush.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DialFunc opens the transport to a backend.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config configures a server connection.
type Config struct {
	Address      string
	QueueSize    int           // records buffered (default 25000)
	BatchSize    int           // records per write (default 2500)
	IOTimeout    time.Duration // connect and write deadline (default 2s)
	DrainTimeout time.Duration // total budget for the shutdown flush (default 5s)

	BackoffInitial time.Duration // first reconnect delay (default 500ms)
	BackoffMax     time.Duration // reconnect delay cap before jitter (default 30s)

	Compression Compression

	// Dial overrides the dialer, mostly for tests.
	Dial DialFunc
}

// DefaultConfig returns a Config with defaults for address.
func DefaultConfig(address string) Config {
	return Config{
		Address:        address,
		QueueSize:      DefaultQueueSize,
		BatchSize:      2500,
		IOTimeout:      2 * time.Second,
		DrainTimeout:   5 * time.Second,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		Compression:    CompressionNone,
	}
}

func (cfg *Config) applyDefaults() {
	def := DefaultConfig(cfg.Address)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = def.IOTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = def.BackoffMax
		if cfg.BackoffMax < cfg.BackoffInitial {
			cfg.BackoffMax = cfg.BackoffInitial
		}
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if cfg.Dial == nil {
		d := &net.Dialer{KeepAlive: 30 * time.Second}
		cfg.Dial = d.DialContext
	}
}

// Stats is a point-in-time view of a connection's counters.
type Stats struct {
	Address  string
	State    State
	Backlog  int
	Sent     uint64
	Dropped  uint64
	Failures uint64
}

// Conn owns the outbound connection to one backend: its queue, its sending
// goroutine and its reconnect state. Enqueue is safe for concurrent use by
// any number of dispatchers; only the sending goroutine dequeues.
type Conn struct {
	cfg     Config
	queue   *Queue
	metrics *connMetrics

	state       atomic.Int32
	lastFailure atomic.Int64 // unix nanoseconds
	// detached is set while another Conn for the same address owns the
	// state and queue length gauges.
	detached atomic.Bool

	sent     atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64

	wake chan struct{}

	ctx    context.Context // cancelled when Close starts
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	doneCh    chan struct{}

	// owned by the sending goroutine
	backoff *backoff.ExponentialBackOff
	batch   []*record.Record
	wbuf    []byte
}

// New creates a connection in the CONNECTING state. No network activity
// happens before Start.
func New(cfg Config) *Conn {
	return newConn(cfg, false)
}

func newConn(cfg Config, detached bool) *Conn {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:     cfg,
		queue:   NewQueue(cfg.QueueSize),
		metrics: newConnMetrics(cfg.Address),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     cfg.BackoffInitial,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         cfg.BackoffMax,
		},
		batch: make([]*record.Record, 0, cfg.BatchSize),
	}
	c.detached.Store(detached)
	c.backoff.Reset()
	c.setState(StateConnecting)
	return c
}

// Address returns the backend address.
func (c *Conn) Address() string {
	return c.cfg.Address
}

// Config returns the connection's effective configuration.
func (c *Conn) Config() Config {
	return c.cfg
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// LastFailure returns the time of the last failure, or the zero time.
func (c *Conn) LastFailure() time.Time {
	ns := c.lastFailure.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Backlog returns the number of queued records.
func (c *Conn) Backlog() int {
	return c.queue.Len()
}

// Stats returns the connection's counters.
func (c *Conn) Stats() Stats {
	return Stats{
		Address:  c.cfg.Address,
		State:    c.State(),
		Backlog:  c.queue.Len(),
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
		Failures: c.failures.Load(),
	}
}

// Start launches the sending goroutine. Calling Start more than once, or
// after Close, has no effect.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		if c.ctx.Err() != nil {
			return
		}
		c.started.Store(true)
		go c.run()
	})
}

// Enqueue queues rec for delivery and never blocks. While the connection is
// down records keep accumulating; when the queue is full the oldest record
// is evicted. It returns false only when the connection is shutting down.
func (c *Conn) Enqueue(rec *record.Record) bool {
	if st := c.State(); st == StateDraining || st == StateClosed {
		c.dropped.Add(1)
		c.metrics.rejected.Inc()
		return false
	}

	if c.queue.Push(rec) {
		c.dropped.Add(1)
		c.metrics.evicted.Inc()
	}
	// The drain may have finished between the state check and the push.
	if c.State() == StateClosed {
		c.discardQueued()
		return false
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Close moves the connection to DRAINING, gives the queue one bounded
// attempt to reach the backend and waits until the connection is CLOSED.
// Close is idempotent; concurrent callers all wait.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.startOnce.Do(func() {}) // a later Start must not launch the loop
		c.cancel()
		if !c.started.Load() {
			c.setState(StateClosed)
			c.discardQueued()
			close(c.doneCh)
		}
	})
	<-c.doneCh
}

// Done is closed once the connection reached the CLOSED state.
func (c *Conn) Done() <-chan struct{} {
	return c.doneCh
}

// Forget removes the connection's metric series. Used once a server left
// the configuration and was closed.
func (c *Conn) Forget() {
	deleteConnMetrics(c.cfg.Address)
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	if !c.detached.Load() {
		c.metrics.state.Set(float64(s))
	}
}

func (c *Conn) setQueueLength(n int) {
	if !c.detached.Load() {
		c.metrics.queueLength.Set(float64(n))
	}
}

// detach stops c from writing the gauges of its address.
func (c *Conn) detach() {
	c.detached.Store(true)
}

// attach makes c the owner of its address's gauges and publishes its
// current values.
func (c *Conn) attach() {
	c.detached.Store(false)
	c.metrics.state.Set(float64(c.State()))
	c.metrics.queueLength.Set(float64(c.queue.Len()))
}

// discardQueued drops whatever is left in the queue of a closed
// connection and counts it.
func (c *Conn) discardQueued() int {
	n := c.queue.Clear()
	if n > 0 {
		c.dropped.Add(uint64(n))
		c.metrics.rejected.Add(float64(n))
	}
	c.setQueueLength(0)
	return n
}

func (c *Conn) stopping() bool {
	return c.ctx.Err() != nil
}

// run is the sending goroutine: CONNECTING -> UP -> DOWN -> CONNECTING ...
// until Close, then DRAINING -> CLOSED.
func (c *Conn) run() {
	defer close(c.doneCh)

	var l *link
	for !c.stopping() {
		if l == nil {
			if c.State() == StateDown && !c.waitBackoff() {
				break
			}
			l = c.connect()
			continue
		}

		err := c.serve(l)
		if err == nil {
			break // shutdown requested
		}
		c.fail(err)
		l.close()
		l = nil
	}

	c.drain(l)
}

// connect dials the backend. On failure the connection is marked DOWN and
// nil is returned.
func (c *Conn) connect() *link {
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.IOTimeout)
	nc, err := c.cfg.Dial(ctx, "tcp", c.cfg.Address)
	cancel()
	if err != nil {
		if c.stopping() {
			return nil
		}
		c.fail(fmt.Errorf("connect: %w", err))
		return nil
	}

	l, err := newLink(nc, c.cfg.Compression)
	if err != nil {
		_ = nc.Close()
		c.fail(err)
		return nil
	}

	c.backoff.Reset()
	c.setState(StateUp)
	logging.Info("server connection up", logging.F(
		"server", c.cfg.Address,
		"backlog", c.queue.Len(),
	))
	return l
}

// fail records a failure and moves to DOWN.
func (c *Conn) fail(err error) {
	prev := c.State()
	c.lastFailure.Store(time.Now().UnixNano())
	c.failures.Add(1)
	c.metrics.failures.Inc()
	c.setState(StateDown)

	fields := logging.F(
		"server", c.cfg.Address,
		"error", err.Error(),
		"backlog", c.queue.Len(),
	)
	if prev == StateUp {
		logging.Warn("server connection down", fields)
	} else {
		logging.Debug("server connect failed", fields)
	}
}

// waitBackoff sleeps for the next jittered backoff delay. It returns false
// if shutdown started while waiting.
func (c *Conn) waitBackoff() bool {
	timer := time.NewTimer(c.backoff.NextBackOff())
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// serve delivers queued records over l until an error occurs or shutdown
// starts (nil error).
func (c *Conn) serve(l *link) error {
	for {
		for {
			if c.stopping() {
				return nil
			}
			n, err := c.writeBatch(l, time.Now().Add(c.cfg.IOTimeout))
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}

		select {
		case <-c.wake:
		case <-l.closed:
			return ErrPeerClosed
		case <-c.ctx.Done():
			return nil
		}
	}
}

// writeBatch writes up to BatchSize contiguous records in one write and
// removes them from the queue once written. It returns the number of
// records delivered.
func (c *Conn) writeBatch(l *link, deadline time.Time) (int, error) {
	batch, last := c.queue.Peek(c.batch[:0], c.cfg.BatchSize)
	defer func() {
		clear(batch)
		c.batch = batch[:0]
	}()
	if len(batch) == 0 {
		c.setQueueLength(0)
		return 0, nil
	}

	c.wbuf = c.wbuf[:0]
	for _, rec := range batch {
		c.wbuf = append(c.wbuf, rec.Bytes()...)
	}

	start := time.Now()
	if err := l.write(c.wbuf, deadline); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	c.metrics.writeLatency.Observe(time.Since(start).Seconds())

	c.queue.Discard(last)
	c.sent.Add(uint64(len(batch)))
	c.metrics.sent.Add(float64(len(batch)))
	c.setQueueLength(c.queue.Len())
	return len(batch), nil
}

// drain gives the queue one bounded attempt to reach the backend, then
// closes regardless of the outcome.
func (c *Conn) drain(l *link) {
	c.setState(StateDraining)
	deadline := time.Now().Add(c.cfg.DrainTimeout)
	pending := c.queue.Len()

	if l == nil && pending > 0 {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		nc, err := c.cfg.Dial(ctx, "tcp", c.cfg.Address)
		cancel()
		if err == nil {
			l, err = newLink(nc, c.cfg.Compression)
			if err != nil {
				_ = nc.Close()
			}
		}
		if err != nil {
			logging.Debug("drain connect failed", logging.F("server", c.cfg.Address, "error", err.Error()))
		}
	}

	flushed := 0
	if l != nil {
		for time.Now().Before(deadline) {
			n, err := c.writeBatch(l, deadline)
			if err != nil {
				logging.Debug("drain write failed", logging.F("server", c.cfg.Address, "error", err.Error()))
				break
			}
			if n == 0 {
				break
			}
			flushed += n
		}
		l.close()
	}

	c.setState(StateClosed)
	remaining := c.discardQueued()
	if pending > 0 {
		logging.Info("server connection drained", logging.F(
			"server", c.cfg.Address,
			"flushed", flushed,
			"lost", remaining,
		))
	}
}

// link is one established transport to a backend, optionally compressed.
type link struct {
	nc     net.Conn
	w      io.Writer
	stream streamWriter // nil when uncompressed

	closed    chan struct{} // closed when the peer hangs up or reading fails
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newLink(nc net.Conn, compression Compression) (*link, error) {
	l := &link{
		nc:     nc,
		w:      nc,
		closed: make(chan struct{}),
	}
	stream, err := newStreamWriter(compression, nc)
	if err != nil {
		return nil, err
	}
	if stream != nil {
		l.stream = stream
		l.w = stream
	}

	// Backends do not talk back; a read returning means the peer closed.
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(l.closed)
		buf := make([]byte, 512)
		for {
			if _, err := nc.Read(buf); err != nil {
				return
			}
		}
	}()
	return l, nil
}

func (l *link) write(p []byte, deadline time.Time) error {
	if err := l.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := l.w.Write(p); err != nil {
		return err
	}
	if l.stream != nil {
		return l.stream.Flush()
	}
	return nil
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		if l.stream != nil {
			_ = l.nc.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
			_ = l.stream.Close()
		}
		_ = l.nc.Close()
		l.wg.Wait()
	})
}
