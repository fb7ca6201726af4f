package receiver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/metrics-relay/internal/cardinality"
	"github.com/szibis/metrics-relay/internal/logging"
	"github.com/szibis/metrics-relay/internal/record"
	"github.com/szibis/metrics-relay/internal/router"
)

// ErrDispatcherStopped is returned by Assign after the dispatcher stopped.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// DispatcherConfig configures a dispatcher.
type DispatcherConfig struct {
	// MaxLineLength is the longest line accepted, without the newline.
	MaxLineLength int
	// PollInterval bounds how long a socket read waits before checking for
	// shutdown.
	PollInterval time.Duration
	// ReadSize is the size of each socket read.
	ReadSize int
}

// DefaultDispatcherConfig returns the default dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxLineLength: record.DefaultMaxLineLength,
		PollInterval:  time.Second,
		ReadSize:      16 * 1024,
	}
}

// DispatcherStats is a point-in-time view of a dispatcher's counters.
type DispatcherStats struct {
	ID          int
	Received    uint64 // lines read
	ParseErrors uint64
	Unroutable  uint64
	Blackholed  uint64
	Accepted    uint64 // connections assigned so far
	Connections int64  // connections currently owned
}

// client is one owned socket. pending and discarding are only touched by
// the dispatcher goroutine.
type client struct {
	id   uint64
	nc   net.Conn
	peer string

	pending    []byte
	discarding bool
}

// chunk is what a socket reader hands to its dispatcher: either data or
// the end of the connection.
type chunk struct {
	c   *client
	buf *[]byte
	n   int
	err error
}

// Dispatcher owns a set of client sockets. Per socket a small reader
// goroutine waits on the network; all line splitting, parsing, routing and
// enqueueing happens on the dispatcher goroutine, in the order the bytes
// arrived, so records of one socket stay in order per destination.
type Dispatcher struct {
	id     int
	cfg    DispatcherConfig
	router *router.Router

	chunks chan chunk
	bufs   sync.Pool

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  uint64
	stopped bool
	readers sync.WaitGroup

	received    atomic.Uint64
	parseErrors atomic.Uint64
	unroutable  atomic.Uint64
	blackholed  atomic.Uint64
	accepted    atomic.Uint64
	owned       atomic.Int64
	uniques     *cardinality.HLLTracker

	// owned by the dispatcher goroutine
	dsts []router.Destination
}

// NewDispatcher creates dispatcher id routing through r.
func NewDispatcher(id int, cfg DispatcherConfig, r *router.Router) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = def.MaxLineLength
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = def.ReadSize
	}

	d := &Dispatcher{
		id:      id,
		cfg:     cfg,
		router:  r,
		chunks:  make(chan chunk, 64),
		clients: make(map[uint64]*client),
		uniques: cardinality.NewHLLTracker(),
	}
	d.bufs.New = func() any {
		b := make([]byte, cfg.ReadSize)
		return &b
	}
	return d
}

// ID returns the dispatcher id.
func (d *Dispatcher) ID() int {
	return d.id
}

// Connections returns the number of sockets currently owned.
func (d *Dispatcher) Connections() int64 {
	return d.owned.Load()
}

// Stats returns the dispatcher's counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		ID:          d.id,
		Received:    d.received.Load(),
		ParseErrors: d.parseErrors.Load(),
		Unroutable:  d.unroutable.Load(),
		Blackholed:  d.blackholed.Load(),
		Accepted:    d.accepted.Load(),
		Connections: d.owned.Load(),
	}
}

// RotateUniques returns the distinct metric names seen since the previous
// call and starts a new window.
func (d *Dispatcher) RotateUniques() *cardinality.HLLTracker {
	return d.uniques.Rotate()
}

// Assign hands nc to the dispatcher, which owns it from now on. After the
// dispatcher stopped, nc is closed and ErrDispatcherStopped returned.
func (d *Dispatcher) Assign(nc net.Conn) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		_ = nc.Close()
		return ErrDispatcherStopped
	}
	d.nextID++
	c := &client{id: d.nextID, nc: nc, peer: nc.RemoteAddr().String()}
	d.clients[c.id] = c
	d.readers.Add(1)
	d.mu.Unlock()

	d.accepted.Add(1)
	d.owned.Add(1)
	receiverConnectionsTotal.Inc()
	receiverConnectionsActive.Inc()
	logging.Debug("client connected", logging.F(
		"dispatcher", d.id,
		"peer", c.peer,
	))

	go d.read(c)
	return nil
}

// Run processes socket data until ctx is done, then closes every owned
// socket and waits for their readers. Buffered partial lines are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ch := <-d.chunks:
			d.handle(ch)
		case <-ctx.Done():
			d.stop()
			return nil
		}
	}
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	for _, c := range d.clients {
		_ = c.nc.Close()
	}
	d.mu.Unlock()

	// Readers blocked on d.chunks give up once they see the closed socket
	// or the stop flag; keep draining so none of them is stuck.
	done := make(chan struct{})
	go func() {
		d.readers.Wait()
		close(done)
	}()
	for {
		select {
		case ch := <-d.chunks:
			d.discard(ch)
		case <-done:
			// No reader is left to send; empty what is still buffered.
			for {
				select {
				case ch := <-d.chunks:
					d.discard(ch)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) discard(ch chunk) {
	d.release(ch)
	if ch.err != nil {
		d.forget(ch.c)
	}
}

// read is the reader goroutine of one socket. It only moves bytes; the
// read deadline lets an idle socket notice that the dispatcher stopped.
func (d *Dispatcher) read(c *client) {
	defer d.readers.Done()
	for {
		buf := d.bufs.Get().(*[]byte)
		_ = c.nc.SetReadDeadline(time.Now().Add(d.cfg.PollInterval))
		n, err := c.nc.Read(*buf)
		if n > 0 {
			d.chunks <- chunk{c: c, buf: buf, n: n}
		} else {
			d.bufs.Put(buf)
		}

		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) && !d.isStopped() {
			continue
		}
		d.chunks <- chunk{c: c, err: err}
		return
	}
}

func (d *Dispatcher) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *Dispatcher) release(ch chunk) {
	if ch.buf != nil {
		d.bufs.Put(ch.buf)
	}
}

// handle processes one chunk on the dispatcher goroutine.
func (d *Dispatcher) handle(ch chunk) {
	if ch.err != nil {
		d.closeClient(ch.c, ch.err)
		return
	}
	d.consume(ch.c, (*ch.buf)[:ch.n])
	d.release(ch)
}

// consume splits data into lines, keeping an incomplete trailing line in
// c.pending until more data arrives.
func (d *Dispatcher) consume(c *client, data []byte) {
	limit := d.cfg.MaxLineLength
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if c.discarding {
				return
			}
			if len(c.pending)+len(data) > limit {
				// Too long already; skip everything up to the next newline.
				c.pending = c.pending[:0]
				c.discarding = true
				d.countLine()
				d.parseError(parseErrorTooLong)
				return
			}
			c.pending = append(c.pending, data...)
			return
		}

		line := data[:i]
		data = data[i+1:]
		if c.discarding {
			c.discarding = false
			continue
		}
		if len(c.pending) > 0 {
			c.pending = append(c.pending, line...)
			line = c.pending
		}
		if len(line) > limit {
			d.countLine()
			d.parseError(parseErrorTooLong)
		} else {
			d.processLine(line)
		}
		c.pending = c.pending[:0]
	}
}

func (d *Dispatcher) processLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	d.countLine()

	rec, err := record.Parse(line)
	if err != nil {
		if errors.Is(err, record.ErrControlByte) {
			d.parseError(parseErrorControl)
		} else {
			d.parseError(parseErrorFields)
		}
		return
	}
	d.uniques.Add(rec.Metric)

	var outcome router.Outcome
	d.dsts, outcome = d.router.Route(rec, d.dsts[:0])
	switch outcome {
	case router.Routed:
		router.Deliver(d.dsts)
	case router.Blackholed:
		d.blackholed.Add(1)
	case router.Invalid:
		d.parseError(parseErrorRewrite)
	default:
		d.unroutable.Add(1)
	}
	clear(d.dsts)
}

func (d *Dispatcher) countLine() {
	d.received.Add(1)
	receiverLinesTotal.Inc()
}

func (d *Dispatcher) parseError(reason interface{ Inc() }) {
	d.parseErrors.Add(1)
	reason.Inc()
}

// closeClient closes a socket that ended. Data after the last newline is
// counted as a truncated line.
func (d *Dispatcher) closeClient(c *client, cause error) {
	if len(c.pending) > 0 && !c.discarding {
		d.countLine()
		d.parseError(parseErrorTruncated)
	}
	c.pending = nil

	fields := logging.F(
		"dispatcher", d.id,
		"peer", c.peer,
	)
	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
		IncrementReceiverError("read")
		fields["error"] = cause.Error()
	}
	logging.Debug("client disconnected", fields)
	d.forget(c)
}

func (d *Dispatcher) forget(c *client) {
	_ = c.nc.Close()
	d.mu.Lock()
	_, ok := d.clients[c.id]
	delete(d.clients, c.id)
	d.mu.Unlock()
	if ok {
		d.owned.Add(-1)
		receiverConnectionsActive.Dec()
	}
}

// Name returns the dispatcher's self-metric name component.
func (d *Dispatcher) Name() string {
	return "dispatcher" + strconv.Itoa(d.id)
}
