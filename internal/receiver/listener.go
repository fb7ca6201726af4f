package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/metrics-relay/internal/logging"
)

// Assignment selects the dispatcher that owns a newly accepted socket.
type Assignment string

const (
	// AssignRoundRobin hands sockets to dispatchers in turn.
	AssignRoundRobin Assignment = "round_robin"
	// AssignLeastLoaded picks the dispatcher owning the fewest sockets,
	// the lowest id on ties.
	AssignLeastLoaded Assignment = "least_loaded"
)

// ParseAssignment parses an assignment policy name. Empty means round robin.
func ParseAssignment(s string) (Assignment, error) {
	switch Assignment(strings.ToLower(strings.TrimSpace(s))) {
	case "", AssignRoundRobin:
		return AssignRoundRobin, nil
	case AssignLeastLoaded:
		return AssignLeastLoaded, nil
	default:
		return "", fmt.Errorf("unknown assignment %q (want round_robin or least_loaded)", s)
	}
}

// ListenerConfig configures the listening socket.
type ListenerConfig struct {
	Address       string
	ReusePort     bool
	ReceiveBuffer int
	Assign        Assignment
}

// Listener accepts client connections and hands each one to a dispatcher,
// which owns it for the rest of its life.
type Listener struct {
	cfg         ListenerConfig
	ln          net.Listener
	dispatchers []*Dispatcher
	next        atomic.Uint64

	closeOnce sync.Once
}

// Listen binds cfg.Address. The returned listener does not accept until
// Serve is called.
func Listen(ctx context.Context, cfg ListenerConfig, dispatchers []*Dispatcher) (*Listener, error) {
	if len(dispatchers) == 0 {
		return nil, errors.New("listener needs at least one dispatcher")
	}
	if cfg.Assign == "" {
		cfg.Assign = AssignRoundRobin
	}

	lc := net.ListenConfig{Control: listenControl(cfg.ReusePort, cfg.ReceiveBuffer)}
	ln, err := lc.Listen(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	logging.Info("listener started", logging.F(
		"address", ln.Addr().String(),
		"dispatchers", len(dispatchers),
		"assign", string(cfg.Assign),
		"reuse_port", cfg.ReusePort,
	))
	return &Listener{cfg: cfg, ln: ln, dispatchers: dispatchers}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is done or the listener is closed.
// It returns nil on a clean stop.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	var delay time.Duration
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			IncrementReceiverError("accept")
			var ne net.Error
			if isResourceExhausted(err) || (errors.As(err, &ne) && ne.Timeout()) {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				logging.Warn("accept failed, retrying", logging.F(
					"error", err.Error(),
					"delay", delay.String(),
				))
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			if isConnAborted(err) {
				logging.Debug("accept failed", logging.F("error", err.Error()))
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		if err := l.pick().Assign(nc); err != nil {
			logging.Debug("connection rejected", logging.F(
				"peer", nc.RemoteAddr().String(),
				"error", err.Error(),
			))
		}
	}
}

// pick returns the dispatcher for the next socket.
func (l *Listener) pick() *Dispatcher {
	if l.cfg.Assign == AssignLeastLoaded {
		best := l.dispatchers[0]
		for _, d := range l.dispatchers[1:] {
			if d.Connections() < best.Connections() {
				best = d
			}
		}
		return best
	}
	i := l.next.Add(1) - 1
	return l.dispatchers[i%uint64(len(l.dispatchers))]
}

// Close stops accepting. Sockets already handed to dispatchers stay open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.ln.Close()
		logging.Info("listener stopped", logging.F("address", l.ln.Addr().String()))
	})
	return err
}
