package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

var readinessFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "metrics_relay_readiness_failures_total",
	Help: "Readiness probes that failed, by check",
}, []string{"check"})

func init() {
	prometheus.MustRegister(readinessFailures)
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error describing the issue.
type CheckFunc func() error

type namedCheck struct {
	name  string
	check CheckFunc
}

// Checker provides liveness and readiness probes for the relay. Liveness
// only fails during shutdown; readiness runs every registered check.
type Checker struct {
	mu           sync.RWMutex
	checks       []namedCheck
	shuttingDown atomic.Bool
}

// New creates a new health Checker.
func New() *Checker {
	return &Checker{}
}

// RegisterReadiness registers a named readiness check, replacing an
// earlier check of the same name. The check is called on each /ready
// request and must not block.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].check = check
			return
		}
	}
	c.checks = append(c.checks, namedCheck{name: name, check: check})
	readinessFailures.WithLabelValues(name).Add(0)
}

// SetShuttingDown marks the instance as shutting down.
// After this, both /live and /ready return 503.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// ShuttingDown reports whether SetShuttingDown was called.
func (c *Checker) ShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Register mounts /live and /ready on mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.Handle("/live", c.LiveHandler())
	mux.Handle("/ready", c.ReadyHandler())
}

// LiveHandler returns an http.HandlerFunc for the /live endpoint.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeShuttingDown(w)
			return
		}
		writeJSON(w, http.StatusOK, Response{
			Status:    StatusUp,
			Timestamp: now(),
		})
	}
}

// ReadyHandler returns an http.HandlerFunc for the /ready endpoint.
// If any check fails, the response is 503 and names the failing checks.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeShuttingDown(w)
			return
		}

		c.mu.RLock()
		checks := append([]namedCheck(nil), c.checks...)
		c.mu.RUnlock()

		overall := StatusUp
		components := make(map[string]ComponentCheck, len(checks))
		for _, nc := range checks {
			if err := nc.check(); err != nil {
				overall = StatusDown
				components[nc.name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
				readinessFailures.WithLabelValues(nc.name).Inc()
				continue
			}
			components[nc.name] = ComponentCheck{Status: StatusUp}
		}

		code := http.StatusOK
		if overall == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Response{
			Status:     overall,
			Components: components,
			Timestamp:  now(),
		})
	}
}

func writeShuttingDown(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, Response{
		Status:    StatusDown,
		Timestamp: now(),
		Components: map[string]ComponentCheck{
			"process": {Status: StatusDown, Message: "shutting down"},
		},
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
