package receiver

import (
	"testing"

	"github.com/szibis/metrics-relay/internal/stats"
)

func TestSource_AggregateAndPerDispatcher(t *testing.T) {
	b := newBackend(t)
	r := newRouter(t, b)
	cfg := DefaultDispatcherConfig()
	d0 := NewDispatcher(0, cfg, r)
	d1 := NewDispatcher(1, cfg, r)
	startDispatcher(t, d0)
	startDispatcher(t, d1)

	write(t, connect(t, d0), "app.a 1 1000\napp.b 1 1000\nbad\n")
	write(t, connect(t, d1), "app.a 1 1000\ndrop.x 1 1000\n")
	waitFor(t, "all lines handled", func() bool {
		return len(b.lines()) == 3 && d0.Stats().ParseErrors == 1 && d1.Stats().Blackholed == 1
	})

	src := Source([]*Dispatcher{d0, d1})
	got := make(map[string]stats.Sample)
	for _, s := range src.Samples(nil) {
		got[s.Name] = s
	}

	want := map[string]float64{
		"metricsReceived":               5,
		"metricsParseErrors":            1,
		"metricsBlackholed":             1,
		"connections":                   2,
		"metricsUnique":                 3,
		"dispatcher0.metricsReceived":   3,
		"dispatcher0.metricsUnique":     2,
		"dispatcher1.metricsBlackholed": 1,
		"dispatcher1.connections":       1,
	}
	for name, v := range want {
		s, ok := got[name]
		if !ok {
			t.Errorf("missing sample %s", name)
			continue
		}
		if s.Value != v {
			t.Errorf("%s = %v, want %v", name, s.Value, v)
		}
	}
	if got["metricsReceived"].Kind != stats.Counter {
		t.Error("metricsReceived must be a counter")
	}
	if got["connections"].Kind != stats.Gauge {
		t.Error("connections must be a gauge")
	}

	// The unique window restarts after every collection.
	for _, s := range src.Samples(nil) {
		if s.Name == "metricsUnique" && s.Value != 0 {
			t.Errorf("metricsUnique after rotation = %v, want 0", s.Value)
		}
	}
}
