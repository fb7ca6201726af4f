package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLiveHandler_Healthy(t *testing.T) {
	c := New()
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()

	c.LiveHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusUp {
		t.Fatalf("expected status up, got %s", resp.Status)
	}
}

func TestLiveHandler_ShuttingDown(t *testing.T) {
	c := New()
	c.SetShuttingDown()

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()

	c.LiveHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusDown {
		t.Fatalf("expected status down, got %s", resp.Status)
	}
}

func TestReadyHandler_AllHealthy(t *testing.T) {
	c := New()
	c.RegisterReadiness("listener", func() error { return nil })
	c.RegisterReadiness("routes", func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	c.ReadyHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusUp {
		t.Fatalf("expected status up, got %s", resp.Status)
	}
	if len(resp.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(resp.Components))
	}
}

func TestReadyHandler_OneDown(t *testing.T) {
	c := New()
	c.RegisterReadiness("listener", func() error { return nil })
	c.RegisterReadiness("backends", func() error {
		return errors.New("all servers down in cluster(s): main")
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	c.ReadyHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusDown {
		t.Fatalf("expected status down, got %s", resp.Status)
	}
	backends := resp.Components["backends"]
	if backends.Status != StatusDown {
		t.Fatalf("expected backends down, got %s", backends.Status)
	}
	if backends.Message != "all servers down in cluster(s): main" {
		t.Fatalf("unexpected message: %s", backends.Message)
	}
}

func TestReadyHandler_ShuttingDown(t *testing.T) {
	c := New()
	c.RegisterReadiness("listener", func() error { return nil })
	c.SetShuttingDown()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	c.ReadyHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadyHandler_NoChecks(t *testing.T) {
	c := New()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	c.ReadyHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with no checks, got %d", rec.Code)
	}
}

func TestResponseContentType(t *testing.T) {
	c := New()
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()

	c.LiveHandler().ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}
}

func TestReadyHandler_FailureCounted(t *testing.T) {
	c := New()
	c.RegisterReadiness("failing_check", func() error { return errors.New("down") })

	before := testutil.ToFloat64(readinessFailures.WithLabelValues("failing_check"))
	for i := 0; i < 3; i++ {
		c.ReadyHandler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	}
	if got := testutil.ToFloat64(readinessFailures.WithLabelValues("failing_check")) - before; got != 3 {
		t.Fatalf("expected 3 counted failures, got %v", got)
	}
}

func TestRegisterReadiness_Replaces(t *testing.T) {
	c := New()
	c.RegisterReadiness("listener", func() error { return errors.New("not bound") })
	c.RegisterReadiness("listener", func() error { return nil })

	rec := httptest.NewRecorder()
	c.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the replacing check to win, got %d", rec.Code)
	}
}

func TestRegister_Mux(t *testing.T) {
	c := New()
	mux := http.NewServeMux()
	c.Register(mux)

	for _, path := range []string{"/live", "/ready"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	c.SetShuttingDown()
	if !c.ShuttingDown() {
		t.Fatal("ShuttingDown() = false after SetShuttingDown")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/live during shutdown: expected 503, got %d", rec.Code)
	}
}
