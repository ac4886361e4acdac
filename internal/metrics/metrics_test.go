package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTurnFinished(t *testing.T) {
	m := New()
	m.TurnFinished("natural_stop")
	m.TurnFinished("natural_stop")
	m.TurnFinished("loop_guard")

	expected := `
		# HELP tailor_turns_total Total number of agent turns by termination reason
		# TYPE tailor_turns_total counter
		tailor_turns_total{termination="loop_guard"} 1
		tailor_turns_total{termination="natural_stop"} 2
	`
	if err := testutil.CollectAndCompare(m.TurnsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestToolDispatched(t *testing.T) {
	m := New()
	m.ToolDispatched("web_search", "ok")
	m.ToolDispatched("web_search", "skipped")
	m.ToolDispatched("fetch_source_document", "ok")

	if count := testutil.CollectAndCount(m.ToolDispatches); count != 3 {
		t.Errorf("Expected 3 label combinations, got %d", count)
	}
	if v := testutil.ToFloat64(m.ToolDispatches.WithLabelValues("web_search", "ok")); v != 1 {
		t.Errorf("Expected 1, got %v", v)
	}
}

func TestObserveModelStep(t *testing.T) {
	m := New()
	m.ObserveModelStep(200*time.Millisecond, nil)
	m.ObserveModelStep(time.Second, errors.New("boom"))

	if count := testutil.CollectAndCount(m.ModelStepDuration); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}
}

func TestSessionsSwept(t *testing.T) {
	m := New()
	m.SetActiveSessions(5)
	m.SessionsSwept(2, 3)

	if v := testutil.ToFloat64(m.ActiveSessions); v != 3 {
		t.Errorf("active sessions = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.SessionsEvicted); v != 2 {
		t.Errorf("evicted = %v, want 2", v)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TurnFinished("fatal_error")
	m.ToolDispatched("web_search", "ok")
	m.ObserveModelStep(time.Second, nil)
	m.SessionsSwept(1, 0)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from nil handler, got %d", w.Code)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.TurnFinished("natural_stop")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `tailor_turns_total{termination="natural_stop"} 1`) {
		t.Errorf("metrics output missing turn counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output missing runtime collector")
	}
}
