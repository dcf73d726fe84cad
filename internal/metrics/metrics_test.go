package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunLifecycleCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RunStarted()
	m.RunStarted()
	m.RunFinished("done_pass", "")
	m.RunSuperseded()

	if got := testutil.ToFloat64(m.runsStarted); got != 2 {
		t.Fatalf("expected 2 runs started, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Fatalf("expected 1 active run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsFinished.WithLabelValues("done_pass", "none")); got != 1 {
		t.Fatalf("expected 1 passed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsSuperseded); got != 1 {
		t.Fatalf("expected 1 superseded run, got %v", got)
	}
}

func TestAttemptAndRepairCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Attempt("NEEDS_REPAIR", []string{"division_by_zero", "traceback"})
	m.Attempt("PASS", nil)
	m.RepairRequested(false)
	m.ObserveProvision(20*time.Millisecond, errors.New("boom"))
	m.ObserveExecution(time.Second, true, -1)

	if got := testutil.ToFloat64(m.attempts.WithLabelValues("NEEDS_REPAIR")); got != 1 {
		t.Fatalf("expected 1 failed attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.signatures.WithLabelValues("division_by_zero")); got != 1 {
		t.Fatalf("expected signature counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.repairs.WithLabelValues("false")); got != 1 {
		t.Fatalf("expected unchanged repair counted, got %v", got)
	}
	if got := testutil.CollectAndCount(m.executionDuration); got != 1 {
		t.Fatalf("expected one execution histogram series, got %d", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("done_fail", "attempts_exhausted")
	m.Attempt("PASS", nil)
	m.RepairRequested(true)
	m.ObserveProvision(time.Millisecond, nil)
	m.ObserveExecution(time.Millisecond, false, 0)
	m.RunSuperseded()
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New(nil)
	m.RunStarted()

	server := httptest.NewServer(m.Handler())
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "patchpilot_runs_started_total 1") {
		t.Fatalf("expected runs_started in exposition, got %q", string(body))
	}
}
