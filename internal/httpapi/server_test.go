package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/metrics"
	"github.com/anomalyco/patchpilot/internal/repair"
	"github.com/anomalyco/patchpilot/internal/taskstore"
	"github.com/anomalyco/patchpilot/internal/tracker"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type pipelineFunc func(ctx context.Context, task contracts.Task, reporter repair.Reporter) (contracts.TaskRunStatus, error)

func (f pipelineFunc) Run(ctx context.Context, task contracts.Task, reporter repair.Reporter) (contracts.TaskRunStatus, error) {
	return f(ctx, task, reporter)
}

// echoPipeline passes immediately and records the task's prior files in the summary.
var echoPipeline = pipelineFunc(func(_ context.Context, task contracts.Task, reporter repair.Reporter) (contracts.TaskRunStatus, error) {
	status := contracts.TaskRunStatus{
		TaskID:    task.ID,
		State:     contracts.RunStateDonePass,
		Success:   true,
		Completed: true,
		Attempts:  1,
		Summary:   strings.Join(task.PriorArtifacts.Paths(), ","),
	}
	reporter.Report(status)
	return status, nil
})

type fixture struct {
	handler http.Handler
	tracker *tracker.Tracker
	store   *taskstore.Store
}

func newFixture(t *testing.T, pipeline tracker.Pipeline) *fixture {
	t.Helper()
	store := taskstore.New(t.TempDir())
	tr := tracker.New(tracker.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	})
	server := New(Options{Runs: tr, Tasks: store, Writer: store, Pipeline: pipeline, Metrics: metrics.New(nil)})
	return &fixture{handler: server.Handler(), tracker: tr, store: store}
}

func (f *fixture) do(t *testing.T, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSubmitInlineTaskAndPollStatus(t *testing.T) {
	f := newFixture(t, echoPipeline)
	w := f.do(t, http.MethodPost, "/v1/runs", SubmitRunRequest{
		TaskID: "t-1",
		Task:   &TaskPayload{Title: "answer", Language: "python", Files: map[string]string{"main.py": "print(42)"}},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	accepted := decode[SubmitRunResponse](t, w)
	if !accepted.Accepted || accepted.Generation != 1 {
		t.Fatalf("unexpected response %#v", accepted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.tracker.Wait(ctx, "t-1"); err != nil {
		t.Fatalf("wait: %v", err)
	}

	w = f.do(t, http.MethodGet, "/v1/runs/t-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	status := decode[contracts.TaskRunStatus](t, w)
	if status.State != contracts.RunStateDonePass || !status.Success || status.Summary != "main.py" {
		t.Fatalf("unexpected status %#v", status)
	}

	w = f.do(t, http.MethodGet, "/v1/runs", nil)
	list := decode[ListRunsResponse](t, w)
	if len(list.Runs) != 1 || list.Runs[0].TaskID != "t-1" {
		t.Fatalf("unexpected list %#v", list)
	}
}

func TestSubmitStoredTask(t *testing.T) {
	f := newFixture(t, echoPipeline)
	if err := f.store.PutTask(context.Background(), contracts.Task{ID: "stored", Title: "x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if w := f.do(t, http.MethodPost, "/v1/runs", SubmitRunRequest{TaskID: "stored"}); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, echoPipeline)
	tests := []struct {
		name string
		body any
		code int
		want string
	}{
		{name: "missing task id", body: map[string]string{}, code: http.StatusBadRequest, want: "INVALID_REQUEST"},
		{name: "inline task without title", body: SubmitRunRequest{TaskID: "t", Task: &TaskPayload{}}, code: http.StatusBadRequest, want: "INVALID_REQUEST"},
		{name: "unknown task", body: SubmitRunRequest{TaskID: "nope"}, code: http.StatusNotFound, want: "TASK_NOT_FOUND"},
		{name: "invalid task id", body: SubmitRunRequest{TaskID: "../x", Task: &TaskPayload{Title: "x"}}, code: http.StatusBadRequest, want: "INVALID_REQUEST"},
		{name: "hidden task id", body: SubmitRunRequest{TaskID: ".git"}, code: http.StatusBadRequest, want: "INVALID_REQUEST"},
		{name: "unsafe artifact path", body: SubmitRunRequest{TaskID: "t", Task: &TaskPayload{Title: "x", Files: map[string]string{"../evil.py": "x"}}}, code: http.StatusBadRequest, want: "TASK_REJECTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/runs", tt.body)
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
			if resp := decode[ErrorResponse](t, w); resp.Code != tt.want {
				t.Fatalf("expected code %s, got %#v", tt.want, resp)
			}
		})
	}
}

func TestUnknownRunIsNotFound(t *testing.T) {
	f := newFixture(t, echoPipeline)
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w := f.do(t, method, "/v1/runs/missing", nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", method, w.Code)
		}
	}
}

func TestCancelInFlightRun(t *testing.T) {
	started := make(chan struct{})
	blocking := pipelineFunc(func(ctx context.Context, task contracts.Task, reporter repair.Reporter) (contracts.TaskRunStatus, error) {
		reporter.Report(contracts.TaskRunStatus{TaskID: task.ID, State: contracts.RunStateProvisioned})
		close(started)
		<-ctx.Done()
		status := contracts.TaskRunStatus{TaskID: task.ID, State: contracts.RunStateCancelled, Completed: true, FailureKind: contracts.FailureCancelled}
		reporter.Report(status)
		return status, ctx.Err()
	})
	f := newFixture(t, blocking)
	if err := f.store.PutTask(context.Background(), contracts.Task{ID: "t-1", Title: "x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if w := f.do(t, http.MethodPost, "/v1/runs", SubmitRunRequest{TaskID: "t-1"}); w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", w.Code)
	}
	<-started

	w := f.do(t, http.MethodDelete, "/v1/runs/t-1", nil)
	if w.Code != http.StatusOK || !decode[CancelRunResponse](t, w).Cancelled {
		t.Fatalf("unexpected cancel response %d %s", w.Code, w.Body.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := f.tracker.Wait(ctx, "t-1")
	if err != nil || status.State != contracts.RunStateCancelled {
		t.Fatalf("expected cancelled run, got %#v err=%v", status, err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, echoPipeline)
	if w := f.do(t, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	w := f.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "patchpilot_") {
		t.Fatalf("expected prometheus exposition, got %d %q", w.Code, w.Body.String())
	}
}
