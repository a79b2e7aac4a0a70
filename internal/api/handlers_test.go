package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/runstore"
	"github.com/conveyorci/conveyor/internal/trigger"
	"github.com/conveyorci/conveyor/pkg/types"
)

const testPipelineYAML = `
name: main
on:
  push:
    branches: [main]
  manual: {}
jobs:
  build:
    runs-on: linux
    steps:
      - name: compile
        run: make build
  test:
    runs-on: linux
    needs: [build]
    steps:
      - name: unit
        run: make test
`

type noActions struct{}

func (noActions) Has(string) bool { return false }

type fakeScheduler struct {
	startErr  error
	cancelErr error
	started   []types.TriggerEvent
	cancelled []string
	nextRunID string
}

func (f *fakeScheduler) StartRun(ctx context.Context, def *pipeline.Definition, ev types.TriggerEvent) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, ev)
	if f.nextRunID == "" {
		f.nextRunID = "run-1"
	}
	return f.nextRunID, nil
}

func (f *fakeScheduler) CancelRun(ctx context.Context, runID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, runID)
	return nil
}

type testServer struct {
	server    *Server
	store     runstore.RunStore
	scheduler *fakeScheduler
}

func newTestServer(t *testing.T, queueSize int) *testServer {
	t.Helper()

	def, err := pipeline.Load([]byte(testPipelineYAML), noActions{})
	if err != nil {
		t.Fatalf("load pipeline: %v", err)
	}

	store := runstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })

	sched := &fakeScheduler{}
	eval := trigger.NewEvaluator(def)
	disp := trigger.NewDispatcher(eval, sched, &trigger.DispatcherConfig{QueueSize: queueSize}, nil)

	h := NewHandlers(store, sched, eval, disp, config.Load(), nil)
	return &testServer{
		server:    NewServer(h, nil),
		store:     store,
		scheduler: sched,
	}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, 16)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		w := ts.do("GET", path, "")
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestSubmitEvent(t *testing.T) {
	ts := newTestServer(t, 16)

	w := ts.do("POST", "/api/v1/events", `{"kind":"push","branch":"main","commit":"abc1234"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit push = %d, want 202: %s", w.Code, w.Body.String())
	}

	w = ts.do("POST", "/api/v1/events", `{"kind":"manual"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("submit manual = %d, want 400", w.Code)
	}

	w = ts.do("POST", "/api/v1/events", `{"kind":"cron"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("submit unknown kind = %d, want 400", w.Code)
	}

	w = ts.do("POST", "/api/v1/events", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("submit bad body = %d, want 400", w.Code)
	}
}

func TestSubmitEventQueueFull(t *testing.T) {
	ts := newTestServer(t, 1)

	if w := ts.do("POST", "/api/v1/events", `{"kind":"push","branch":"main"}`); w.Code != http.StatusAccepted {
		t.Fatalf("first submit = %d, want 202", w.Code)
	}
	if w := ts.do("POST", "/api/v1/events", `{"kind":"push","branch":"main"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit = %d, want 429", w.Code)
	}
}

func TestListAndGetPipelines(t *testing.T) {
	ts := newTestServer(t, 16)

	w := ts.do("GET", "/api/v1/pipelines", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list pipelines = %d", w.Code)
	}
	var listResp struct {
		Pipelines []PipelineSummary `json:"pipelines"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listResp.Pipelines) != 1 || listResp.Pipelines[0].Name != "main" {
		t.Errorf("pipelines = %+v", listResp.Pipelines)
	}
	if got := listResp.Pipelines[0].Jobs; len(got) != 2 || got[0] != "build" || got[1] != "test" {
		t.Errorf("jobs = %v, want [build test]", got)
	}

	if w := ts.do("GET", "/api/v1/pipelines/main", ""); w.Code != http.StatusOK {
		t.Errorf("get pipeline = %d", w.Code)
	}
	if w := ts.do("GET", "/api/v1/pipelines/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("get unknown pipeline = %d, want 404", w.Code)
	}
}

func TestDispatchPipeline(t *testing.T) {
	ts := newTestServer(t, 16)
	ts.scheduler.nextRunID = "run-42"

	w := ts.do("POST", "/api/v1/pipelines/main/dispatch", `{"branch":"main","actor":"octocat"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("dispatch = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["run_id"] != "run-42" {
		t.Errorf("run_id = %q", resp["run_id"])
	}
	if len(ts.scheduler.started) != 1 {
		t.Fatalf("started %d runs", len(ts.scheduler.started))
	}
	ev := ts.scheduler.started[0]
	if ev.Kind != types.EventManual || ev.Pipeline != "main" || ev.Actor != "octocat" {
		t.Errorf("event = %+v", ev)
	}

	if w := ts.do("POST", "/api/v1/pipelines/nope/dispatch", ""); w.Code != http.StatusNotFound {
		t.Errorf("dispatch unknown = %d, want 404", w.Code)
	}
}

func seedRun(t *testing.T, store runstore.RunStore, id string) {
	t.Helper()
	err := store.CreateRun(context.Background(), &types.Run{
		ID:       id,
		Pipeline: "main",
		Event:    types.TriggerEvent{Kind: types.EventPush, Branch: "main"},
		Status:   types.RunStatusRunning,
		Jobs: map[string]*types.JobState{
			"build": {Job: "build", Status: types.JobStatusRunning},
		},
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestGetAndListRuns(t *testing.T) {
	ts := newTestServer(t, 16)
	seedRun(t, ts.store, "run-1")

	w := ts.do("GET", "/api/v1/runs/run-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get run = %d", w.Code)
	}
	var run types.Run
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.ID != "run-1" || run.Pipeline != "main" {
		t.Errorf("run = %+v", run)
	}

	if w := ts.do("GET", "/api/v1/runs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("get unknown run = %d, want 404", w.Code)
	}

	w = ts.do("GET", "/api/v1/runs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list runs = %d", w.Code)
	}
	var listResp struct {
		Runs []types.RunMeta `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listResp.Runs) != 1 {
		t.Errorf("runs = %+v", listResp.Runs)
	}
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t, 16)
	seedRun(t, ts.store, "run-1")

	w := ts.do("POST", "/api/v1/runs/run-1/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d: %s", w.Code, w.Body.String())
	}
	if len(ts.scheduler.cancelled) != 1 || ts.scheduler.cancelled[0] != "run-1" {
		t.Errorf("cancelled = %v", ts.scheduler.cancelled)
	}

	ts.scheduler.cancelErr = runstore.ErrRunNotFound
	if w := ts.do("POST", "/api/v1/runs/nope/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown = %d, want 404", w.Code)
	}

	ts.scheduler.cancelErr = fmt.Errorf("run run-1 is already succeeded")
	if w := ts.do("POST", "/api/v1/runs/run-1/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("cancel finished = %d, want 409", w.Code)
	}
}

func TestStreamEventsReplay(t *testing.T) {
	ts := newTestServer(t, 16)
	seedRun(t, ts.store, "run-1")

	ctx := context.Background()
	events := []*types.EventInput{
		{Type: types.EventTypeLog, Job: "build", Data: types.LogEvent{Level: types.LogLevelInfo, Message: "compiling"}},
		{Type: types.EventTypeJobStatus, Job: "build", Data: types.JobStatusEvent{Status: types.JobStatusSucceeded}},
		{Type: types.EventTypeRunStatus, Data: types.RunStatusEvent{Status: types.RunStatusSucceeded}},
		{Type: types.EventTypeStreamEnd},
	}
	for _, ev := range events {
		if _, err := ts.store.AppendEvent(ctx, "run-1", ev); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	w := ts.do("GET", "/api/v1/runs/run-1/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stream = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"event: log", "compiling", "event: job_status", "event: stream_end", "id: 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream body missing %q:\n%s", want, body)
		}
	}

	if w := ts.do("GET", "/api/v1/runs/nope/events", ""); w.Code != http.StatusNotFound {
		t.Errorf("stream unknown run = %d, want 404", w.Code)
	}
}

func TestStreamEventsResume(t *testing.T) {
	ts := newTestServer(t, 16)
	seedRun(t, ts.store, "run-1")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		input := &types.EventInput{Type: types.EventTypeLog, Job: "build", Data: types.LogEvent{Level: types.LogLevelInfo, Message: fmt.Sprintf("line %d", i)}}
		if _, err := ts.store.AppendEvent(ctx, "run-1", input); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if _, err := ts.store.AppendEvent(ctx, "run-1", &types.EventInput{Type: types.EventTypeStreamEnd}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "2")
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)

	body := w.Body.String()
	if strings.Contains(body, "line 0") || strings.Contains(body, "line 1") {
		t.Errorf("resumed stream replayed old events:\n%s", body)
	}
	if !strings.Contains(body, "line 2") {
		t.Errorf("resumed stream missing new event:\n%s", body)
	}
}
