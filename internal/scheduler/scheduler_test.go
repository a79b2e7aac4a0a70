package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/internal/executor"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/runstore"
	"github.com/conveyorci/conveyor/pkg/types"
)

const diamondYAML = `
name: main
on:
  push: {}
jobs:
  build:
    runs-on: linux
    steps:
      - name: compile
        run: make build
  scan1:
    runs-on: linux
    needs: [build]
    steps:
      - name: lint
        run: make lint
  scan2:
    runs-on: linux
    needs: [build]
    steps:
      - name: vuln
        run: make vuln-scan
  test:
    runs-on: linux
    needs: [scan1, scan2]
    steps:
      - name: unit
        run: make test
  deploy:
    runs-on: linux
    needs: [test]
    steps:
      - name: release
        run: make deploy
`

type noActions struct{}

func (noActions) Has(string) bool { return false }

func loadDef(t *testing.T, source string) *pipeline.Definition {
	t.Helper()
	def, err := pipeline.Load([]byte(source), noActions{})
	if err != nil {
		t.Fatalf("load pipeline: %v", err)
	}
	return def
}

// fakeExecutor records dispatch order and returns canned results. Jobs with
// a gate block until the run context is cancelled.
type fakeExecutor struct {
	mu      sync.Mutex
	order   []string
	results map[string]executor.Result
	blocked map[string]bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results: make(map[string]executor.Result),
		blocked: make(map[string]bool),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, runID string, ev types.TriggerEvent, env map[string]string, job *pipeline.Job) executor.Result {
	f.mu.Lock()
	f.order = append(f.order, job.Name)
	blocked := f.blocked[job.Name]
	res, ok := f.results[job.Name]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return executor.Result{Status: types.JobStatusCancelled, Reason: "cancelled"}
	}
	if ok {
		return res
	}
	return executor.Result{Status: types.JobStatusSucceeded}
}

func (f *fakeExecutor) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func startTestRun(t *testing.T, def *pipeline.Definition, exec JobExecutor, cfg *Config) (*Scheduler, runstore.RunStore, string) {
	t.Helper()
	store := runstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })

	s := New(store, exec, nil, cfg)
	runID, err := s.StartRun(context.Background(), def, types.TriggerEvent{
		Kind:   types.EventPush,
		Branch: "main",
		Commit: "abc1234",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return s, store, runID
}

func TestScheduler_AllJobsSucceed(t *testing.T) {
	def := loadDef(t, diamondYAML)
	exec := newFakeExecutor()
	s, store, runID := startTestRun(t, def, exec, nil)
	s.Wait(runID)

	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded (error: %s)", run.Status, run.Error)
	}
	for name, state := range run.Jobs {
		if state.Status != types.JobStatusSucceeded {
			t.Errorf("job %s status = %s, want succeeded", name, state.Status)
		}
	}

	order := exec.dispatched()
	if len(order) != 5 {
		t.Fatalf("dispatched %d jobs, want 5: %v", len(order), order)
	}
	for _, dep := range []struct{ before, after string }{
		{"build", "scan1"},
		{"build", "scan2"},
		{"scan1", "test"},
		{"scan2", "test"},
		{"test", "deploy"},
	} {
		if indexOf(order, dep.before) > indexOf(order, dep.after) {
			t.Errorf("%s dispatched after %s: %v", dep.before, dep.after, order)
		}
	}
}

func TestScheduler_FailureSkipsDependents(t *testing.T) {
	def := loadDef(t, diamondYAML)
	exec := newFakeExecutor()
	code := 2
	exec.results["scan2"] = executor.Result{
		Status:   types.JobStatusFailed,
		Reason:   "step vuln failed",
		ExitCode: &code,
	}
	s, store, runID := startTestRun(t, def, exec, nil)
	s.Wait(runID)

	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}

	want := map[string]types.JobStatus{
		"build":  types.JobStatusSucceeded,
		"scan1":  types.JobStatusSucceeded,
		"scan2":  types.JobStatusFailed,
		"test":   types.JobStatusSkipped,
		"deploy": types.JobStatusSkipped,
	}
	for name, status := range want {
		if run.Jobs[name].Status != status {
			t.Errorf("job %s status = %s, want %s", name, run.Jobs[name].Status, status)
		}
	}
	if !strings.Contains(run.Jobs["test"].Reason, "scan2") {
		t.Errorf("test skip reason %q should name scan2", run.Jobs["test"].Reason)
	}
	if !strings.Contains(run.Jobs["deploy"].Reason, "test") {
		t.Errorf("deploy skip reason %q should name test", run.Jobs["deploy"].Reason)
	}
	if order := exec.dispatched(); indexOf(order, "test") != -1 || indexOf(order, "deploy") != -1 {
		t.Errorf("skipped jobs were dispatched: %v", order)
	}
}

func TestScheduler_DeterministicDispatchOrder(t *testing.T) {
	def := loadDef(t, diamondYAML)
	for i := 0; i < 5; i++ {
		exec := newFakeExecutor()
		s, _, runID := startTestRun(t, def, exec, &Config{MaxParallelism: 1})
		s.Wait(runID)

		order := exec.dispatched()
		want := []string{"build", "scan1", "scan2", "test", "deploy"}
		for j, name := range want {
			if order[j] != name {
				t.Fatalf("dispatch order = %v, want %v", order, want)
			}
		}
	}
}

func TestScheduler_ConditionSkip(t *testing.T) {
	const source = `
name: conditional
on:
  push: {}
jobs:
  build:
    runs-on: linux
    steps:
      - name: compile
        run: make build
  publish:
    runs-on: linux
    needs: [build]
    if: event.branch == "release"
    optional: true
    steps:
      - name: push
        run: make publish
`
	def := loadDef(t, source)
	exec := newFakeExecutor()
	s, store, runID := startTestRun(t, def, exec, nil)
	s.Wait(runID)

	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Jobs["publish"].Status != types.JobStatusSkipped {
		t.Fatalf("publish status = %s, want skipped", run.Jobs["publish"].Status)
	}
	if run.Jobs["publish"].Reason != "condition not met" {
		t.Errorf("publish reason = %q", run.Jobs["publish"].Reason)
	}
	// The skipped job is optional, so the run still succeeds.
	if run.Status != types.RunStatusSucceeded {
		t.Errorf("run status = %s, want succeeded", run.Status)
	}
	if order := exec.dispatched(); indexOf(order, "publish") != -1 {
		t.Errorf("publish was dispatched despite its condition: %v", order)
	}
}

func TestScheduler_NonOptionalSkipFailsRun(t *testing.T) {
	const source = `
name: conditional
on:
  push: {}
jobs:
  build:
    runs-on: linux
    if: event.branch == "release"
    steps:
      - name: compile
        run: make build
`
	def := loadDef(t, source)
	exec := newFakeExecutor()
	s, store, runID := startTestRun(t, def, exec, nil)
	s.Wait(runID)

	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != types.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "build") {
		t.Errorf("run error %q should name build", run.Error)
	}
}

func TestScheduler_CancelRun(t *testing.T) {
	def := loadDef(t, diamondYAML)
	exec := newFakeExecutor()
	exec.blocked["build"] = true
	s, store, runID := startTestRun(t, def, exec, nil)

	// Wait for build to start before cancelling.
	deadline := time.After(5 * time.Second)
	for len(exec.dispatched()) == 0 {
		select {
		case <-deadline:
			t.Fatal("build never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := s.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("cancel run: %v", err)
	}
	s.Wait(runID)

	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != types.RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", run.Status)
	}
	for name, state := range run.Jobs {
		if state.Status != types.JobStatusCancelled {
			t.Errorf("job %s status = %s, want cancelled", name, state.Status)
		}
	}

	// Cancelling again reports the terminal status.
	if err := s.CancelRun(context.Background(), runID); err == nil {
		t.Error("second cancel should fail")
	}
}

func TestScheduler_EventsRecorded(t *testing.T) {
	def := loadDef(t, diamondYAML)
	exec := newFakeExecutor()
	s, store, runID := startTestRun(t, def, exec, nil)
	s.Wait(runID)

	events, err := store.EventsSince(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var jobStatuses, runStatuses, streamEnds int
	for _, ev := range events {
		switch ev.Type {
		case types.EventTypeJobStatus:
			jobStatuses++
		case types.EventTypeRunStatus:
			runStatuses++
		case types.EventTypeStreamEnd:
			streamEnds++
		}
	}
	// Every job emits running plus a terminal status.
	if jobStatuses != 10 {
		t.Errorf("job_status events = %d, want 10", jobStatuses)
	}
	if runStatuses != 2 {
		t.Errorf("run_status events = %d, want 2", runStatuses)
	}
	if streamEnds != 1 {
		t.Errorf("stream_end events = %d, want 1", streamEnds)
	}
	if events[len(events)-1].Type != types.EventTypeStreamEnd {
		t.Errorf("last event = %s, want stream_end", events[len(events)-1].Type)
	}
}
