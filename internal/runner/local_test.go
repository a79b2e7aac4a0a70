package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/pkg/types"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Line(level types.LogLevel, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(level)+": "+line)
}

func (s *recordingSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

func TestLocalRunnerCapturesOutput(t *testing.T) {
	r := NewLocalRunner(nil)
	sink := &recordingSink{}

	code, err := r.RunStep(context.Background(), StepSpec{
		RunID: "run-1",
		Job:   "build",
		Step:  "compile",
		Argv:  []string{"/bin/sh", "-c", "echo out-line; echo err-line >&2"},
	}, sink)
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d", code)
	}
	out := sink.joined()
	if !strings.Contains(out, "info: out-line") {
		t.Errorf("stdout line missing or wrong level: %q", out)
	}
	if !strings.Contains(out, "error: err-line") {
		t.Errorf("stderr line missing or wrong level: %q", out)
	}
}

func TestLocalRunnerExitCode(t *testing.T) {
	r := NewLocalRunner(nil)
	code, err := r.RunStep(context.Background(), StepSpec{
		RunID: "run-1",
		Job:   "test",
		Argv:  []string{"/bin/sh", "-c", "exit 3"},
	}, nil)
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestLocalRunnerEnvIsolation(t *testing.T) {
	t.Setenv("LEAKY_HOST_VAR", "should-not-appear")

	r := NewLocalRunner(nil)
	sink := &recordingSink{}
	code, err := r.RunStep(context.Background(), StepSpec{
		RunID: "run-1",
		Job:   "build",
		Argv:  []string{"/bin/sh", "-c", `echo "leak=${LEAKY_HOST_VAR:-none} granted=$GRANTED"`},
		Env:   map[string]string{"GRANTED": "yes"},
	}, sink)
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	out := sink.joined()
	if !strings.Contains(out, "leak=none") {
		t.Errorf("host env leaked into step: %q", out)
	}
	if !strings.Contains(out, "granted=yes") {
		t.Errorf("step env not applied: %q", out)
	}
}

func TestLocalRunnerTimeout(t *testing.T) {
	r := NewLocalRunner(nil)
	start := time.Now()
	code, err := r.RunStep(context.Background(), StepSpec{
		RunID:   "run-1",
		Job:     "slow",
		Argv:    []string{"/bin/sh", "-c", "sleep 10"},
		Timeout: 100 * time.Millisecond,
	}, &recordingSink{})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if code != ExitTimeout {
		t.Errorf("exit code = %d, want %d", code, ExitTimeout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
}

func TestLocalRunnerCancellation(t *testing.T) {
	r := NewLocalRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	code, err := r.RunStep(ctx, StepSpec{
		RunID: "run-1",
		Job:   "slow",
		Argv:  []string{"/bin/sh", "-c", "sleep 10"},
	}, nil)
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if code != ExitCancelled {
		t.Errorf("exit code = %d, want %d", code, ExitCancelled)
	}
}

func TestLocalRunnerEmptyCommand(t *testing.T) {
	r := NewLocalRunner(nil)
	if _, err := r.RunStep(context.Background(), StepSpec{RunID: "run-1"}, nil); err == nil {
		t.Error("expected error for empty argv")
	}
}
