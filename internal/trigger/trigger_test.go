package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/pkg/types"
)

func masterPipeline(t *testing.T) *pipeline.Definition {
	t.Helper()
	doc := `
name: main
on:
  push:
    branches: [master]
  pull_request:
    branches: [master]
jobs:
  build:
    runs-on: linux
    steps: [{run: "make build"}]
`
	def, err := pipeline.Load([]byte(doc), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return def
}

func TestEvaluator_Match(t *testing.T) {
	eval := NewEvaluator(masterPipeline(t))

	tests := []struct {
		name  string
		event types.TriggerEvent
		match bool
	}{
		{"push to configured branch", types.TriggerEvent{Kind: types.EventPush, Branch: "master"}, true},
		{"push to other branch", types.TriggerEvent{Kind: types.EventPush, Branch: "feature"}, false},
		{"pull request to configured branch", types.TriggerEvent{Kind: types.EventPullRequest, Branch: "master"}, true},
		{"pull request to other branch", types.TriggerEvent{Kind: types.EventPullRequest, Branch: "dev"}, false},
		{"manual dispatch ignores branch rules", types.TriggerEvent{Kind: types.EventManual, Branch: "anything"}, true},
		{"manual dispatch by pipeline name", types.TriggerEvent{Kind: types.EventManual, Pipeline: "main"}, true},
		{"manual dispatch unknown pipeline", types.TriggerEvent{Kind: types.EventManual, Pipeline: "ghost"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := eval.Match(tt.event)
			if tt.match && def == nil {
				t.Error("expected match, got nil")
			}
			if !tt.match && def != nil {
				t.Errorf("expected no match, got %q", def.Name)
			}
		})
	}
}

func TestEvaluator_NoTriggersConfigured(t *testing.T) {
	doc := `
name: quiet
jobs:
  a:
    runs-on: linux
    steps: [{run: "true"}]
`
	def, err := pipeline.Load([]byte(doc), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	eval := NewEvaluator(def)

	if got := eval.Match(types.TriggerEvent{Kind: types.EventPush, Branch: "master"}); got != nil {
		t.Errorf("push should not match a pipeline without push rules, got %q", got.Name)
	}
	if got := eval.Match(types.TriggerEvent{Kind: types.EventManual}); got == nil {
		t.Error("manual dispatch should always match")
	}
}

type recordingStarter struct {
	mu     sync.Mutex
	events []types.TriggerEvent
	notify chan struct{}
}

func (s *recordingStarter) StartRun(ctx context.Context, def *pipeline.Definition, ev types.TriggerEvent) (string, error) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return "run-1", nil
}

func TestDispatcher(t *testing.T) {
	eval := NewEvaluator(masterPipeline(t))
	starter := &recordingStarter{notify: make(chan struct{}, 4)}
	d := NewDispatcher(eval, starter, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if err := d.Submit(types.TriggerEvent{Kind: types.EventPush, Branch: "master"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	// Non-matching event: consumed, but no run started.
	if err := d.Submit(types.TriggerEvent{Kind: types.EventPush, Branch: "feature"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-starter.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to start")
	}

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.events) != 1 {
		t.Fatalf("expected 1 started run, got %d", len(starter.events))
	}
	if starter.events[0].Branch != "master" {
		t.Errorf("started run for wrong event: %+v", starter.events[0])
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	eval := NewEvaluator()
	starter := &recordingStarter{notify: make(chan struct{}, 1)}
	d := NewDispatcher(eval, starter, &DispatcherConfig{QueueSize: 1}, nil)

	// No consumer running: second submit must report backpressure.
	if err := d.Submit(types.TriggerEvent{Kind: types.EventPush}); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if err := d.Submit(types.TriggerEvent{Kind: types.EventPush}); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}
