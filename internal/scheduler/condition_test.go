package scheduler

import (
	"strings"
	"testing"

	"github.com/conveyorci/conveyor/pkg/types"
)

func conditionEnv() map[string]interface{} {
	return ConditionEnv(
		types.TriggerEvent{Kind: types.EventPush, Branch: "main", Commit: "abc1234", Actor: "octocat"},
		map[string]types.JobStatus{
			"build": types.JobStatusSucceeded,
			"scan":  types.JobStatusSkipped,
		},
	)
}

func TestConditionEvaluator_Evaluate(t *testing.T) {
	e := NewConditionEvaluator()
	env := conditionEnv()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty expression is true", "", true},
		{"event kind", `event.kind == "push"`, true},
		{"event kind mismatch", `event.kind == "pull_request"`, false},
		{"branch shorthand", `branch == "main"`, true},
		{"actor", `event.actor == "octocat"`, true},
		{"job status", `jobs.build.status == "succeeded"`, true},
		{"boolean operators", `branch == "main" && event.kind != "manual"`, true},
		{"prefix match", `hasPrefix(event.commit, "abc")`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, env)
			if err != nil {
				t.Fatalf("evaluate %q: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("evaluate %q = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestConditionEvaluator_Errors(t *testing.T) {
	e := NewConditionEvaluator()
	env := conditionEnv()

	if _, err := e.Evaluate(`event.kind ==`, env); err == nil {
		t.Error("malformed expression should fail")
	}
	if _, err := e.Evaluate(strings.Repeat("a", maxConditionLength+1), env); err == nil {
		t.Error("over-long expression should fail")
	}
}

func TestConditionEvaluator_CachesPrograms(t *testing.T) {
	e := NewConditionEvaluator()
	env := conditionEnv()

	for i := 0; i < 3; i++ {
		got, err := e.Evaluate(`event.kind == "push"`, env)
		if err != nil || !got {
			t.Fatalf("evaluate: got %v, err %v", got, err)
		}
	}
	e.mu.RLock()
	n := len(e.compiled)
	e.mu.RUnlock()
	if n != 1 {
		t.Errorf("compiled cache size = %d, want 1", n)
	}
}
