package pipeline

import (
	"reflect"
	"testing"

	"github.com/conveyorci/conveyor/pkg/types"
)

func loadFixture(t *testing.T) *Definition {
	t.Helper()
	def, err := Load([]byte(validPipelineYAML), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return def
}

func allPending(g *Graph) map[string]types.JobStatus {
	status := make(map[string]types.JobStatus)
	for _, name := range g.Jobs() {
		status[name] = types.JobStatusPending
	}
	return status
}

func TestGraph_ReadyJobs(t *testing.T) {
	g := loadFixture(t).Graph()
	status := allPending(g)

	t.Run("only roots ready at start", func(t *testing.T) {
		got := g.ReadyJobs(status)
		if !reflect.DeepEqual(got, []string{"build"}) {
			t.Errorf("expected [build], got %v", got)
		}
	})

	t.Run("fan-out after root succeeds, declaration order", func(t *testing.T) {
		status["build"] = types.JobStatusSucceeded
		got := g.ReadyJobs(status)
		if !reflect.DeepEqual(got, []string{"scan1", "scan2"}) {
			t.Errorf("expected [scan1 scan2], got %v", got)
		}
	})

	t.Run("join waits for all dependencies", func(t *testing.T) {
		status["scan1"] = types.JobStatusSucceeded
		status["scan2"] = types.JobStatusRunning
		if got := g.ReadyJobs(status); len(got) != 0 {
			t.Errorf("test should not be ready with scan2 running, got %v", got)
		}

		status["scan2"] = types.JobStatusSucceeded
		got := g.ReadyJobs(status)
		if !reflect.DeepEqual(got, []string{"test"}) {
			t.Errorf("expected [test], got %v", got)
		}
	})

	t.Run("failed dependency never yields ready dependents", func(t *testing.T) {
		status := allPending(g)
		status["build"] = types.JobStatusSucceeded
		status["scan1"] = types.JobStatusSucceeded
		status["scan2"] = types.JobStatusFailed
		if got := g.ReadyJobs(status); len(got) != 0 {
			t.Errorf("nothing should be ready after scan2 failed, got %v", got)
		}
	})
}

func TestGraph_TransitiveDependents(t *testing.T) {
	g := loadFixture(t).Graph()

	tests := []struct {
		job  string
		want []string
	}{
		{"build", []string{"scan1", "scan2", "test", "deploy"}},
		{"scan2", []string{"test", "deploy"}},
		{"test", []string{"deploy"}},
		{"deploy", nil},
	}

	for _, tt := range tests {
		t.Run(tt.job, func(t *testing.T) {
			got := g.TransitiveDependents(tt.job)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TransitiveDependents(%s) = %v, want %v", tt.job, got, tt.want)
			}
		})
	}
}

func TestGraph_Jobs_Order(t *testing.T) {
	g := loadFixture(t).Graph()
	want := []string{"build", "scan1", "scan2", "test", "deploy"}
	if !reflect.DeepEqual(g.Jobs(), want) {
		t.Errorf("Jobs() = %v, want %v", g.Jobs(), want)
	}
}
