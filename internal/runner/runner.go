// Package runner abstracts step execution. The scheduler and executor only
// see the Runner interface; whether a step lands in a local subprocess or a
// Kubernetes Job is a deployment choice.
package runner

import (
	"context"
	"time"

	"github.com/conveyorci/conveyor/pkg/types"
)

// Exit codes used when a step did not finish on its own.
const (
	ExitTimeout   = 124
	ExitCancelled = 130
)

// StepSpec describes one step of a job, fully resolved: the environment
// already contains merged pipeline, job, and step variables plus any granted
// secrets.
type StepSpec struct {
	RunID   string
	Job     string
	Step    string
	Argv    []string
	Env     map[string]string
	Workdir string
	Timeout time.Duration
	Image   string
}

// LogSink receives step output line by line. Implementations must be safe
// for concurrent use: stdout and stderr are drained by separate goroutines.
type LogSink interface {
	Line(level types.LogLevel, line string)
}

// Runner executes a single step to completion and reports its exit code.
// A non-zero exit code is not an error; error is reserved for failures to
// execute at all. Timeout and cancellation map to ExitTimeout and
// ExitCancelled with a nil error.
type Runner interface {
	RunStep(ctx context.Context, spec StepSpec, logs LogSink) (int, error)
}
