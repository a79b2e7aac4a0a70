package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/pkg/types"
)

// LocalRunner executes steps as local subprocesses. The child environment is
// built from scratch rather than inherited, so a job only sees the variables
// the pipeline granted it plus a small passthrough set.
type LocalRunner struct {
	envPassthrough map[string]string
}

// LocalConfig holds configuration for the subprocess runner.
type LocalConfig struct {
	// EnvPassthrough contains host environment variables exposed to every
	// step, e.g. PATH.
	EnvPassthrough map[string]string
}

var _ Runner = (*LocalRunner)(nil)

// NewLocalRunner creates a subprocess runner. PATH, HOME, and TMPDIR are
// always passed through so shells and toolchains work; cfg adds to that set.
func NewLocalRunner(cfg *LocalConfig) *LocalRunner {
	passthrough := make(map[string]string)
	for _, name := range []string{"PATH", "HOME", "TMPDIR"} {
		if v, ok := os.LookupEnv(name); ok {
			passthrough[name] = v
		}
	}
	if cfg != nil {
		for k, v := range cfg.EnvPassthrough {
			passthrough[k] = v
		}
	}
	return &LocalRunner{envPassthrough: passthrough}
}

// RunStep executes the step's argv as a subprocess and returns its exit code.
func (r *LocalRunner) RunStep(ctx context.Context, spec StepSpec, logs LogSink) (int, error) {
	if len(spec.Argv) == 0 {
		return 1, fmt.Errorf("empty command")
	}

	env := make([]string, 0, len(r.envPassthrough)+len(spec.Env)+2)
	for k, v := range r.envPassthrough {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("CONVEYOR_RUN_ID=%s", spec.RunID),
		fmt.Sprintf("CONVEYOR_JOB=%s", spec.Job),
	)

	execCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = env
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("start: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(stdout, types.LogLevelInfo, logs)
	}()
	go func() {
		defer wg.Done()
		drain(stderr, types.LogLevelError, logs)
	}()
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		if logs != nil {
			logs.Line(types.LogLevelError, fmt.Sprintf("step timed out after %s", spec.Timeout.Round(time.Millisecond)))
		}
		return ExitTimeout, nil
	}
	if errors.Is(execCtx.Err(), context.Canceled) {
		return ExitCancelled, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 1, fmt.Errorf("wait: %w", err)
}

func drain(r io.Reader, level types.LogLevel, logs LogSink) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if logs != nil {
			logs.Line(level, line)
		}
	}
}
