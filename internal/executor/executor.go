// Package executor runs a single job: secret resolution, cache restore,
// sequential step execution, and cache save. It owns the job's workspace and
// the redaction of secret values from everything it emits.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/conveyorci/conveyor/internal/actions"
	"github.com/conveyorci/conveyor/internal/cache"
	"github.com/conveyorci/conveyor/internal/metrics"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/runner"
	"github.com/conveyorci/conveyor/internal/secrets"
	"github.com/conveyorci/conveyor/pkg/types"
)

// Emitter receives the events a job produces while executing. Emission is
// best effort; a failed append must not fail the job.
type Emitter interface {
	Emit(ctx context.Context, runID string, input types.EventInput)
}

// Result is the outcome of executing one job.
type Result struct {
	Status     types.JobStatus
	Reason     string
	ExitCode   *int
	FailedStep string
}

// Config holds executor configuration.
type Config struct {
	// WorkRoot is where per-job workspaces are created. Empty means the
	// system temp dir.
	WorkRoot string

	// StepTimeout bounds each step. Zero disables the bound.
	StepTimeout time.Duration
}

// Executor executes jobs through a Runner. Cache, secrets, and artifacts are
// optional; a job that requires a missing backend fails rather than running
// degraded.
type Executor struct {
	runner    runner.Runner
	secrets   secrets.Provider
	cache     cache.Store
	artifacts actions.ArtifactStore
	registry  *actions.Registry
	emitter   Emitter
	logger    *slog.Logger
	cfg       Config
}

// New creates an executor. runner, registry, and emitter are required.
func New(r runner.Runner, registry *actions.Registry, emitter Emitter, logger *slog.Logger, cfg Config) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner:   r,
		registry: registry,
		emitter:  emitter,
		logger:   logger,
		cfg:      cfg,
	}
}

// WithSecrets sets the secret provider.
func (e *Executor) WithSecrets(p secrets.Provider) *Executor {
	e.secrets = p
	return e
}

// WithCache sets the cache backend.
func (e *Executor) WithCache(s cache.Store) *Executor {
	e.cache = s
	return e
}

// WithArtifacts sets the artifact store.
func (e *Executor) WithArtifacts(s actions.ArtifactStore) *Executor {
	e.artifacts = s
	return e
}

func intPtr(i int) *int { return &i }

// Execute runs the job to completion and returns its terminal state. The
// passed context cancels the job; cancellation yields JobStatusCancelled.
func (e *Executor) Execute(ctx context.Context, runID string, ev types.TriggerEvent, pipelineEnv map[string]string, job *pipeline.Job) Result {
	logger := e.logger.With(slog.String("run_id", runID), slog.String("job", job.Name))

	workdir, err := os.MkdirTemp(e.cfg.WorkRoot, "conveyor-job-*")
	if err != nil {
		return Result{Status: types.JobStatusFailed, Reason: fmt.Sprintf("create workspace: %v", err)}
	}
	defer os.RemoveAll(workdir)

	// Secrets resolve fresh for every execution; a denied or unknown secret
	// fails the job before any step runs.
	secretValues := map[string]string{}
	if len(job.Secrets) > 0 {
		if e.secrets == nil {
			return Result{Status: types.JobStatusFailed, Reason: "no secret provider configured"}
		}
		secretValues, err = e.secrets.Resolve(ctx, job.Secrets, job.Name)
		if err != nil {
			logger.Warn("secret resolution failed", slog.Any("error", err))
			return Result{Status: types.JobStatusFailed, Reason: fmt.Sprintf("resolve secrets: %v", err)}
		}
	}
	secretList := make([]string, 0, len(secretValues))
	for _, v := range secretValues {
		secretList = append(secretList, v)
	}
	redactor := secrets.NewRedactor(secretList)

	env := mergeEnv(pipelineEnv, job.Env)
	env["CONVEYOR_BRANCH"] = ev.Branch
	env["CONVEYOR_COMMIT"] = ev.Commit
	for k, v := range secretValues {
		env[k] = v
	}

	sink := &redactingSink{
		emitter:  e.emitter,
		redactor: redactor,
		runID:    runID,
		job:      job.Name,
	}

	restored, cacheKey := e.restoreCache(ctx, runID, job, workdir, env, sink)

	for i := range job.Steps {
		step := &job.Steps[i]
		stepName := step.Name
		if stepName == "" {
			stepName = fmt.Sprintf("step-%d", i+1)
		}
		sink.setStep(stepName)
		e.emit(ctx, runID, types.EventInput{
			Type: types.EventTypeStepStatus,
			Job:  job.Name,
			Step: stepName,
			Data: types.StepStatusEvent{Status: "running"},
		})

		code, err := e.runStep(ctx, runID, job, step, stepName, workdir, env, sink)
		if err != nil {
			sink.Line(types.LogLevelError, err.Error())
			e.emit(ctx, runID, types.EventInput{
				Type: types.EventTypeStepStatus,
				Job:  job.Name,
				Step: stepName,
				Data: types.StepStatusEvent{Status: "failed"},
			})
			metrics.StepsTotal.WithLabelValues("failed").Inc()
			return Result{Status: types.JobStatusFailed, Reason: redactor.Redact(err.Error()), FailedStep: stepName}
		}
		if code != 0 {
			status := types.JobStatusFailed
			reason := fmt.Sprintf("step %s exited with code %d", stepName, code)
			if code == runner.ExitCancelled && ctx.Err() != nil {
				status = types.JobStatusCancelled
				reason = "cancelled"
			}
			e.emit(ctx, runID, types.EventInput{
				Type: types.EventTypeStepStatus,
				Job:  job.Name,
				Step: stepName,
				Data: types.StepStatusEvent{Status: string(status), ExitCode: intPtr(code)},
			})
			metrics.StepsTotal.WithLabelValues(string(status)).Inc()
			return Result{Status: status, Reason: reason, ExitCode: intPtr(code), FailedStep: stepName}
		}

		e.emit(ctx, runID, types.EventInput{
			Type: types.EventTypeStepStatus,
			Job:  job.Name,
			Step: stepName,
			Data: types.StepStatusEvent{Status: "succeeded", ExitCode: intPtr(0)},
		})
		metrics.StepsTotal.WithLabelValues("succeeded").Inc()
	}
	sink.setStep("")

	// Save only on success, and only when the exact key missed: an exact hit
	// means identical inputs already produced this entry.
	if cacheKey != "" && !restored {
		e.saveCache(ctx, runID, job, workdir, cacheKey, sink)
	}

	return Result{Status: types.JobStatusSucceeded, ExitCode: intPtr(0)}
}

// runStep executes one step, shell command or action.
func (e *Executor) runStep(ctx context.Context, runID string, job *pipeline.Job, step *pipeline.Step, stepName, workdir string, env map[string]string, sink *redactingSink) (int, error) {
	stepEnv := mergeEnv(env, step.Env)

	exec := func(ctx context.Context, argv []string, extra map[string]string) (int, error) {
		return e.runner.RunStep(ctx, runner.StepSpec{
			RunID:   runID,
			Job:     job.Name,
			Step:    stepName,
			Argv:    argv,
			Env:     mergeEnv(stepEnv, extra),
			Workdir: workdir,
			Timeout: e.cfg.StepTimeout,
			Image:   job.Image,
		}, sink)
	}

	if step.Run != "" {
		return exec(ctx, []string{"/bin/sh", "-c", step.Run}, nil)
	}

	action, err := e.registry.Lookup(step.Uses)
	if err != nil {
		return 1, err
	}
	sc := &actions.StepContext{
		RunID:     runID,
		Job:       job.Name,
		Workdir:   workdir,
		With:      step.With,
		Env:       stepEnv,
		Exec:      exec,
		Cache:     e.cacheAccess(),
		Artifacts: e.artifacts,
		Logf: func(level types.LogLevel, format string, args ...any) {
			sink.Line(level, fmt.Sprintf(format, args...))
		},
	}
	if err := action(ctx, sc); err != nil {
		return 1, err
	}
	return 0, nil
}

func (e *Executor) cacheAccess() actions.CacheAccess {
	if e.cache == nil {
		return nil
	}
	return e.cache
}

// restoreCache handles the job-level cache block before steps run. Returns
// whether the exact key hit and the computed key for the save phase. A cache
// failure never fails the job.
func (e *Executor) restoreCache(ctx context.Context, runID string, job *pipeline.Job, workdir string, env map[string]string, sink *redactingSink) (exactHit bool, key string) {
	if job.Cache == nil || e.cache == nil {
		return false, ""
	}
	spec := job.Cache

	discriminators := make(map[string]string, len(spec.Env))
	for _, name := range spec.Env {
		discriminators[name] = env[name]
	}
	key, err := cache.ComputeKey(spec.Key, workdir, spec.KeyFiles, discriminators)
	if err != nil {
		sink.Line(types.LogLevelWarning, fmt.Sprintf("cache key: %v", err))
		return false, ""
	}

	rc, matched, err := e.cache.Restore(ctx, key, spec.RestoreKeys)
	if errors.Is(err, cache.ErrMiss) {
		sink.Line(types.LogLevelInfo, fmt.Sprintf("cache miss for %s", key))
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
		e.emit(ctx, runID, types.EventInput{
			Type: types.EventTypeCache,
			Job:  job.Name,
			Data: types.CacheEvent{Op: "restore", Key: key, Hit: false},
		})
		return false, key
	}
	if err != nil {
		sink.Line(types.LogLevelWarning, fmt.Sprintf("cache restore: %v", err))
		return false, key
	}
	defer rc.Close()

	if err := cache.Extract(workdir, rc); err != nil {
		sink.Line(types.LogLevelWarning, fmt.Sprintf("cache extract: %v", err))
		return false, key
	}
	sink.Line(types.LogLevelInfo, fmt.Sprintf("cache restored from %s", matched))
	if matched == key {
		metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheRequestsTotal.WithLabelValues("restore_hit").Inc()
	}
	e.emit(ctx, runID, types.EventInput{
		Type: types.EventTypeCache,
		Job:  job.Name,
		Data: types.CacheEvent{Op: "restore", Key: key, Matched: matched, Hit: true},
	})
	return matched == key, key
}

// saveCache archives the declared paths under the exact key after a
// successful job.
func (e *Executor) saveCache(ctx context.Context, runID string, job *pipeline.Job, workdir, key string, sink *redactingSink) {
	var buf bytes.Buffer
	if err := cache.Archive(workdir, job.Cache.Paths, &buf); err != nil {
		sink.Line(types.LogLevelWarning, fmt.Sprintf("cache archive: %v", err))
		return
	}
	if err := e.cache.Save(ctx, key, &buf); err != nil {
		sink.Line(types.LogLevelWarning, fmt.Sprintf("cache save: %v", err))
		return
	}
	sink.Line(types.LogLevelInfo, fmt.Sprintf("cache saved as %s", key))
	e.emit(ctx, runID, types.EventInput{
		Type: types.EventTypeCache,
		Job:  job.Name,
		Data: types.CacheEvent{Op: "save", Key: key, Hit: true},
	})
}

func (e *Executor) emit(ctx context.Context, runID string, input types.EventInput) {
	if e.emitter != nil {
		e.emitter.Emit(ctx, runID, input)
	}
}

func mergeEnv(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}
