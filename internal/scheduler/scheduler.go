// Package scheduler executes the job DAG of a pipeline run: readiness
// gating on `needs`, bounded parallel dispatch, skip propagation, and run
// terminal status.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/internal/executor"
	"github.com/conveyorci/conveyor/internal/metrics"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/runstore"
	"github.com/conveyorci/conveyor/pkg/types"
)

// JobExecutor runs one job to completion. Satisfied by *executor.Executor.
type JobExecutor interface {
	Execute(ctx context.Context, runID string, ev types.TriggerEvent, pipelineEnv map[string]string, job *pipeline.Job) executor.Result
}

// completion is delivered by a job goroutine when its executor returns.
type completion struct {
	job    string
	result executor.Result
}

// runContext holds runtime state for one active run. The status map is only
// touched by the run's loop goroutine; no lock needed beyond the cancel flag.
type runContext struct {
	runID string
	def   *pipeline.Definition
	ev    types.TriggerEvent

	status  map[string]types.JobStatus
	started map[string]time.Time

	// completions is buffered to the job count so a finishing job never
	// blocks, even while the loop waits on the parallelism semaphore.
	completions chan completion

	cancel      context.CancelFunc
	cancelMu    sync.Mutex
	cancelled   bool
	done        chan struct{}
	startedAtTs time.Time
}

func (rc *runContext) isCancelled() bool {
	rc.cancelMu.Lock()
	defer rc.cancelMu.Unlock()
	return rc.cancelled
}

func (rc *runContext) markCancelled() {
	rc.cancelMu.Lock()
	rc.cancelled = true
	rc.cancelMu.Unlock()
}

// Config holds scheduler configuration.
type Config struct {
	// MaxParallelism limits concurrently running jobs (0 = unlimited).
	MaxParallelism int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxParallelism: 4}
}

// Scheduler owns run execution. All collaborators are injected; the
// scheduler holds no global state.
type Scheduler struct {
	store      runstore.RunStore
	exec       JobExecutor
	conditions *ConditionEvaluator
	logger     *slog.Logger

	sem chan struct{}

	runsMu sync.Mutex
	runs   map[string]*runContext
}

// New creates a scheduler.
func New(store runstore.RunStore, exec JobExecutor, logger *slog.Logger, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var sem chan struct{}
	if cfg.MaxParallelism > 0 {
		sem = make(chan struct{}, cfg.MaxParallelism)
	}

	return &Scheduler{
		store:      store,
		exec:       exec,
		conditions: NewConditionEvaluator(),
		logger:     logger,
		sem:        sem,
		runs:       make(map[string]*runContext),
	}
}

// StartRun creates a run for the definition and begins executing it. The
// run's lifetime is independent of the caller's context; use CancelRun to
// stop it.
func (s *Scheduler) StartRun(ctx context.Context, def *pipeline.Definition, ev types.TriggerEvent) (string, error) {
	runID := uuid.NewString()
	now := time.Now().UTC()

	jobs := make(map[string]*types.JobState, len(def.Jobs))
	status := make(map[string]types.JobStatus, len(def.Jobs))
	for _, job := range def.Jobs {
		jobs[job.Name] = &types.JobState{Job: job.Name, Status: types.JobStatusPending}
		status[job.Name] = types.JobStatusPending
	}

	run := &types.Run{
		ID:       runID,
		Pipeline: def.Name,
		Event:    ev,
		Status:   types.RunStatusQueued,
		Jobs:     jobs,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rctx := &runContext{
		runID:       runID,
		def:         def,
		ev:          ev,
		status:      status,
		started:     make(map[string]time.Time),
		completions: make(chan completion, len(def.Jobs)),
		cancel:      cancel,
		done:        make(chan struct{}),
		startedAtTs: now,
	}

	s.runsMu.Lock()
	s.runs[runID] = rctx
	s.runsMu.Unlock()

	if err := s.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, &now, nil, ""); err != nil {
		s.logger.Warn("update run status", slog.String("run_id", runID), slog.Any("error", err))
	}
	s.emitRunStatus(runID, types.RunStatusRunning, "")
	metrics.RunsActive.Inc()
	s.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("pipeline", def.Name),
		slog.String("event", string(ev.Kind)))

	go s.runLoop(runCtx, rctx)
	return runID, nil
}

// CancelRun stops a run: pending jobs move to cancelled and in-flight
// executors are signalled. Cancelling a finished or unknown run is an error.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	s.runsMu.Lock()
	rctx, ok := s.runs[runID]
	s.runsMu.Unlock()

	if !ok {
		meta, err := s.store.GetRunMeta(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("run %s is already %s", runID, meta.Status)
	}

	rctx.markCancelled()
	rctx.cancel()
	return nil
}

// Wait blocks until the run's loop exits. Intended for tests and shutdown.
func (s *Scheduler) Wait(runID string) {
	s.runsMu.Lock()
	rctx, ok := s.runs[runID]
	s.runsMu.Unlock()
	if ok {
		<-rctx.done
	}
}

// ActiveRuns returns the number of runs whose loop is still executing.
func (s *Scheduler) ActiveRuns() int {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	return len(s.runs)
}

// Shutdown cancels every active run and waits for their loops to drain.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.runsMu.Lock()
	active := make([]*runContext, 0, len(s.runs))
	for _, rctx := range s.runs {
		active = append(active, rctx)
	}
	s.runsMu.Unlock()

	for _, rctx := range active {
		rctx.markCancelled()
		rctx.cancel()
	}
	for _, rctx := range active {
		select {
		case <-rctx.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runLoop drives one run: dispatch ready jobs in declaration order, then
// block until a completion or cancellation, and repeat. Readiness is
// recomputed on every completion rather than polled.
func (s *Scheduler) runLoop(ctx context.Context, rctx *runContext) {
	defer close(rctx.done)
	defer func() {
		s.runsMu.Lock()
		delete(s.runs, rctx.runID)
		s.runsMu.Unlock()
	}()

	for {
		if !rctx.isCancelled() {
			s.dispatchReady(ctx, rctx)
		}

		running := 0
		terminal := true
		for _, st := range rctx.status {
			switch st {
			case types.JobStatusRunning, types.JobStatusReady:
				running++
				terminal = false
			case types.JobStatusPending:
				terminal = false
			}
		}

		if rctx.isCancelled() && running == 0 {
			s.cancelRemaining(rctx)
			s.finishRun(rctx)
			return
		}
		if terminal {
			s.finishRun(rctx)
			return
		}

		if rctx.isCancelled() {
			// Cancelled with jobs still in flight: wait for them to drain.
			s.onJobFinished(rctx, <-rctx.completions)
			continue
		}

		select {
		case c := <-rctx.completions:
			s.onJobFinished(rctx, c)
		case <-ctx.Done():
			// Stop dispatching; the next iteration drains in-flight jobs.
		}
	}
}

// dispatchReady starts every job whose full needs set succeeded, in
// declaration order, and propagates skips for jobs whose needs can no longer
// succeed. Skipping may unblock further skips, so it loops to a fixed point.
func (s *Scheduler) dispatchReady(ctx context.Context, rctx *runContext) {
	for {
		changed := false

		for _, name := range rctx.def.Graph().Jobs() {
			if rctx.status[name] != types.JobStatusPending {
				continue
			}
			if cause, blocked := s.blockedCause(rctx, name); blocked {
				s.skipJob(rctx, name, cause)
				changed = true
			}
		}

		ready := rctx.def.Graph().ReadyJobs(rctx.status)
		if len(ready) == 0 && !changed {
			return
		}

		for _, name := range ready {
			if rctx.isCancelled() {
				return
			}
			job, _ := rctx.def.Job(name)

			ok, err := s.conditions.Evaluate(job.If, ConditionEnv(rctx.ev, rctx.status))
			if err != nil {
				s.failJobBeforeStart(rctx, name, fmt.Sprintf("condition: %v", err))
				changed = true
				continue
			}
			if !ok {
				s.skipJob(rctx, name, "condition not met")
				changed = true
				continue
			}

			s.startJob(ctx, rctx, job)
			changed = true
		}

		if !changed {
			return
		}
	}
}

// blockedCause reports whether any dependency of the job reached a terminal
// status other than succeeded, naming the first such dependency in needs
// order.
func (s *Scheduler) blockedCause(rctx *runContext, name string) (string, bool) {
	for _, dep := range rctx.def.Graph().Needs(name) {
		switch rctx.status[dep] {
		case types.JobStatusFailed:
			return fmt.Sprintf("dependency %s failed", dep), true
		case types.JobStatusSkipped:
			return fmt.Sprintf("dependency %s skipped", dep), true
		case types.JobStatusCancelled:
			return fmt.Sprintf("dependency %s cancelled", dep), true
		}
	}
	return "", false
}

// startJob acquires a parallelism slot and hands the job to the executor.
// Slot acquisition happens here, in declaration order, so dispatch order
// stays deterministic under a saturated pool. A completion arriving while we
// wait frees a slot, and the buffered completions channel keeps the
// finishing job from blocking.
func (s *Scheduler) startJob(ctx context.Context, rctx *runContext, job *pipeline.Job) {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}

	now := time.Now().UTC()
	rctx.status[job.Name] = types.JobStatusRunning
	rctx.started[job.Name] = now
	s.updateJobState(rctx.runID, &types.JobState{
		Job:       job.Name,
		Status:    types.JobStatusRunning,
		StartedAt: &now,
	})
	s.emitJobStatus(rctx.runID, job.Name, types.JobStatusRunning, "", nil)

	go func() {
		defer func() {
			if s.sem != nil {
				<-s.sem
			}
		}()
		result := s.exec.Execute(ctx, rctx.runID, rctx.ev, rctx.def.Env, job)
		rctx.completions <- completion{job: job.Name, result: result}
	}()
}

// onJobFinished records a terminal job status and its metrics.
func (s *Scheduler) onJobFinished(rctx *runContext, c completion) {
	now := time.Now().UTC()
	res := c.result

	rctx.status[c.job] = res.Status
	started := rctx.started[c.job]
	state := &types.JobState{
		Job:        c.job,
		Status:     res.Status,
		Reason:     res.Reason,
		StartedAt:  &started,
		FinishedAt: &now,
		ExitCode:   res.ExitCode,
		FailedStep: res.FailedStep,
	}
	s.updateJobState(rctx.runID, state)
	s.emitJobStatus(rctx.runID, c.job, res.Status, res.Reason, res.ExitCode)

	metrics.JobsTotal.WithLabelValues(string(res.Status)).Inc()
	metrics.JobDuration.WithLabelValues(string(res.Status)).Observe(now.Sub(started).Seconds())

	s.logger.Info("job finished",
		slog.String("run_id", rctx.runID),
		slog.String("job", c.job),
		slog.String("status", string(res.Status)))
}

// skipJob marks a pending job skipped with the causing dependency or
// condition named.
func (s *Scheduler) skipJob(rctx *runContext, name, reason string) {
	rctx.status[name] = types.JobStatusSkipped
	s.updateJobState(rctx.runID, &types.JobState{
		Job:    name,
		Status: types.JobStatusSkipped,
		Reason: reason,
	})
	s.emitJobStatus(rctx.runID, name, types.JobStatusSkipped, reason, nil)
	metrics.JobsTotal.WithLabelValues(string(types.JobStatusSkipped)).Inc()
}

// failJobBeforeStart marks a job failed without running it, e.g. when its
// condition does not evaluate.
func (s *Scheduler) failJobBeforeStart(rctx *runContext, name, reason string) {
	rctx.status[name] = types.JobStatusFailed
	s.updateJobState(rctx.runID, &types.JobState{
		Job:    name,
		Status: types.JobStatusFailed,
		Reason: reason,
	})
	s.emitJobStatus(rctx.runID, name, types.JobStatusFailed, reason, nil)
	metrics.JobsTotal.WithLabelValues(string(types.JobStatusFailed)).Inc()
}

// cancelRemaining transitions every non-terminal job to cancelled.
func (s *Scheduler) cancelRemaining(rctx *runContext) {
	for _, name := range rctx.def.Graph().Jobs() {
		if rctx.status[name].Terminal() {
			continue
		}
		rctx.status[name] = types.JobStatusCancelled
		s.updateJobState(rctx.runID, &types.JobState{
			Job:    name,
			Status: types.JobStatusCancelled,
			Reason: "run cancelled",
		})
		s.emitJobStatus(rctx.runID, name, types.JobStatusCancelled, "run cancelled", nil)
	}
}

// finishRun computes and persists the run's terminal status. A skipped job
// fails the run unless the job is marked optional; a cancelled run is
// cancelled regardless of what completed before the signal.
func (s *Scheduler) finishRun(rctx *runContext) {
	status := types.RunStatusSucceeded
	var runErr string

	for _, name := range rctx.def.Graph().Jobs() {
		job, _ := rctx.def.Job(name)
		switch rctx.status[name] {
		case types.JobStatusFailed:
			status = types.RunStatusFailed
			if runErr == "" {
				runErr = fmt.Sprintf("job %s failed", name)
			}
		case types.JobStatusSkipped:
			if !job.Optional {
				status = types.RunStatusFailed
				if runErr == "" {
					runErr = fmt.Sprintf("job %s skipped", name)
				}
			}
		}
	}
	if rctx.isCancelled() {
		status = types.RunStatusCancelled
		runErr = ""
	}

	now := time.Now().UTC()
	ctx := context.Background()
	if err := s.store.UpdateRunStatus(ctx, rctx.runID, status, nil, &now, runErr); err != nil {
		s.logger.Warn("update run status", slog.String("run_id", rctx.runID), slog.Any("error", err))
	}
	s.emitRunStatus(rctx.runID, status, runErr)
	s.emitEvent(rctx.runID, &types.EventInput{Type: types.EventTypeStreamEnd})

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(status)).Observe(now.Sub(rctx.startedAtTs).Seconds())

	s.logger.Info("run finished",
		slog.String("run_id", rctx.runID),
		slog.String("pipeline", rctx.def.Name),
		slog.String("status", string(status)))
}

func (s *Scheduler) updateJobState(runID string, state *types.JobState) {
	if err := s.store.UpdateJobState(context.Background(), runID, state); err != nil {
		s.logger.Warn("update job state",
			slog.String("run_id", runID),
			slog.String("job", state.Job),
			slog.Any("error", err))
	}
}

func (s *Scheduler) emitEvent(runID string, input *types.EventInput) {
	if _, err := s.store.AppendEvent(context.Background(), runID, input); err != nil {
		s.logger.Warn("append event", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func (s *Scheduler) emitRunStatus(runID string, status types.RunStatus, runErr string) {
	s.emitEvent(runID, &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: status, Error: runErr},
	})
}

func (s *Scheduler) emitJobStatus(runID, job string, status types.JobStatus, reason string, exitCode *int) {
	s.emitEvent(runID, &types.EventInput{
		Type: types.EventTypeJobStatus,
		Job:  job,
		Data: types.JobStatusEvent{Status: status, Reason: reason, ExitCode: exitCode},
	})
}
