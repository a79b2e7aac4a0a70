package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conveyorci/conveyor/internal/k8s"
	"github.com/conveyorci/conveyor/internal/metrics"
	"github.com/conveyorci/conveyor/pkg/types"
)

// KubernetesRunner executes each step as a Kubernetes Job and streams the
// pod's logs back through the sink. Pod log streaming does not distinguish
// stdout from stderr, so all lines arrive at info level.
type KubernetesRunner struct {
	client  *k8s.Client
	builder *k8s.JobBuilder
	logger  *slog.Logger
}

// KubernetesConfig holds configuration for the Kubernetes runner.
type KubernetesConfig struct {
	Client *k8s.Config
	Job    *k8s.JobConfig
}

var _ Runner = (*KubernetesRunner)(nil)

// NewKubernetesRunner creates a runner backed by the cluster the client
// config points at.
func NewKubernetesRunner(cfg *KubernetesConfig, logger *slog.Logger) (*KubernetesRunner, error) {
	if cfg == nil {
		cfg = &KubernetesConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := k8s.NewClient(cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}

	jobCfg := cfg.Job
	if jobCfg == nil {
		jobCfg = k8s.DefaultJobConfig()
	}
	jobCfg.Namespace = client.Namespace()

	return &KubernetesRunner{
		client:  client,
		builder: k8s.NewJobBuilder(jobCfg),
		logger:  logger,
	}, nil
}

// RunStep creates a Job for the step and waits for it to finish.
func (r *KubernetesRunner) RunStep(ctx context.Context, spec StepSpec, logs LogSink) (int, error) {
	job, err := r.builder.BuildJob(&k8s.StepJob{
		RunID:   spec.RunID,
		Job:     spec.Job,
		Step:    spec.Step,
		Image:   spec.Image,
		Command: spec.Argv,
		Env:     spec.Env,
		Timeout: spec.Timeout,
	})
	if err != nil {
		return 1, fmt.Errorf("build job: %w", err)
	}

	created, err := r.client.CreateJob(ctx, job)
	if err != nil {
		return 1, fmt.Errorf("create job: %w", err)
	}
	jobName := created.Name
	r.logger.Info("created step job",
		slog.String("k8s_job", jobName),
		slog.String("run_id", spec.RunID),
		slog.String("job", spec.Job),
		slog.String("step", spec.Step))

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()

	exitCode := 0
	var exitErr error
	done := make(chan struct{})

	watcher := k8s.NewJobWatcher(r.client, jobName, r.logger, &k8s.WatchConfig{
		OnLog: func(line string) {
			if logs != nil {
				logs.Line(types.LogLevelInfo, line)
			}
		},
		OnComplete: func(code int, err error) {
			exitCode = code
			exitErr = err
			close(done)
			watchCancel()
		},
	})
	go watcher.Watch(watchCtx)

	select {
	case <-done:
	case <-ctx.Done():
		if err := r.client.DeleteJob(context.Background(), jobName); err != nil {
			r.logger.Warn("delete step job", slog.String("k8s_job", jobName), slog.Any("error", err))
		}
		metrics.K8sJobsTotal.WithLabelValues("cancelled").Inc()
		return ExitCancelled, nil
	}

	if exitErr != nil {
		metrics.K8sJobsTotal.WithLabelValues("error").Inc()
		return exitCode, exitErr
	}
	if exitCode == 0 {
		metrics.K8sJobsTotal.WithLabelValues("succeeded").Inc()
	} else {
		metrics.K8sJobsTotal.WithLabelValues("failed").Inc()
	}
	return exitCode, nil
}

// HealthCheck verifies cluster connectivity.
func (r *KubernetesRunner) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
