package k8s

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// JobWatcher watches a Job and reports status changes and logs.
type JobWatcher struct {
	client     *Client
	jobName    string
	logger     *slog.Logger
	onLog      func(line string)
	onStatus   func(status *JobStatus)
	onComplete func(exitCode int, err error)
}

// WatchConfig holds configuration for job watching.
type WatchConfig struct {
	// OnLog is called for each pod log line.
	OnLog func(line string)

	// OnStatus is called on status changes.
	OnStatus func(status *JobStatus)

	// OnComplete is called once when the job finishes.
	OnComplete func(exitCode int, err error)
}

// NewJobWatcher creates a new watcher for a job.
func NewJobWatcher(client *Client, jobName string, logger *slog.Logger, cfg *WatchConfig) *JobWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &JobWatcher{
		client:  client,
		jobName: jobName,
		logger:  logger.With(slog.String("k8s_job", jobName)),
	}
	if cfg != nil {
		w.onLog = cfg.OnLog
		w.onStatus = cfg.OnStatus
		w.onComplete = cfg.OnComplete
	}
	return w
}

// Watch starts watching the job until completion or context cancellation.
func (w *JobWatcher) Watch(ctx context.Context) error {
	go w.watchJob(ctx)
	go w.streamLogs(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// watchJob watches the Job resource for status changes.
func (w *JobWatcher) watchJob(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		watcher, err := w.client.clientset.BatchV1().Jobs(w.client.namespace).Watch(ctx, metav1.ListOptions{
			FieldSelector: fmt.Sprintf("metadata.name=%s", w.jobName),
		})
		if err != nil {
			w.logger.Warn("watch job", slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}

		for event := range watcher.ResultChan() {
			select {
			case <-ctx.Done():
				watcher.Stop()
				return
			default:
			}

			if event.Type == watch.Error {
				continue
			}

			job, ok := event.Object.(*batchv1.Job)
			if !ok {
				continue
			}

			status := GetJobStatus(job)
			if w.onStatus != nil {
				w.onStatus(status)
			}

			if status.Phase == "succeeded" || status.Phase == "failed" {
				exitCode := 0
				if status.Phase == "failed" {
					exitCode = 1
				}
				if w.onComplete != nil {
					w.onComplete(exitCode, nil)
				}
				watcher.Stop()
				return
			}
		}
	}
}

// streamLogs streams logs from the job's pod once it exists.
func (w *JobWatcher) streamLogs(ctx context.Context) {
	podName, err := w.waitForPod(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("wait for pod", slog.Any("error", err))
		}
		return
	}

	if err := w.waitForContainer(ctx, podName); err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("wait for container", slog.Any("error", err))
		}
		return
	}

	if err := w.followPodLogs(ctx, podName); err != nil && ctx.Err() == nil {
		w.logger.Warn("follow logs", slog.Any("error", err))
	}
}

// waitForPod waits for a pod to be created for the job.
func (w *JobWatcher) waitForPod(ctx context.Context) (string, error) {
	labelSelector := fmt.Sprintf("job-name=%s", w.jobName)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}

		pods, err := w.client.ListPods(ctx, labelSelector)
		if err != nil {
			continue
		}
		if len(pods.Items) > 0 {
			return pods.Items[0].Name, nil
		}
	}
}

// waitForContainer waits for the step container to start.
func (w *JobWatcher) waitForContainer(ctx context.Context, podName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}

		pod, err := w.client.clientset.CoreV1().Pods(w.client.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			continue
		}

		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == "step" {
				if cs.State.Running != nil || cs.State.Terminated != nil {
					return nil
				}
			}
		}

		if pod.Status.Phase == corev1.PodRunning ||
			pod.Status.Phase == corev1.PodSucceeded ||
			pod.Status.Phase == corev1.PodFailed {
			return nil
		}
	}
}

// followPodLogs streams logs from the pod.
func (w *JobWatcher) followPodLogs(ctx context.Context, podName string) error {
	req := w.client.clientset.CoreV1().Pods(w.client.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: "step",
		Follow:    true,
	})

	stream, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("get log stream: %w", err)
	}
	defer stream.Close()

	reader := bufio.NewReader(stream)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}
		if w.onLog != nil {
			w.onLog(line)
		}
	}
}
