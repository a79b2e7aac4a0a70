package k8s

import (
	"fmt"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// StepJob describes one pipeline step to run as a Kubernetes Job.
type StepJob struct {
	RunID   string
	Job     string
	Step    string
	Image   string
	Command []string
	Env     map[string]string
	Timeout time.Duration
}

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	// Namespace for the job.
	Namespace string

	// ServiceAccountName for the pod.
	ServiceAccountName string

	// ImagePullSecrets for private registries.
	ImagePullSecrets []string

	// Default resource limits.
	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	// ActiveDeadlineSeconds bounds job runtime when a step has no timeout.
	ActiveDeadlineSeconds *int64

	// TTLSecondsAfterFinished for cleanup.
	TTLSecondsAfterFinished *int32

	// BackoffLimit for job retries. Retries are owned by the scheduler, so
	// this defaults to zero.
	BackoffLimit *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)
	backoff := int32(0)
	deadline := int64(3600)

	return &JobConfig{
		Namespace:               "conveyor",
		ServiceAccountName:      "default",
		DefaultCPULimit:         "2",
		DefaultMemoryLimit:      "2Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
		BackoffLimit:            &backoff,
	}
}

// JobBuilder creates Kubernetes Jobs from step specs.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// BuildJob creates a K8s Job for a step.
func (b *JobBuilder) BuildJob(spec *StepJob) (*batchv1.Job, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("step %s/%s has no image specified", spec.Job, spec.Step)
	}
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("step %s/%s has no command", spec.Job, spec.Step)
	}

	runTag := spec.RunID
	if len(runTag) > 8 {
		runTag = runTag[:8]
	}
	jobName := sanitizeK8sName(fmt.Sprintf("run-%s-%s-%s", runTag, spec.Job, spec.Step))

	labels := map[string]string{
		"app.kubernetes.io/name":       "conveyor-step",
		"app.kubernetes.io/managed-by": "conveyord",
		"conveyor.ci/run-id":           sanitizeK8sLabel(spec.RunID),
		"conveyor.ci/job":              sanitizeK8sLabel(spec.Job),
	}

	envVars := []corev1.EnvVar{
		{Name: "CONVEYOR_RUN_ID", Value: spec.RunID},
		{Name: "CONVEYOR_JOB", Value: spec.Job},
	}
	for key, value := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	command := []string{spec.Command[0]}
	var args []string
	if len(spec.Command) > 1 {
		args = spec.Command[1:]
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemoryLimit),
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPURequest),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemRequest),
		},
	}

	container := corev1.Container{
		Name:            "step",
		Image:           spec.Image,
		Command:         command,
		Args:            args,
		Env:             envVars,
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			RunAsNonRoot:             boolPtr(true),
			RunAsUser:                int64Ptr(1000),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: boolPtr(true),
			RunAsUser:    int64Ptr(1000),
			FSGroup:      int64Ptr(1000),
		},
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: podSpec,
			},
			BackoffLimit:            b.config.BackoffLimit,
			ActiveDeadlineSeconds:   b.config.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}

	if spec.Timeout > 0 {
		deadline := int64(spec.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}

	return job, nil
}

// JobStatus extracts status from a Job.
type JobStatus struct {
	Phase      string
	StartTime  *metav1.Time
	EndTime    *metav1.Time
	Succeeded  int32
	Failed     int32
	Active     int32
	Conditions []batchv1.JobCondition
}

// GetJobStatus extracts status from a Job object.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{
		Phase:      "unknown",
		StartTime:  job.Status.StartTime,
		EndTime:    job.Status.CompletionTime,
		Succeeded:  job.Status.Succeeded,
		Failed:     job.Status.Failed,
		Active:     job.Status.Active,
		Conditions: job.Status.Conditions,
	}

	if job.Status.Succeeded > 0 {
		status.Phase = "succeeded"
	} else if job.Status.Failed > 0 {
		status.Phase = "failed"
	} else if job.Status.Active > 0 {
		status.Phase = "running"
	} else {
		status.Phase = "pending"
	}

	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
			status.Phase = "succeeded"
		}
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			status.Phase = "failed"
		}
	}

	return status
}

func sanitizeK8sName(name string) string {
	name = strings.ToLower(name)
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else if r == '_' || r == '.' {
			result.WriteRune('-')
		}
	}
	s := strings.Trim(result.String(), "-")
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func sanitizeK8sLabel(value string) string {
	var result strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	s := result.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func boolPtr(b bool) *bool {
	return &b
}

func int64Ptr(i int64) *int64 {
	return &i
}
