// Package types provides shared types for the conveyor orchestrator.
package types

import (
	"time"
)

// RunStatus represents the overall state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// JobStatus represents the state of a single job within a run.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusReady     JobStatus = "ready"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job has reached a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusSkipped, JobStatusCancelled:
		return true
	}
	return false
}

// EventKind is the kind of source-control event that can trigger a run.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
	EventManual      EventKind = "manual"
)

// TriggerEvent is an inbound event that may start a pipeline run.
type TriggerEvent struct {
	Kind     EventKind `json:"kind"`
	Branch   string    `json:"branch,omitempty"`
	Commit   string    `json:"commit,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Pipeline string    `json:"pipeline,omitempty"` // manual dispatch target
}

// Run represents a single execution of a pipeline definition.
type Run struct {
	ID         string               `json:"id"`
	Pipeline   string               `json:"pipeline"`
	Event      TriggerEvent         `json:"event"`
	Status     RunStatus            `json:"status"`
	Jobs       map[string]*JobState `json:"jobs,omitempty"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID         string       `json:"id"`
	Pipeline   string       `json:"pipeline"`
	Event      TriggerEvent `json:"event"`
	Status     RunStatus    `json:"status"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// JobState tracks the runtime state of a job within a run.
type JobState struct {
	Job        string     `json:"job"`
	Status     JobStatus  `json:"status"`
	Reason     string     `json:"reason,omitempty"` // skip/cancel cause, e.g. the failed dependency
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	FailedStep string     `json:"failed_step,omitempty"`
}
