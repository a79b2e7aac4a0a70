package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event in a run's stream.
type EventType string

const (
	EventTypeLog        EventType = "log"
	EventTypeStepStatus EventType = "step_status"
	EventTypeJobStatus  EventType = "job_status"
	EventTypeRunStatus  EventType = "run_status"
	EventTypeCache      EventType = "cache"
	EventTypeArtifact   EventType = "artifact"
	EventTypeStreamEnd  EventType = "stream_end"
)

// LogLevel represents the severity of a log event.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Event is a single entry in a run's append-only event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	Job       string          `json:"job,omitempty"`
	Step      string          `json:"step,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type EventType   `json:"type"`
	Job  string      `json:"job,omitempty"`
	Step string      `json:"step,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// LogEvent is the data payload for log events.
type LogEvent struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// StepStatusEvent is the data payload for step status change events.
type StepStatusEvent struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// CacheEvent is the data payload for cache restore/save events.
type CacheEvent struct {
	Op      string `json:"op"` // "restore" or "save"
	Key     string `json:"key"`
	Matched string `json:"matched,omitempty"`
	Hit     bool   `json:"hit"`
}

// JobStatusEvent is the data payload for job status change events.
type JobStatusEvent struct {
	Status   JobStatus `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
}

// RunStatusEvent is the data payload for run status change events.
type RunStatusEvent struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ToSSE formats the event for the Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
