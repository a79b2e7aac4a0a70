// Package runstore provides run state persistence and event streaming.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/conveyorci/conveyor/pkg/types"
)

// ErrRunNotFound is returned when the run ID is unknown to the store.
var ErrRunNotFound = errors.New("run not found")

// RunStore persists run state and the per-run event stream.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// CreateRun persists a new run. The run carries its ID, pipeline name,
	// trigger event, and initial job states.
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)

	// ListRuns returns metadata for all known runs, newest first.
	ListRuns(ctx context.Context) ([]*types.RunMeta, error)

	// UpdateRunStatus transitions the run's status. Nil timestamps leave the
	// stored values untouched; runErr is recorded when non-empty.
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time, runErr string) error

	// Job state tracking.
	UpdateJobState(ctx context.Context, runID string, state *types.JobState) error
	GetJobState(ctx context.Context, runID, job string) (*types.JobState, error)

	// AppendEvent adds an event to the run's stream and returns it with its
	// assigned sequence ID.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// EventsSince returns events after the given event ID (exclusive).
	// An empty lastEventID returns everything retained.
	EventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving new events for the run. The
	// cleanup function must be called to release the subscription.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// AdapterInfo returns diagnostics for the readiness endpoint.
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer).
	EventMaxLen int64

	// TTL for runs (0 = no expiry). Only the Redis store enforces it.
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         7 * 24 * time.Hour,
	}
}
