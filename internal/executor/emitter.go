package executor

import (
	"context"
	"log/slog"

	"github.com/conveyorci/conveyor/internal/metrics"
	"github.com/conveyorci/conveyor/internal/runstore"
	"github.com/conveyorci/conveyor/pkg/types"
)

// StoreEmitter appends execution events to a RunStore. Append failures are
// logged and dropped so a degraded store never fails a job.
type StoreEmitter struct {
	store  runstore.RunStore
	logger *slog.Logger
}

var _ Emitter = (*StoreEmitter)(nil)

// NewStoreEmitter creates an emitter backed by the run store.
func NewStoreEmitter(store runstore.RunStore, logger *slog.Logger) *StoreEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreEmitter{store: store, logger: logger}
}

// Emit appends the event to the run's stream.
func (e *StoreEmitter) Emit(ctx context.Context, runID string, input types.EventInput) {
	if _, err := e.store.AppendEvent(ctx, runID, &input); err != nil {
		e.logger.Warn("append event",
			slog.String("run_id", runID),
			slog.String("type", string(input.Type)),
			slog.Any("error", err))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
}
