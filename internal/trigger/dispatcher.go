package trigger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/conveyorci/conveyor/internal/metrics"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/pkg/types"
)

// ErrQueueFull is returned by Submit when the inbound event queue is at
// capacity. Callers should surface backpressure rather than block.
var ErrQueueFull = errors.New("event queue full")

// RunStarter starts a run for a matched definition. Implemented by the
// scheduler.
type RunStarter interface {
	StartRun(ctx context.Context, def *pipeline.Definition, ev types.TriggerEvent) (string, error)
}

// Dispatcher decouples event ingestion from scheduling: inbound events go
// onto a bounded queue and a single consumer loop evaluates them against the
// trigger rules, starting runs for matches.
type Dispatcher struct {
	eval    *Evaluator
	starter RunStarter
	queue   chan types.TriggerEvent
	logger  *slog.Logger
}

// DispatcherConfig holds dispatcher configuration.
type DispatcherConfig struct {
	// QueueSize bounds the inbound event queue (default 256).
	QueueSize int
}

// NewDispatcher creates a dispatcher. Run must be called for events to be
// consumed.
func NewDispatcher(eval *Evaluator, starter RunStarter, cfg *DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg == nil {
		cfg = &DispatcherConfig{}
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		eval:    eval,
		starter: starter,
		queue:   make(chan types.TriggerEvent, size),
		logger:  logger,
	}
}

// Submit enqueues an event without blocking. Returns ErrQueueFull if the
// queue is at capacity.
func (d *Dispatcher) Submit(ev types.TriggerEvent) error {
	select {
	case d.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run consumes the event queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.queue:
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev types.TriggerEvent) {
	def := d.eval.Match(ev)
	if def == nil {
		// No rule matched: the event is dropped, not an error.
		metrics.TriggerEventsTotal.WithLabelValues(string(ev.Kind), "unmatched").Inc()
		d.logger.Debug("event matched no pipeline",
			slog.String("kind", string(ev.Kind)),
			slog.String("branch", ev.Branch),
		)
		return
	}

	metrics.TriggerEventsTotal.WithLabelValues(string(ev.Kind), "matched").Inc()

	runID, err := d.starter.StartRun(ctx, def, ev)
	if err != nil {
		d.logger.Error("failed to start run",
			slog.String("pipeline", def.Name),
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err),
		)
		return
	}

	d.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("pipeline", def.Name),
		slog.String("kind", string(ev.Kind)),
		slog.String("branch", ev.Branch),
	)
}
