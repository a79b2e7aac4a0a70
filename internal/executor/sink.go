package executor

import (
	"context"
	"sync"

	"github.com/conveyorci/conveyor/internal/secrets"
	"github.com/conveyorci/conveyor/pkg/types"
)

// redactingSink forwards step output to the run's event stream with secret
// values replaced before anything leaves the executor.
type redactingSink struct {
	emitter  Emitter
	redactor *secrets.Redactor
	runID    string
	job      string

	mu   sync.Mutex
	step string
}

func (s *redactingSink) setStep(step string) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

func (s *redactingSink) Line(level types.LogLevel, line string) {
	if s.emitter == nil {
		return
	}
	s.mu.Lock()
	step := s.step
	s.mu.Unlock()

	s.emitter.Emit(context.Background(), s.runID, types.EventInput{
		Type: types.EventTypeLog,
		Job:  s.job,
		Step: step,
		Data: types.LogEvent{Level: level, Message: s.redactor.Redact(line)},
	})
}
