package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	run         types.Run
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

var _ RunStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) get(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}

	now := time.Now().UTC()
	stored := *run
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Jobs == nil {
		stored.Jobs = make(map[string]*types.JobState)
	}

	s.runs[run.ID] = &memoryRun{
		run:         stored,
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return nil
}

// snapshot returns a deep-enough copy: job states are copied so callers
// cannot race with scheduler updates.
func (r *memoryRun) snapshot() *types.Run {
	out := r.run
	out.Jobs = make(map[string]*types.JobState, len(r.run.Jobs))
	for name, st := range r.run.Jobs {
		stCopy := *st
		out.Jobs[name] = &stCopy
	}
	return &out
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.snapshot(), nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	return metaOf(&run.run), nil
}

func metaOf(run *types.Run) *types.RunMeta {
	return &types.RunMeta{
		ID:         run.ID,
		Pipeline:   run.Pipeline,
		Event:      run.Event,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	}
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]*types.RunMeta, error) {
	s.mu.RLock()
	metas := make([]*types.RunMeta, 0, len(s.runs))
	for _, run := range s.runs {
		run.mu.RLock()
		metas = append(metas, metaOf(&run.run))
		run.mu.RUnlock()
	}
	s.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time, runErr string) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	run.run.Status = status
	run.run.UpdatedAt = time.Now().UTC()
	if startedAt != nil {
		run.run.StartedAt = startedAt
	}
	if finishedAt != nil {
		run.run.FinishedAt = finishedAt
	}
	if runErr != "" {
		run.run.Error = runErr
	}
	return nil
}

func (s *MemoryStore) UpdateJobState(ctx context.Context, runID string, state *types.JobState) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	stCopy := *state
	run.run.Jobs[state.Job] = &stCopy
	run.run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetJobState(ctx context.Context, runID, job string) (*types.JobState, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	state, ok := run.run.Jobs[job]
	if !ok {
		return nil, fmt.Errorf("job %s not found in run %s", job, runID)
	}
	stCopy := *state
	return &stCopy, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		run.mu.Unlock()
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        fmt.Sprintf("%d", run.nextSeq),
		RunID:     runID,
		Type:      input.Type,
		Job:       input.Job,
		Step:      input.Step,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	run.nextSeq++

	if int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.run.UpdatedAt = event.Timestamp

	subs := make([]chan *types.Event, 0, len(run.subscribers))
	for ch := range run.subscribers {
		subs = append(subs, ch)
	}
	run.mu.Unlock()

	// Non-blocking notify: a slow subscriber misses events rather than
	// stalling the run.
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}

	return event, nil
}

func (s *MemoryStore) EventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if lastEventID == "" {
		result := make([]*types.Event, len(run.events))
		copy(result, run.events)
		return result, nil
	}

	var result []*types.Event
	found := false
	for _, evt := range run.events {
		if found {
			result = append(result, evt)
		}
		if evt.ID == lastEventID {
			found = true
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)
	run.mu.Lock()
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		delete(run.subscribers, ch)
		run.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}
	return nil
}
