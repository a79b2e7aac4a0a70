package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conveyorci/conveyor/pkg/types"
)

// RedisStore implements RunStore backed by Redis. Run metadata lives in
// hashes, job states in a JSON hash field, and the event stream in a Redis
// Stream capped with MAXLEN.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64
	mu     sync.Mutex
	closed bool
}

var _ RunStore = (*RedisStore)(nil)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db).
	URL string

	// Password for Redis authentication.
	Password string

	// DB is the database number.
	DB int

	// Prefix for all keys (default: "conveyor:runs").
	Prefix string

	// TTL for run data (default: 7 days).
	TTL time.Duration

	// EventMaxLen caps the per-run event stream.
	EventMaxLen int64

	// Connection pool settings.
	PoolSize     int
	MinIdleConns int

	// Timeouts.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "conveyor:runs",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "conveyor:runs"
	}
	maxLen := cfg.EventMaxLen
	if maxLen <= 0 {
		maxLen = 5000
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: maxLen,
	}, nil
}

func (s *RedisStore) keyMeta(runID string) string   { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyJobs(runID string) string   { return fmt.Sprintf("%s:%s:jobs", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyJobs(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CreateRun(ctx context.Context, run *types.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no ID")
	}
	now := time.Now().UTC()

	jobsJSON, _ := json.Marshal(run.Jobs)
	eventJSON, _ := json.Marshal(run.Event)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(run.ID), map[string]interface{}{
		"runId":      run.ID,
		"pipeline":   run.Pipeline,
		"event":      string(eventJSON),
		"status":     string(run.Status),
		"error":      "",
		"startedAt":  "",
		"finishedAt": "",
		"createdAt":  now.Format(time.RFC3339Nano),
		"updatedAt":  now.Format(time.RFC3339Nano),
	})
	pipe.HSet(ctx, s.keyJobs(run.ID), "json", string(jobsJSON))
	pipe.Set(ctx, s.keySeq(run.ID), "0", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if err := s.setTTL(ctx, run.ID); err != nil {
		slog.Warn("set TTL for run", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	return nil
}

func parseRunMeta(runID string, meta map[string]string) *types.RunMeta {
	result := &types.RunMeta{
		ID:       runID,
		Pipeline: meta["pipeline"],
		Status:   types.RunStatus(meta["status"]),
		Error:    meta["error"],
	}
	if meta["event"] != "" {
		json.Unmarshal([]byte(meta["event"]), &result.Event)
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["startedAt"]); err == nil {
		result.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["finishedAt"]); err == nil {
		result.FinishedAt = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["createdAt"]); err == nil {
		result.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["updatedAt"]); err == nil {
		result.UpdatedAt = t
	}
	return result
}

func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}
	return parseRunMeta(runID, meta), nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keyMeta(runID))
	jobsCmd := pipe.HGet(ctx, s.keyJobs(runID), "json")
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get run: %w", err)
	}

	meta, err := metaCmd.Result()
	if err != nil || len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	m := parseRunMeta(runID, meta)
	run := &types.Run{
		ID:         m.ID,
		Pipeline:   m.Pipeline,
		Event:      m.Event,
		Status:     m.Status,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		Jobs:       make(map[string]*types.JobState),
	}

	if jobsJSON, err := jobsCmd.Result(); err == nil && jobsJSON != "" {
		json.Unmarshal([]byte(jobsJSON), &run.Jobs)
	}
	return run, nil
}

func (s *RedisStore) ListRuns(ctx context.Context) ([]*types.RunMeta, error) {
	pattern := fmt.Sprintf("%s:*:meta", s.prefix)
	var metas []*types.RunMeta
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan runs: %w", err)
		}

		for _, key := range keys {
			runID := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix+":"), ":meta")
			meta, err := s.GetRunMeta(ctx, runID)
			if err != nil {
				continue
			}
			metas = append(metas, meta)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time, runErr string) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	fields := map[string]interface{}{
		"status":    string(status),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if startedAt != nil {
		fields["startedAt"] = startedAt.UTC().Format(time.RFC3339Nano)
	}
	if finishedAt != nil {
		fields["finishedAt"] = finishedAt.UTC().Format(time.RFC3339Nano)
	}
	if runErr != "" {
		fields["error"] = runErr
	}

	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

func (s *RedisStore) UpdateJobState(ctx context.Context, runID string, state *types.JobState) error {
	jobsJSON, err := s.client.HGet(ctx, s.keyJobs(runID), "json").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrRunNotFound
		}
		return fmt.Errorf("get jobs: %w", err)
	}

	jobs := make(map[string]*types.JobState)
	if jobsJSON != "" {
		json.Unmarshal([]byte(jobsJSON), &jobs)
	}
	jobs[state.Job] = state

	updatedJSON, _ := json.Marshal(jobs)
	if err := s.client.HSet(ctx, s.keyJobs(runID), "json", string(updatedJSON)).Err(); err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

func (s *RedisStore) GetJobState(ctx context.Context, runID, job string) (*types.JobState, error) {
	jobsJSON, err := s.client.HGet(ctx, s.keyJobs(runID), "json").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get jobs: %w", err)
	}

	jobs := make(map[string]*types.JobState)
	if err := json.Unmarshal([]byte(jobsJSON), &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal jobs: %w", err)
	}

	state, ok := jobs[job]
	if !ok {
		return nil, fmt.Errorf("job %s not found in run %s", job, runID)
	}
	return state, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)
	dataBytes, _ := json.Marshal(input.Data)

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		Job:       input.Job,
		Step:      input.Step,
		Timestamp: now,
		Data:      dataBytes,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  eventID,
			"ts":   now.Format(time.RFC3339Nano),
			"type": string(input.Type),
			"job":  input.Job,
			"step": input.Step,
			"data": string(dataBytes),
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)
	return event, nil
}

func eventFromStreamValues(runID string, values map[string]interface{}) *types.Event {
	seqStr, _ := values["seq"].(string)
	ts, _ := values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)
	eventType, _ := values["type"].(string)
	job, _ := values["job"].(string)
	step, _ := values["step"].(string)
	data, _ := values["data"].(string)

	return &types.Event{
		ID:        seqStr,
		RunID:     runID,
		Type:      types.EventType(eventType),
		Job:       job,
		Step:      step,
		Timestamp: timestamp,
		Data:      json.RawMessage(data),
	}
}

func (s *RedisStore) EventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var events []*types.Event
	for _, entry := range entries {
		event := eventFromStreamValues(runID, entry.Values)
		seq, _ := strconv.ParseInt(event.ID, 10, 64)
		if lastSeq > 0 && seq <= lastSeq {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan *types.Event, 100)

	// All delivery goes through the Redis Stream, so subscribers see events
	// appended by any daemon instance, not just this one.
	readerCtx, stopReader := context.WithCancel(ctx)
	go s.streamReader(readerCtx, runID, ch)

	cleanup := stopReader
	return ch, cleanup, nil
}

// streamReader tails the run's Redis Stream and pushes into the channel.
func (s *RedisStore) streamReader(ctx context.Context, runID string, ch chan *types.Event) {
	lastID := "$"

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				event := eventFromStreamValues(runID, entry.Values)
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)
	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
