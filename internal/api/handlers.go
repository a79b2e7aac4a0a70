package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/runstore"
	"github.com/conveyorci/conveyor/internal/trigger"
	"github.com/conveyorci/conveyor/pkg/types"
)

// RunScheduler is the scheduler surface the API needs. Satisfied by
// *scheduler.Scheduler.
type RunScheduler interface {
	StartRun(ctx context.Context, def *pipeline.Definition, ev types.TriggerEvent) (string, error)
	CancelRun(ctx context.Context, runID string) error
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store      runstore.RunStore
	scheduler  RunScheduler
	evaluator  *trigger.Evaluator
	dispatcher *trigger.Dispatcher
	config     *config.Config
	logger     *slog.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(store runstore.RunStore, sched RunScheduler, eval *trigger.Evaluator, disp *trigger.Dispatcher, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Load()
	}
	return &Handlers{
		store:      store,
		scheduler:  sched,
		evaluator:  eval,
		dispatcher: disp,
		config:     cfg,
		logger:     logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Event Ingestion ---

// SubmitEventRequest is the webhook payload for trigger events.
type SubmitEventRequest struct {
	Kind   string `json:"kind"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// SubmitEvent handles POST /api/v1/events. Events are queued and evaluated
// asynchronously; acceptance does not mean a run was started.
func (h *Handlers) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	kind := types.EventKind(req.Kind)
	switch kind {
	case types.EventPush, types.EventPullRequest:
	case types.EventManual:
		h.respondError(w, r, http.StatusBadRequest, "manual events use the pipeline dispatch endpoint", nil)
		return
	default:
		h.respondError(w, r, http.StatusBadRequest, "unknown event kind", nil)
		return
	}

	ev := types.TriggerEvent{
		Kind:   kind,
		Branch: req.Branch,
		Commit: req.Commit,
		Actor:  req.Actor,
	}
	if err := h.dispatcher.Submit(ev); err != nil {
		if errors.Is(err, trigger.ErrQueueFull) {
			h.respondError(w, r, http.StatusTooManyRequests, "event queue full", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to queue event", err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// --- Pipelines ---

// PipelineSummary is the list representation of a registered pipeline.
type PipelineSummary struct {
	Name string   `json:"name"`
	Jobs []string `json:"jobs"`
}

// ListPipelines handles GET /api/v1/pipelines.
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	defs := h.evaluator.Definitions()
	out := make([]PipelineSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, PipelineSummary{
			Name: def.Name,
			Jobs: def.Graph().Jobs(),
		})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"pipelines": out})
}

// GetPipeline handles GET /api/v1/pipelines/{name}.
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	def, ok := h.evaluator.Definition(name)
	if !ok {
		h.respondError(w, r, http.StatusNotFound, "pipeline not found", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// DispatchRequest is the body for manual pipeline dispatch. All fields are
// optional.
type DispatchRequest struct {
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// DispatchPipeline handles POST /api/v1/pipelines/{name}/dispatch. Manual
// dispatch bypasses trigger rules and starts a run synchronously so the run
// ID can be returned.
func (h *Handlers) DispatchPipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	def, ok := h.evaluator.Definition(name)
	if !ok {
		h.respondError(w, r, http.StatusNotFound, "pipeline not found", nil)
		return
	}

	var req DispatchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	ev := types.TriggerEvent{
		Kind:     types.EventManual,
		Branch:   req.Branch,
		Commit:   req.Commit,
		Actor:    req.Actor,
		Pipeline: name,
	}
	runID, err := h.scheduler.StartRun(r.Context(), def, ev)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to start run", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]string{
		"run_id":  runID,
		"status":  string(types.RunStatusRunning),
		"sse_url": "/api/v1/runs/" + runID + "/events",
	})
}

// --- Runs ---

// ListRuns handles GET /api/v1/runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.scheduler.CancelRun(r.Context(), runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusConflict, "run not cancellable", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if err != nil {
		h.logger.Error(message, "error", err, "status", status, "path", r.URL.Path)
	}
	details := map[string]interface{}{}
	if err != nil {
		details["cause"] = err.Error()
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}
