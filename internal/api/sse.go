package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/conveyorci/conveyor/internal/metrics"
	"github.com/conveyorci/conveyor/internal/runstore"
	"github.com/conveyorci/conveyor/pkg/types"
)

const heartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/runs/{id}/events with Server-Sent Events.
// Historical events are replayed first (after Last-Event-ID when the client
// is resuming), then the stream follows the run live until stream_end.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)

	meta, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	h.logger.Info("event stream opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	flusher.Flush()

	// Subscribe before replaying history so no event falls between the two.
	// Replayed and live ranges can overlap; lastSeen deduplicates.
	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "run_id", runID)
		return
	}
	defer cleanup()

	lastEventID := r.Header.Get("Last-Event-ID")
	var lastSeen int64
	if lastEventID != "" {
		lastSeen, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	history, err := h.store.EventsSince(ctx, runID, lastEventID)
	if err != nil {
		h.logger.Error("failed to read event history", "error", err, "run_id", runID)
	}
	done := false
	for _, evt := range history {
		h.writeSSE(w, flusher, evt)
		if seq, err := strconv.ParseInt(evt.ID, 10, 64); err == nil && seq > lastSeen {
			lastSeen = seq
		}
		if evt.Type == types.EventTypeStreamEnd {
			done = true
		}
	}
	if done || meta.Status.Terminal() {
		h.logger.Info("event stream closed",
			slog.String("run_id", runID),
			slog.String("reason", "run finished"),
		)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event stream closed",
				slog.String("run_id", runID),
				slog.String("request_id", requestID),
				slog.String("reason", "client disconnect"),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.logger.Info("event stream closed",
					slog.String("run_id", runID),
					slog.String("reason", "subscription closed"),
				)
				return
			}
			if seq, err := strconv.ParseInt(evt.ID, 10, 64); err == nil {
				if seq <= lastSeen {
					continue
				}
				lastSeen = seq
			}
			h.writeSSE(w, flusher, evt)
			if evt.Type == types.EventTypeStreamEnd {
				h.logger.Info("event stream closed",
					slog.String("run_id", runID),
					slog.String("reason", "run finished"),
				)
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment, used for heartbeats.
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}
