package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmylchreest/mediaforge/internal/models"
	"github.com/jmylchreest/mediaforge/internal/service/progress"
)

// EventsRoute streams conversion progress as server-sent events.
const EventsRoute = "/api/v1/conversions/events"

// EventsHandler streams progress events over SSE.
type EventsHandler struct {
	hub               *progress.Hub
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(hub *progress.Hub) *EventsHandler {
	return &EventsHandler{
		hub:               hub,
		heartbeatInterval: 30 * time.Second,
		logger:            slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (h *EventsHandler) WithLogger(logger *slog.Logger) *EventsHandler {
	h.logger = logger
	return h
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *EventsHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// RegisterSSE registers the SSE endpoint on a chi router.
// This is separate from huma registration because huma doesn't support SSE streaming natively.
func (h *EventsHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get(EventsRoute, h.HandleSSEEvents)
}

// HandleSSEEvents streams events, optionally narrowed to one job with
// ?job_id=. A job filter ends the stream after its terminal event.
func (h *EventsHandler) HandleSSEEvents(w http.ResponseWriter, r *http.Request) {
	filter := &progress.Filter{}
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		id, err := models.ParseULID(raw)
		if err != nil {
			writeJSONError(w, "invalid job_id", http.StatusBadRequest)
			return
		}
		filter.JobID = &id
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sub := h.hub.Subscribe(filter)
	defer h.hub.Unsubscribe(sub.ID)

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// Initial comment so browsers fire onopen.
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Error("failed to flush initial SSE connection", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				h.logger.Debug("heartbeat flush failed, client likely disconnected", slog.String("error", err.Error()))
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				h.logger.Error("failed to write SSE event",
					slog.String("event_type", ev.EventType),
					slog.String("job_id", ev.JobID.String()),
					slog.String("error", err.Error()))
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.Debug("event flush failed, client likely disconnected", slog.String("error", err.Error()))
				return
			}
			if filter.JobID != nil && ev.IsTerminal() {
				return
			}
		}
	}
}

// writeSSEEvent writes ev as one SSE message.
func writeSSEEvent(w http.ResponseWriter, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := fmt.Appendf(nil, "id: %s-%d\nevent: %s\ndata: %s\n\n", ev.JobID, ev.Progress, ev.EventType, data)
	n, err := w.Write(msg)
	if err != nil {
		return err
	}
	if n < len(msg) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(msg))
	}
	return nil
}
