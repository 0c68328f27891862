package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/logger"
)

// GetCheckIns returns the full summary for an event.
func (h *Handlers) GetCheckIns(w http.ResponseWriter, r *http.Request) {
	ctx, eventID := eventContext(r)
	summary, err := h.checkInService.GetSummary(ctx, eventID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type countResponse struct {
	EventID       string     `json:"event_id"`
	CheckInCount  int64      `json:"check_in_count"`
	LastCheckInAt *time.Time `json:"last_check_in_at,omitempty"`
}

func (h *Handlers) GetCheckInCount(w http.ResponseWriter, r *http.Request) {
	ctx, eventID := eventContext(r)
	n, last, err := h.checkInService.GetCount(ctx, eventID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{EventID: eventID, CheckInCount: n, LastCheckInAt: last})
}

const streamKeepAlive = 25 * time.Second

// StreamCheckIns pushes every summary change as a server-sent event until the
// client goes away.
func (h *Handlers) StreamCheckIns(w http.ResponseWriter, r *http.Request) {
	ctx, eventID := eventContext(r)

	sub, err := h.summaries.SubscribeCheckInSummary(ctx, eventID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	defer sub.Unsubscribe()

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		logger.DebugContext(ctx, "Write deadline not adjustable for stream", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.WarnContext(ctx, "Streaming not supported", "error", err)
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case summary, ok := <-sub.Updates():
			if !ok {
				return
			}
			data, err := json.Marshal(summary)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to encode summary", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: summary\ndata: %s\n\n", data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
