package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/auth"
	"github.com/diagnosis/eventcheckin/pkg/events"
	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/issuer"
)

type displayResponse struct {
	EventID      string     `json:"event_id"`
	State        string     `json:"state"`
	Payload      string     `json:"payload,omitempty"`
	IssuedAt     *time.Time `json:"issued_at,omitempty"`
	CheckInCount int64      `json:"check_in_count"`
}

func toDisplayResponse(s *issuer.Session) displayResponse {
	resp := displayResponse{
		EventID:      s.EventID(),
		State:        s.State().String(),
		CheckInCount: s.CheckInCount(),
	}
	if cur, ok := s.Current(); ok {
		at := cur.IssuedAt
		resp.Payload = cur.Text
		resp.IssuedAt = &at
	}
	return resp
}

// OpenDisplay starts the rotating QR display for an event the caller hosts.
func (h *Handlers) OpenDisplay(w http.ResponseWriter, r *http.Request) {
	ctx, eventID := eventContext(r)
	claims := getClaims(r)

	event, err := h.checkInService.GetEvent(ctx, eventID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if claims.Role != auth.RoleAdmin && event.HostID != claims.Sub {
		writeError(w, http.StatusForbidden, "Only the event host can open its display", CodeForbidden)
		return
	}

	session, err := h.displays.Open(eventID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.checkInService.PublishDisplay(ctx, events.DisplayOpened, eventID, claims.Sub)
	logger.InfoContext(ctx, "Check-in display opened")

	writeJSON(w, http.StatusCreated, toDisplayResponse(session))
}

func (h *Handlers) GetDisplay(w http.ResponseWriter, r *http.Request) {
	_, eventID := eventContext(r)
	session, ok := h.displays.Get(eventID)
	if !ok {
		writeError(w, http.StatusNotFound, "No display open for this event", CodeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toDisplayResponse(session))
}

// GetDisplayQR serves the current QR image as PNG.
func (h *Handlers) GetDisplayQR(w http.ResponseWriter, r *http.Request) {
	_, eventID := eventContext(r)
	session, ok := h.displays.Get(eventID)
	if !ok {
		writeError(w, http.StatusNotFound, "No display open for this event", CodeNotFound)
		return
	}
	cur, ok := session.Current()
	if !ok || len(cur.Image) == 0 {
		writeError(w, http.StatusNotFound, "QR code not rendered yet", CodeNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(cur.Image)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cur.Image)
}

// CloseDisplay stops rotation and the live counter. Closing twice is fine.
func (h *Handlers) CloseDisplay(w http.ResponseWriter, r *http.Request) {
	ctx, eventID := eventContext(r)
	claims := getClaims(r)

	event, err := h.checkInService.GetEvent(ctx, eventID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if claims.Role != auth.RoleAdmin && event.HostID != claims.Sub {
		writeError(w, http.StatusForbidden, "Only the event host can close its display", CodeForbidden)
		return
	}

	if h.displays.Close(eventID) {
		h.checkInService.PublishDisplay(ctx, events.DisplayClosed, eventID, claims.Sub)
		logger.InfoContext(ctx, "Check-in display closed")
	}
	w.WriteHeader(http.StatusNoContent)
}
