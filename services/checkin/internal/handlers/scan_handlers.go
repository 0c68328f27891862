package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/verifier"
)

// DeviceHeader names the scanning device. Scans from the same user and
// device share one single-flight latch.
const DeviceHeader = "X-Device-ID"

type scanRequest struct {
	Payload    string `json:"payload" validate:"required,max=4096"`
	DeviceInfo string `json:"device_info" validate:"max=256"`
}

type scanResponse struct {
	Status  verifier.Status       `json:"status"`
	Success bool                  `json:"success"`
	EventID string                `json:"event_id,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Record  *domain.CheckInRecord `json:"record,omitempty"`
}

// Scan handles one decoded QR text from an attendee's camera.
func (h *Handlers) Scan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := getClaims(r)

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", CodeInvalidInput)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), CodeInvalidInput)
		return
	}

	deviceID := r.Header.Get(DeviceHeader)
	if req.DeviceInfo == "" {
		req.DeviceInfo = deviceID
	}
	who := domain.Attendee{UserID: claims.Sub, UserName: claims.Name, DeviceInfo: req.DeviceInfo}

	v, release := h.verifiers.Acquire(verifier.SessionKey(claims.Sub, deviceID))
	out, err := v.HandleScan(ctx, req.Payload, who)
	release()
	if errors.Is(err, verifier.ErrScanInFlight) {
		writeError(w, http.StatusTooManyRequests, err.Error(), CodeScanInFlight)
		return
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := scanResponse{
		Status:  out.Result.Status,
		Success: out.Success,
		EventID: out.Result.EventID,
		Reason:  out.Reason,
		Record:  out.Record,
	}
	switch {
	case out.Success:
		writeJSON(w, http.StatusOK, resp)
	case !out.Result.Valid():
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case isDomainError(out.Err):
		writeJSON(w, http.StatusConflict, resp)
	default:
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}
