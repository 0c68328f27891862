package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/diagnosis/eventcheckin/pkg/auth"
	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/issuer"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/service"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/verifier"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Handlers struct {
	checkInService service.CheckInService
	displays       *issuer.Manager
	verifiers      *verifier.Registry
	summaries      issuer.SummarySource
	jwtSecret      string
	validate       *validator.Validate
}

func New(
	checkInService service.CheckInService,
	displays *issuer.Manager,
	verifiers *verifier.Registry,
	summaries issuer.SummarySource,
	jwtSecret string,
) *Handlers {
	return &Handlers{
		checkInService: checkInService,
		displays:       displays,
		verifiers:      verifiers,
		summaries:      summaries,
		jwtSecret:      jwtSecret,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the check-in API. scanLimit wraps the scan endpoint and may be nil.
func (h *Handlers) Routes(r chi.Router, scanLimit func(http.Handler) http.Handler) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/events/{id}", func(r chi.Router) {
			r.Route("/display", func(r chi.Router) {
				r.Get("/", h.GetDisplay)
				r.Get("/qr.png", h.GetDisplayQR)
				r.With(h.RequireJWT(auth.RoleHost)).Post("/", h.OpenDisplay)
				r.With(h.RequireJWT(auth.RoleHost)).Delete("/", h.CloseDisplay)
			})
			r.Get("/checkins", h.GetCheckIns)
			r.Get("/checkins/count", h.GetCheckInCount)
			r.Get("/checkins/stream", h.StreamCheckIns)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.RequireJWT(""))
			if scanLimit != nil {
				r.Use(scanLimit)
			}
			r.Post("/scans", h.Scan)
		})
	})
}

type claimsKey struct{}

// RequireJWT authenticates the bearer token. A non-empty role must match the
// caller's role; admins pass every role check.
func (h *Handlers) RequireJWT(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header", CodeUnauthorized)
				return
			}

			claims, err := auth.Parse(strings.TrimPrefix(authHeader, "Bearer "), h.jwtSecret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", CodeInvalidToken)
				return
			}

			if requiredRole != "" && claims.Role != requiredRole && claims.Role != auth.RoleAdmin {
				writeError(w, http.StatusForbidden, "Insufficient permissions", CodeForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), logger.UserIDKey, claims.Sub)
			ctx = context.WithValue(ctx, claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getClaims(r *http.Request) *auth.Claims {
	if claims, ok := r.Context().Value(claimsKey{}).(*auth.Claims); ok {
		return claims
	}
	return nil
}

// eventContext tags the request context with the event id from the URL.
func eventContext(r *http.Request) (context.Context, string) {
	id := chi.URLParam(r, "id")
	return logger.WithEvent(r.Context(), id), id
}

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInvalidToken  = "INVALID_TOKEN"
	CodeForbidden     = "FORBIDDEN"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeScanInFlight  = "SCAN_IN_FLIGHT"
	CodeInternalError = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, statusCode int, message, code string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// writeServiceError maps domain errors to status codes.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrEventNotFound):
		writeError(w, http.StatusNotFound, err.Error(), CodeNotFound)
	case errors.Is(err, domain.ErrCheckInClosed), errors.Is(err, domain.ErrAlreadyCheckedIn):
		writeError(w, http.StatusConflict, err.Error(), CodeConflict)
	default:
		logger.ErrorContext(ctx, "Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", CodeInternalError)
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrEventNotFound) ||
		errors.Is(err, domain.ErrCheckInClosed) ||
		errors.Is(err, domain.ErrAlreadyCheckedIn)
}
