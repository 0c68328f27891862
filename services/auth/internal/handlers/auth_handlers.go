package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/auth/internal/domain"
)

// Register handles account creation
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}
	req.Normalize()
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_INPUT")
		return
	}

	user, err := h.authService.Register(r.Context(), &req)
	if errors.Is(err, domain.ErrEmailTaken) {
		writeError(w, http.StatusConflict, err.Error(), "EMAIL_EXISTS")
		return
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "Registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Registration failed", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Registration successful",
		"user":    user.ToUserInfo(),
	})
}

// Login handles user authentication
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}
	req.Normalize()
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_INPUT")
		return
	}

	response, err := h.authService.Login(r.Context(), &req)
	if errors.Is(err, domain.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, err.Error(), "LOGIN_FAILED")
		return
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "Login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Login failed", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// Me returns the caller's account
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	claims := getClaims(r)
	user, err := h.authService.GetUser(r.Context(), claims.Sub)
	if errors.Is(err, domain.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
		return
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to load user", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load user", "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, user.ToUserInfo())
}
