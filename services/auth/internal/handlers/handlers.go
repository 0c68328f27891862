package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/diagnosis/eventcheckin/pkg/auth"
	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/auth/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Handlers struct {
	authService service.AuthService
	jwtSecret   string
	validate    *validator.Validate
}

func New(authService service.AuthService, jwtSecret string) *Handlers {
	return &Handlers{
		authService: authService,
		jwtSecret:   jwtSecret,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the auth API. loginLimit wraps register and login and may be nil.
func (h *Handlers) Routes(r chi.Router, loginLimit func(http.Handler) http.Handler) {
	r.Route("/v1/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if loginLimit != nil {
				r.Use(loginLimit)
			}
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})
		r.With(h.RequireJWT).Get("/me", h.Me)
	})
}

type claimsKey struct{}

// RequireJWT authenticates the bearer token.
func (h *Handlers) RequireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header", "UNAUTHORIZED")
			return
		}

		claims, err := auth.Parse(strings.TrimPrefix(authHeader, "Bearer "), h.jwtSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", "INVALID_TOKEN")
			return
		}

		ctx := context.WithValue(r.Context(), logger.UserIDKey, claims.Sub)
		ctx = context.WithValue(ctx, claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getClaims(r *http.Request) *auth.Claims {
	if claims, ok := r.Context().Value(claimsKey{}).(*auth.Claims); ok {
		return claims
	}
	return nil
}

// Helper functions for common response patterns
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, statusCode int, message, code string) {
	writeJSON(w, statusCode, map[string]string{"error": message, "code": code})
}
