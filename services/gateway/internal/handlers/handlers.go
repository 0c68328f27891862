package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes maps public paths to upstream services. Paths are forwarded unchanged.
func Routes(r chi.Router, authProxy, checkInProxy http.Handler) {
	r.Route("/v1", func(r chi.Router) {
		// Auth routes (routed to auth service)
		r.Handle("/auth/*", authProxy)

		// Check-in routes (routed to checkin service)
		r.Handle("/events/{id}/display", checkInProxy)
		r.Handle("/events/{id}/display/*", checkInProxy)
		r.Handle("/events/{id}/checkins", checkInProxy)
		r.Handle("/events/{id}/checkins/*", checkInProxy)
		r.Handle("/scans", checkInProxy)
	})
}
