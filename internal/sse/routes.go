package sse

import (
	"github.com/go-chi/chi/v5"

	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
)

// RegisterRoutes registers the security event stream. guard must demand
// the same access as the security event API.
func RegisterRoutes(r chi.Router, handler *Handler, guard auth.Middleware) {
	// GET /api/v1/events/stream - Live security events
	r.With(guard).Get("/events/stream", handler.HandleStream)
}
