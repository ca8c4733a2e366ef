package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers all authentication routes with the Chi router.
// public wraps /login (rate limited, no token); authenticated wraps the rest.
func RegisterRoutes(r chi.Router, handler *AuthHandler, public, authenticated Middleware) {
	r.Route("/auth", func(r chi.Router) {
		r.With(public).Post("/login", handler.Login)

		r.Group(func(r chi.Router) {
			r.Use(authenticated)
			r.Post("/logout", handler.Logout)
			r.Get("/sessions", handler.ListSessions)
			r.Get("/me", handler.GetMe)
		})
	})
}
