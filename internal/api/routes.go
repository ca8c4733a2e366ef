package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
)

// RegisterSecurityRoutes registers the security event routes. guard must
// demand ADMIN and security:read.
func RegisterSecurityRoutes(r chi.Router, handler *SecurityHandler, guard auth.Middleware) {
	r.Route("/security", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(guard)

			// GET /api/v1/security/events - Query recent events
			r.Get("/events", handler.ListEvents)

			// GET /api/v1/security/stats - Aggregate counts
			r.Get("/stats", handler.GetStats)
		})
	})
}

// RegisterRoleRoutes registers user role management. guard is applied per
// route so it sees the {companyID} parameter.
func RegisterRoleRoutes(r chi.Router, handler *RoleHandler, guard auth.Middleware) {
	// PUT /api/v1/companies/:companyID/users/:userID/role - Change a member's role
	r.With(guard).Put("/companies/{companyID}/users/{userID}/role", handler.AssignRole)
}
