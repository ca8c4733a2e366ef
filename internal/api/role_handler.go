package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
	appctx "github.com/Hasanromadon/tangibly-sub001/internal/context"
	"github.com/Hasanromadon/tangibly-sub001/internal/logger"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/repository"
)

// AssignRoleRequest is the body of a role change
type AssignRoleRequest struct {
	Role string `json:"role" validate:"required,max=32"`
}

// RoleAssignedResponse echoes a completed role change
type RoleAssignedResponse struct {
	UserID    string    `json:"userId"`
	CompanyID string    `json:"companyId"`
	Role      rbac.Role `json:"role"`
}

// RoleHandler handles user role management
type RoleHandler struct {
	roles    *auth.RoleService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewRoleHandler creates a new RoleHandler instance
func NewRoleHandler(roles *auth.RoleService, logger *slog.Logger) *RoleHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleHandler{roles: roles, validate: validator.New(), logger: logger}
}

// AssignRole handles PUT /api/v1/companies/{companyID}/users/{userID}/role
func (h *RoleHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := appctx.ExtractPrincipal(r.Context())
	if !ok {
		auth.WriteError(w, http.StatusUnauthorized, CodeUnauthenticated, "Authentication required", nil)
		return
	}

	var req AssignRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", auth.ValidationDetails(err))
		return
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		auth.WriteError(w, http.StatusBadRequest, CodeValidationError, "Unknown role",
			map[string][]string{"role": {"must be one of VIEWER, USER, MANAGER, ADMIN, SUPER_ADMIN"}})
		return
	}

	companyID := chi.URLParam(r, "companyID")
	userID := chi.URLParam(r, "userID")
	ip, _ := appctx.ExtractClientIP(r.Context())

	err = h.roles.Assign(r.Context(), auth.RoleAssignment{
		Actor:        *actor,
		CompanyID:    companyID,
		TargetUserID: userID,
		Role:         role,
		ClientIP:     ip,
		UserAgent:    r.UserAgent(),
	})
	switch {
	case err == nil:
		auth.WriteSuccess(w, http.StatusOK, RoleAssignedResponse{UserID: userID, CompanyID: companyID, Role: role})
	case errors.Is(err, repository.ErrUserNotFound):
		auth.WriteError(w, http.StatusNotFound, CodeUserNotFound, "User not found", nil)
	case errors.Is(err, rbac.ErrInvalidTargetRole):
		auth.WriteError(w, http.StatusBadRequest, CodeValidationError, "Invalid role", nil)
	case rbac.IsForbidden(err):
		auth.WriteError(w, http.StatusForbidden, CodeForbidden, "You do not have access to this resource", nil)
	default:
		logger.FromContext(r.Context(), h.logger).Error("assign role failed", slog.String("error", err.Error()))
		auth.WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "Service temporarily unavailable", nil)
	}
}
