package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	appctx "github.com/Hasanromadon/tangibly-sub001/internal/context"
	"github.com/Hasanromadon/tangibly-sub001/internal/logger"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/session"
)

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeBlocked            = "BLOCKED"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeUnavailable        = "UNAVAILABLE"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success    bool                `json:"success"`
	Data       interface{}         `json:"data,omitempty"`
	Code       string              `json:"code,omitempty"`
	Message    string              `json:"message,omitempty"`
	Details    map[string][]string `json:"details,omitempty"`
	RetryAfter int64               `json:"retryAfter,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// SessionView is a session as listed to its owner
type SessionView struct {
	session.Session
	Current bool `json:"current"`
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authenticator *Authenticator
	validate      *validator.Validate
	logger        *slog.Logger
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authenticator *Authenticator, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		authenticator: authenticator,
		validate:      validator.New(),
		logger:        log,
	}
}

// Login handles credential login
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", ValidationDetails(err))
		return
	}

	result, err := h.authenticator.Login(r.Context(), req, clientIP(r), r.UserAgent())
	if err != nil {
		var blocked *BlockedError
		switch {
		case errors.As(err, &blocked):
			writeBlocked(w, blocked.RetryAfter)
		case errors.Is(err, ErrInvalidCredentials):
			WriteError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password", nil)
		default:
			logger.FromContext(r.Context(), h.logger).Error("login failed", slog.String("error", err.Error()))
			WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "Service temporarily unavailable", nil)
		}
		return
	}

	WriteSuccess(w, http.StatusOK, result)
}

// Logout revokes the session of the presented token
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthenticated, "Authentication required", nil)
		return
	}

	if err := h.authenticator.Logout(r.Context(), p, clientIP(r), r.UserAgent()); err != nil {
		logger.FromContext(r.Context(), h.logger).Error("logout failed", slog.String("error", err.Error()))
		WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "Service temporarily unavailable", nil)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// ListSessions returns the live sessions of the caller
// GET /api/v1/auth/sessions
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthenticated, "Authentication required", nil)
		return
	}

	sessions, err := h.authenticator.Sessions(r.Context(), p.Subject.UserID)
	if err != nil {
		logger.FromContext(r.Context(), h.logger).Error("list sessions failed", slog.String("error", err.Error()))
		WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "Service temporarily unavailable", nil)
		return
	}

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{Session: s, Current: s.TokenKey == p.TokenKey})
	}
	WriteSuccess(w, http.StatusOK, views)
}

// GetMe returns the authenticated identity with its effective permissions
// GET /api/v1/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		WriteError(w, http.StatusUnauthorized, CodeUnauthenticated, "Authentication required", nil)
		return
	}
	s := p.Subject
	WriteSuccess(w, http.StatusOK, UserInfo{
		ID:          s.UserID,
		Email:       s.Email,
		Role:        s.Role,
		CompanyID:   s.CompanyID,
		Permissions: rbac.NewResolver().EffectivePermissions(s).Strings(),
	})
}

// principalFrom rebuilds the principal the access pipeline stored in the
// request context
func principalFrom(r *http.Request) (*Principal, bool) {
	ctx := r.Context()
	subject, ok := appctx.ExtractPrincipal(ctx)
	if !ok {
		return nil, false
	}
	tokenKey, ok := appctx.ExtractTokenKey(ctx)
	if !ok {
		return nil, false
	}
	expiresAt, _ := appctx.ExtractTokenExpiry(ctx)
	return &Principal{Subject: *subject, TokenKey: tokenKey, TokenExpiresAt: expiresAt}, true
}

func writeBlocked(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64(math.Ceil(retryAfter.Seconds()))
	if secs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, http.StatusUnauthorized, APIResponse{
		Success:    false,
		Code:       CodeBlocked,
		Message:    "Too many failed attempts, try again later",
		RetryAfter: secs,
		Timestamp:  time.Now().UTC(),
	})
}

// WriteSuccess writes a success response
func WriteSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	writeJSON(w, statusCode, APIResponse{
		Success:   false,
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// ValidationDetails turns validator errors into field → messages
func ValidationDetails(err error) map[string][]string {
	details := make(map[string][]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		details["body"] = []string{err.Error()}
		return details
	}
	for _, fe := range verrs {
		details[fe.Field()] = append(details[fe.Field()], "failed "+fe.Tag())
	}
	return details
}

// clientIP prefers the address resolved by the access pipeline
func clientIP(r *http.Request) string {
	if ip, ok := appctx.ExtractClientIP(r.Context()); ok {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
