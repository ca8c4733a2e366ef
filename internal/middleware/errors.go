package middleware

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
	"github.com/Hasanromadon/tangibly-sub001/internal/metrics"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/session"
)

// Kind is the category of a rejected request. It is all a client learns
// about why it was rejected.
type Kind string

// Rejection kinds
const (
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindSessionExpired  Kind = "SESSION_EXPIRED"
	KindBlocked         Kind = "BLOCKED"
	KindForbidden       Kind = "FORBIDDEN"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindUnavailable     Kind = "UNAVAILABLE"
)

var kindStatus = map[Kind]int{
	KindUnauthenticated: http.StatusUnauthorized,
	KindSessionExpired:  http.StatusUnauthorized,
	KindBlocked:         http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindRateLimited:     http.StatusTooManyRequests,
	KindUnavailable:     http.StatusServiceUnavailable,
}

var kindMessage = map[Kind]string{
	KindUnauthenticated: "Authentication required",
	KindSessionExpired:  "Session expired, please sign in again",
	KindBlocked:         "Too many failed attempts, try again later",
	KindForbidden:       "You do not have access to this resource",
	KindRateLimited:     "Too many requests",
	KindUnavailable:     "Service temporarily unavailable",
}

// Status returns the HTTP status of a kind
func (k Kind) Status() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every rejection
type ErrorResponse struct {
	Success    bool      `json:"success"`
	Code       Kind      `json:"code"`
	Message    string    `json:"message"`
	RetryAfter int64     `json:"retryAfter,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// KindOf maps an error from the authentication or authorization path to
// its kind. Errors it does not recognize are store failures.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, session.ErrSessionRevoked):
		return KindUnauthenticated
	case errors.Is(err, session.ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, auth.ErrBlocked):
		return KindBlocked
	case rbac.IsForbidden(err):
		return KindForbidden
	}
	return KindUnavailable
}

// WriteError writes a rejection of kind k. retryAfter, when positive, is
// sent in whole seconds, rounded up, in the body and the Retry-After header.
func WriteError(w http.ResponseWriter, k Kind, retryAfter time.Duration) {
	metrics.SecurityRejectionsTotal.WithLabelValues(string(k)).Inc()

	resp := ErrorResponse{
		Success:   false,
		Code:      k,
		Message:   kindMessage[k],
		Timestamp: time.Now().UTC(),
	}
	if retryAfter > 0 {
		resp.RetryAfter = RetrySeconds(retryAfter)
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfter, 10))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(k.Status())
	json.NewEncoder(w).Encode(resp)
}

// RetrySeconds rounds d up to whole seconds
func RetrySeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
