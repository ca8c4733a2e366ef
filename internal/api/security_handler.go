package api

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/events"
)

// Query limits for the events endpoint
const (
	DefaultEventsLimit = 100
	MaxEventsLimit     = 1000
	defaultStatsWindow = 24 * time.Hour
)

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUserNotFound    = "USER_NOT_FOUND"
	CodeForbidden       = "FORBIDDEN"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeUnavailable     = "UNAVAILABLE"
)

// EventsPage is the body of a security event query
type EventsPage struct {
	Events []events.Event `json:"events"`
	Count  int            `json:"count"`
	Limit  int            `json:"limit"`
}

// SecurityHandler serves the security event log to administrators
type SecurityHandler struct {
	log    *events.Log
	clock  clock.Clock
	logger *slog.Logger
}

// NewSecurityHandler creates a new SecurityHandler instance
func NewSecurityHandler(log *events.Log, clk clock.Clock, logger *slog.Logger) *SecurityHandler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityHandler{log: log, clock: clk, logger: logger}
}

// ListEvents handles GET /api/v1/security/events
// Query: type, severity, ip, since (RFC 3339), limit
func (h *SecurityHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	details := make(map[string][]string)

	filter := events.Filter{
		Type:  events.Type(q.Get("type")),
		Limit: DefaultEventsLimit,
	}

	if s := q.Get("severity"); s != "" {
		sev, err := events.ParseSeverity(s)
		if err != nil {
			details["severity"] = []string{"must be one of low, medium, high, critical"}
		}
		filter.Severity = sev
	}
	if ip := q.Get("ip"); ip != "" {
		if net.ParseIP(ip) == nil {
			details["ip"] = []string{"must be an IP address"}
		}
		filter.ClientIP = ip
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			details["since"] = []string{"must be an RFC 3339 timestamp"}
		}
		filter.Since = since
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 || limit > MaxEventsLimit {
			details["limit"] = []string{"must be between 1 and " + strconv.Itoa(MaxEventsLimit)}
		}
		filter.Limit = limit
	}

	if len(details) > 0 {
		auth.WriteError(w, http.StatusBadRequest, CodeValidationError, "Invalid query parameters", details)
		return
	}

	found := h.log.Query(filter)
	auth.WriteSuccess(w, http.StatusOK, EventsPage{Events: found, Count: len(found), Limit: filter.Limit})
}

// GetStats handles GET /api/v1/security/stats
// since defaults to the last 24 hours
func (h *SecurityHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	since := h.clock.Now().Add(-defaultStatsWindow)
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			auth.WriteError(w, http.StatusBadRequest, CodeValidationError, "Invalid query parameters",
				map[string][]string{"since": {"must be an RFC 3339 timestamp"}})
			return
		}
		since = parsed
	}

	auth.WriteSuccess(w, http.StatusOK, h.log.Stats(since))
}
