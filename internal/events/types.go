// Package events records security events for the access-control layer and
// fans them out to out-of-process sinks.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity of a security event
type Severity string

// Severities, in increasing order
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return severityRank[s] > 0
}

// AtLeast reports whether s is at least as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// ParseSeverity parses a severity name, case-insensitively
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Type identifies what happened
type Type string

// Event types
const (
	TypeRateLimited        Type = "rate_limited"
	TypeUnauthenticated    Type = "unauthenticated"
	TypeSessionExpired     Type = "session_expired"
	TypeBlocked            Type = "blocked"
	TypeForbidden          Type = "forbidden"
	TypeCSRFViolation      Type = "csrf_violation"
	TypeInjectionAttempt   Type = "injection_attempt"
	TypeLoginFailed        Type = "login_failed"
	TypeLoginBlocked       Type = "login_blocked"
	TypeLoginSucceeded     Type = "login_succeeded"
	TypeLogout             Type = "logout"
	TypeRoleChanged        Type = "role_changed"
	TypeRoleChangeRejected Type = "role_change_rejected"
)

// Event is a security event
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"userId,omitempty"`
	ClientIP  string         `json:"clientIp"`
	UserAgent string         `json:"userAgent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Filter selects events in Query. Zero fields match everything.
type Filter struct {
	Type     Type
	Severity Severity
	ClientIP string
	Since    time.Time
	Limit    int
}

func (f Filter) match(e *Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.ClientIP != "" && e.ClientIP != f.ClientIP {
		return false
	}
	return f.Since.IsZero() || !e.Timestamp.Before(f.Since)
}

// Stats aggregates events logged since a point in time
type Stats struct {
	Since      time.Time        `json:"since"`
	Total      int              `json:"total"`
	ByType     map[Type]int     `json:"byType"`
	BySeverity map[Severity]int `json:"bySeverity"`
	// ByHour is keyed by the UTC hour, formatted as 2006-01-02T15:00Z
	ByHour map[string]int `json:"byHour"`
}

// HourKey formats the bucket key used in Stats.ByHour
func HourKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02T15:04Z")
}

// Sink receives security events out of process. Delivery is best effort.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, e Event) error

// Send calls f
func (f SinkFunc) Send(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Marshal encodes an event for sinks
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}
