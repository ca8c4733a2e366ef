package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
	appctx "github.com/Hasanromadon/tangibly-sub001/internal/context"
	"github.com/Hasanromadon/tangibly-sub001/internal/events"
	"github.com/Hasanromadon/tangibly-sub001/internal/logger"
	"github.com/Hasanromadon/tangibly-sub001/internal/metrics"
	"github.com/Hasanromadon/tangibly-sub001/internal/ratelimit"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/session"
)

// Policy used when no PolicyFunc is configured
const (
	defaultWindow      = time.Minute
	defaultMaxRequests = 60
)

// Authenticator resolves bearer credentials into a principal
type Authenticator interface {
	Authenticate(ctx context.Context, c auth.Credentials) (*auth.Principal, error)
}

// PolicyFunc returns the rate-limit policy for a route key
type PolicyFunc func(routeKey string) ratelimit.Policy

// Rule is what a route demands of its callers
type Rule struct {
	// Public routes are rate limited but not authenticated
	Public      bool
	MinRole     rbac.Role
	Permissions []rbac.Permission
	// CompanyParam names the URL parameter holding the target company id
	CompanyParam string
}

// AccessConfig holds the collaborators of the access pipeline
type AccessConfig struct {
	Limiter       *ratelimit.Limiter
	Policies      PolicyFunc
	Authenticator Authenticator
	Resolver      *rbac.Resolver
	// Guard, when set, screens requests that got past the rate limiter
	Guard  *Guard
	Events *events.Log
	Logger *slog.Logger
}

// AccessMiddleware runs the per-request decision pipeline: rate limit, the
// CSRF and injection guard, authentication (token, throttle, session), then
// RBAC. Every rejection is
// answered with a structured error and logged as a security event.
type AccessMiddleware struct {
	limiter  *ratelimit.Limiter
	policies PolicyFunc
	authn    Authenticator
	resolver *rbac.Resolver
	guard    *Guard
	events   *events.Log
	logger   *slog.Logger
}

// NewAccessMiddleware creates an AccessMiddleware
func NewAccessMiddleware(cfg AccessConfig) *AccessMiddleware {
	m := &AccessMiddleware{
		limiter:  cfg.Limiter,
		policies: cfg.Policies,
		authn:    cfg.Authenticator,
		resolver: cfg.Resolver,
		guard:    cfg.Guard,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
	if m.resolver == nil {
		m.resolver = rbac.NewResolver()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.policies == nil {
		m.policies = func(string) ratelimit.Policy {
			return ratelimit.Policy{Window: defaultWindow, MaxRequests: defaultMaxRequests}
		}
	}
	return m
}

// Handler returns the pipeline for rule. Mount it per route (chi's With or
// Group) so the route pattern is known when the rate-limit key is built.
func (m *AccessMiddleware) Handler(rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := ClientIP(r)
			ctx = appctx.WithClientIP(ctx, ip)
			r = r.WithContext(ctx)

			if !m.rateLimit(w, r, ip) {
				return
			}
			if m.guard != nil && !m.guard.Check(w, r) {
				return
			}
			if rule.Public {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				m.reject(w, r, KindUnauthenticated, events.TypeUnauthenticated, events.SeverityLow, "",
					map[string]any{"reason": "missing_token"})
				return
			}

			p, err := m.authn.Authenticate(ctx, auth.Credentials{Token: token, ClientIP: ip, UserAgent: r.UserAgent()})
			if err != nil {
				m.rejectAuth(w, r, err)
				return
			}

			req := rbac.Requirement{MinRole: rule.MinRole, Permissions: rule.Permissions}
			if rule.CompanyParam != "" {
				req.CompanyID = chi.URLParam(r, rule.CompanyParam)
			}
			if err := m.resolver.Authorize(p.Subject, req); err != nil {
				m.reject(w, r, KindForbidden, events.TypeForbidden, events.SeverityHigh, p.Subject.UserID,
					map[string]any{"reason": err.Error(), "route": RouteKey(r)})
				return
			}

			ctx = appctx.WithPrincipal(ctx, &p.Subject)
			ctx = appctx.WithTokenKey(ctx, p.TokenKey)
			ctx = appctx.WithTokenExpiry(ctx, p.TokenExpiresAt)
			ctx = logger.WithContext(ctx, logger.FromContext(ctx, m.logger).With(slog.String("user_id", p.Subject.UserID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimit reports whether the request may continue
func (m *AccessMiddleware) rateLimit(w http.ResponseWriter, r *http.Request, ip string) bool {
	route := RouteKey(r)
	d, err := m.limiter.Allow(r.Context(), ip, route, m.policies(route))
	if err != nil {
		m.unavailable(w, r, "rate limiter", err)
		return false
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

	if d.Allowed {
		metrics.RateLimitDecisionsTotal.WithLabelValues("allowed").Inc()
		return true
	}
	metrics.RateLimitDecisionsTotal.WithLabelValues("denied").Inc()
	m.logEvent(r, events.TypeRateLimited, events.SeverityMedium, "", map[string]any{"route": route, "limit": d.Limit})
	WriteError(w, KindRateLimited, d.RetryAfter)
	return false
}

func (m *AccessMiddleware) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	switch kind := KindOf(err); kind {
	case KindUnavailable:
		m.unavailable(w, r, "authenticator", err)
	case KindBlocked:
		m.reject(w, r, kind, events.TypeBlocked, events.SeverityHigh, "", nil)
	case KindSessionExpired:
		m.reject(w, r, kind, events.TypeSessionExpired, events.SeverityLow, "", nil)
	default:
		sev, reason := events.SeverityLow, "invalid_token"
		if errors.Is(err, session.ErrSessionRevoked) {
			sev, reason = events.SeverityMedium, "revoked_session"
		}
		m.reject(w, r, kind, events.TypeUnauthenticated, sev, "", map[string]any{"reason": reason})
	}
}

func (m *AccessMiddleware) reject(w http.ResponseWriter, r *http.Request, kind Kind, t events.Type, sev events.Severity, userID string, details map[string]any) {
	m.logEvent(r, t, sev, userID, details)
	WriteError(w, kind, 0)
}

// unavailable fails closed when a store cannot answer
func (m *AccessMiddleware) unavailable(w http.ResponseWriter, r *http.Request, component string, err error) {
	logger.FromContext(r.Context(), m.logger).Error("access check failed",
		slog.String("component", component),
		slog.String("error", err.Error()),
	)
	WriteError(w, KindUnavailable, 0)
}

func (m *AccessMiddleware) logEvent(r *http.Request, t events.Type, sev events.Severity, userID string, details map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Log(r.Context(), events.Event{
		Type:      t,
		Severity:  sev,
		UserID:    userID,
		ClientIP:  ClientIP(r),
		UserAgent: r.UserAgent(),
		Details:   details,
	})
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// ClientIP returns the host part of RemoteAddr, which chi's RealIP
// middleware has already replaced with the forwarded address when present
func ClientIP(r *http.Request) string {
	if ip, ok := appctx.ExtractClientIP(r.Context()); ok {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RouteKey is "METHOD pattern" for the matched chi route, or the raw path
// when no route pattern is known
func RouteKey(r *http.Request) string {
	pattern := ""
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		pattern = rctx.RoutePattern()
	}
	if pattern == "" {
		pattern = r.URL.Path
	}
	return r.Method + " " + pattern
}
