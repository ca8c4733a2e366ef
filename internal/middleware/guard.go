package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/events"
	"github.com/Hasanromadon/tangibly-sub001/internal/logger"
	"github.com/Hasanromadon/tangibly-sub001/internal/ratelimit"
	"github.com/Hasanromadon/tangibly-sub001/internal/sanitizer"
)

// violationRoute is the limiter route under which guard violations are counted
const violationRoute = "guard:violations"

// GuardConfig holds Guard options
type GuardConfig struct {
	AllowedOrigins []string
	Detector       *sanitizer.Detector
	// Limiter counts violations per client. Threshold violations inside
	// Window escalate to critical.
	Limiter   *ratelimit.Limiter
	Window    time.Duration
	Threshold int
	Events    *events.Log
	Logger    *slog.Logger
}

// Guard rejects cross-origin unsafe requests and requests carrying
// injection payloads in the path or query
type Guard struct {
	origins   map[string]bool
	anyOrigin bool
	detector  *sanitizer.Detector
	limiter   *ratelimit.Limiter
	policy    ratelimit.Policy
	events    *events.Log
	logger    *slog.Logger
}

// NewGuard creates a Guard
func NewGuard(cfg GuardConfig) *Guard {
	g := &Guard{
		origins:  make(map[string]bool, len(cfg.AllowedOrigins)),
		detector: cfg.Detector,
		limiter:  cfg.Limiter,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			g.anyOrigin = true
		}
		g.origins[normalizeOrigin(o)] = true
	}
	if g.detector == nil {
		g.detector = sanitizer.NewDetector()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	// The limiter admits Threshold-1 violations; the one it refuses is critical
	g.policy = ratelimit.Policy{Window: cfg.Window, MaxRequests: cfg.Threshold - 1}
	return g
}

// Handler returns the guard as standalone middleware. An AccessMiddleware
// configured with the guard runs Check itself, after its rate-limit step.
func (g *Guard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Check(w, r) {
			next.ServeHTTP(w, r)
		}
	})
}

// Check reports whether r may continue. A rejected request has already been
// answered and logged.
func (g *Guard) Check(w http.ResponseWriter, r *http.Request) bool {
	if origin := r.Header.Get("Origin"); origin != "" && isUnsafe(r.Method) && !g.originAllowed(origin) {
		g.violation(w, r, events.TypeCSRFViolation, map[string]any{"origin": origin, "method": r.Method})
		return false
	}

	values := []string{r.URL.Path}
	for key, vs := range r.URL.Query() {
		values = append(values, key)
		values = append(values, vs...)
	}
	if f, ok := g.detector.DetectAll(values...); ok {
		g.violation(w, r, events.TypeInjectionAttempt, map[string]any{
			"kind":    string(f.Kind),
			"pattern": f.Pattern,
			"path":    r.URL.Path,
		})
		return false
	}
	return true
}

// violation rejects the request and logs it: high severity, or critical once
// the client has repeated violations inside the window
func (g *Guard) violation(w http.ResponseWriter, r *http.Request, t events.Type, details map[string]any) {
	ip := ClientIP(r)
	sev := events.SeverityHigh

	if g.policy.MaxRequests <= 0 {
		sev = events.SeverityCritical
	} else if g.limiter != nil {
		d, err := g.limiter.Allow(r.Context(), ip, violationRoute, g.policy)
		switch {
		case err != nil:
			logger.FromContext(r.Context(), g.logger).Warn("guard violation count failed", slog.String("error", err.Error()))
		case !d.Allowed:
			sev = events.SeverityCritical
			details["repeated"] = true
		}
	}

	if g.events != nil {
		g.events.Log(r.Context(), events.Event{
			Type:      t,
			Severity:  sev,
			ClientIP:  ip,
			UserAgent: r.UserAgent(),
			Details:   details,
		})
	}
	WriteError(w, KindForbidden, 0)
}

func (g *Guard) originAllowed(origin string) bool {
	return g.anyOrigin || g.origins[normalizeOrigin(origin)]
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

func isUnsafe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}
