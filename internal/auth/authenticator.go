package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/events"
	"github.com/Hasanromadon/tangibly-sub001/internal/metrics"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/repository"
	"github.com/Hasanromadon/tangibly-sub001/internal/session"
	"github.com/Hasanromadon/tangibly-sub001/internal/throttle"
)

// Authentication errors
var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrBlocked            = errors.New("too many failed attempts")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// BlockedError is returned by Login while the (user, client) pair is
// throttled. It matches ErrBlocked.
type BlockedError struct {
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrBlocked, e.RetryAfter)
}

func (e *BlockedError) Unwrap() error {
	return ErrBlocked
}

// Credentials is what a request presents to Authenticate
type Credentials struct {
	Token     string
	ClientIP  string
	UserAgent string
}

// Principal is an authenticated request identity
type Principal struct {
	Subject        rbac.Subject
	TokenKey       string
	TokenExpiresAt time.Time
	Session        *session.Session
	Transition     session.Transition
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=72"`
	RememberMe bool   `json:"rememberMe"`
}

// LoginResult is returned by a successful login
type LoginResult struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      UserInfo  `json:"user"`
}

// UserInfo is the public view of the authenticated user
type UserInfo struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Role        rbac.Role `json:"role"`
	CompanyID   string    `json:"companyId"`
	Permissions []string  `json:"permissions"`
}

// AuthenticatorConfig holds the collaborators of an Authenticator
type AuthenticatorConfig struct {
	Tokens        *TokenService
	Sessions      *session.Registry
	Throttle      *throttle.LoginThrottle
	Identities    repository.IdentityRepository
	Hasher        *PasswordHasher
	Events        *events.Log
	Clock         clock.Clock
	Logger        *slog.Logger
	TokenTTL      time.Duration
	RememberMeTTL time.Duration
}

// Authenticator verifies bearer tokens against session, throttle and
// identity state, and exchanges credentials for tokens
type Authenticator struct {
	tokens        *TokenService
	sessions      *session.Registry
	throttle      *throttle.LoginThrottle
	identities    repository.IdentityRepository
	hasher        *PasswordHasher
	events        *events.Log
	clock         clock.Clock
	logger        *slog.Logger
	tokenTTL      time.Duration
	rememberMeTTL time.Duration
}

// NewAuthenticator creates an Authenticator
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	a := &Authenticator{
		tokens:        cfg.Tokens,
		sessions:      cfg.Sessions,
		throttle:      cfg.Throttle,
		identities:    cfg.Identities,
		hasher:        cfg.Hasher,
		events:        cfg.Events,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		tokenTTL:      cfg.TokenTTL,
		rememberMeTTL: cfg.RememberMeTTL,
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.hasher == nil {
		a.hasher = NewPasswordHasher(0)
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = DefaultTokenTTL
	}
	if a.rememberMeTTL <= 0 {
		a.rememberMeTTL = RememberMeTokenTTL
	}
	return a
}

// Authenticate runs token verification, the throttle check and the session
// touch, in that order, then resolves the identity. Errors:
//   - ErrUnauthenticated: bad token, unknown or inactive user
//   - ErrBlocked: the (user, client) pair is throttled
//   - session.ErrSessionExpired, session.ErrSessionRevoked
//
// Anything else is a store failure.
func (a *Authenticator) Authenticate(ctx context.Context, c Credentials) (*Principal, error) {
	payload, err := a.tokens.Verify(c.Token)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	blocked, err := a.throttle.IsBlocked(ctx, payload.UserID, c.ClientIP)
	if err != nil {
		return nil, fmt.Errorf("throttle lookup: %w", err)
	}
	if blocked {
		return nil, ErrBlocked
	}

	tokenKey := TokenKey(c.Token)
	sess, transition, err := a.sessions.Touch(ctx, session.TouchRequest{
		TokenKey:       tokenKey,
		UserID:         payload.UserID,
		ClientIP:       c.ClientIP,
		UserAgent:      c.UserAgent,
		TokenExpiresAt: payload.ExpiresAt,
	})
	metrics.SessionTransitionsTotal.WithLabelValues(string(transition)).Inc()
	if err != nil {
		return nil, err
	}

	identity, err := a.identities.GetIdentity(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("identity lookup: %w", err)
	}
	if !identity.IsActive || !identity.Role.Valid() {
		return nil, ErrUnauthenticated
	}

	// The identity store is authoritative for role and tenant; grants from
	// the token and the store are combined.
	tokenGrants, _ := rbac.ParsePermissions(payload.Permissions)
	return &Principal{
		Subject: rbac.Subject{
			UserID:    payload.UserID,
			Email:     payload.Email,
			Role:      identity.Role,
			CompanyID: identity.CompanyID,
			Grants:    tokenGrants.Union(identity.Grants),
		},
		TokenKey:       tokenKey,
		TokenExpiresAt: payload.ExpiresAt,
		Session:        sess,
		Transition:     transition,
	}, nil
}

// Login exchanges email and password for a bearer token. Attempts are
// counted per (user, client) and cleared on success; unknown emails are
// counted under the normalized email so probing them is throttled too.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest, clientIP, userAgent string) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := a.identities.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	throttleID := "email:" + email
	if user != nil {
		throttleID = user.ID
	}

	// Counted before the password check so concurrent guesses cannot
	// overrun the threshold
	attempt, err := a.throttle.Attempt(ctx, throttleID, clientIP)
	if err != nil {
		return nil, fmt.Errorf("throttle attempt: %w", err)
	}
	if !attempt.Allowed {
		a.logEvent(ctx, events.Event{
			Type:      events.TypeBlocked,
			Severity:  events.SeverityHigh,
			UserID:    userIDOf(user),
			ClientIP:  clientIP,
			UserAgent: userAgent,
			Details:   map[string]any{"stage": "login"},
		})
		return nil, &BlockedError{RetryAfter: attempt.RetryAfter}
	}

	hash := ""
	if user != nil {
		hash = user.PasswordHash
	}
	if err := a.hasher.Verify(req.Password, hash); err != nil {
		return nil, a.loginFailed(ctx, attempt, user, clientIP, userAgent, "bad_credentials")
	}

	role, err := rbac.ParseRole(user.Role)
	if err != nil || !user.IsActive {
		return nil, a.loginFailed(ctx, attempt, user, clientIP, userAgent, "inactive")
	}

	if err := a.throttle.RecordSuccess(ctx, throttleID, clientIP); err != nil {
		return nil, fmt.Errorf("reset throttle: %w", err)
	}

	identity, err := a.identities.GetIdentity(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("identity lookup: %w", err)
	}
	permissions := identity.Grants.Strings()

	ttl := a.tokenTTL
	if req.RememberMe {
		ttl = a.rememberMeTTL
	}
	token, err := a.tokens.Sign(TokenPayload{
		UserID:      user.ID,
		Email:       user.Email,
		Role:        role,
		CompanyID:   user.CompanyID,
		Permissions: permissions,
	}, ttl)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	payload, err := a.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	if err := a.identities.UpdateLastLogin(ctx, user.ID); err != nil {
		a.logger.Warn("failed to update last login", slog.String("user_id", user.ID), slog.String("error", err.Error()))
	}

	a.logEvent(ctx, events.Event{
		Type:      events.TypeLoginSucceeded,
		Severity:  events.SeverityLow,
		UserID:    user.ID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		Details:   map[string]any{"rememberMe": req.RememberMe},
	})

	return &LoginResult{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: payload.ExpiresAt,
		User: UserInfo{
			ID:          user.ID,
			Email:       user.Email,
			Role:        role,
			CompanyID:   user.CompanyID,
			Permissions: permissions,
		},
	}, nil
}

// Logout revokes the session of the principal's token
func (a *Authenticator) Logout(ctx context.Context, p *Principal, clientIP, userAgent string) error {
	if err := a.sessions.Invalidate(ctx, p.TokenKey, p.TokenExpiresAt); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(session.TransitionRevoked)).Inc()
	a.logEvent(ctx, events.Event{
		Type:      events.TypeLogout,
		Severity:  events.SeverityLow,
		UserID:    p.Subject.UserID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
	})
	return nil
}

// Sessions lists the live sessions of a user
func (a *Authenticator) Sessions(ctx context.Context, userID string) ([]session.Session, error) {
	return a.sessions.ListByUser(ctx, userID)
}

// loginFailed logs a failed attempt, already counted by the throttle, and
// returns ErrInvalidCredentials
func (a *Authenticator) loginFailed(ctx context.Context, attempt throttle.Result, user *repository.User, clientIP, userAgent, reason string) error {
	rec := attempt.Record
	a.logEvent(ctx, events.Event{
		Type:      events.TypeLoginFailed,
		Severity:  events.SeverityLow,
		UserID:    userIDOf(user),
		ClientIP:  clientIP,
		UserAgent: userAgent,
		Details:   map[string]any{"reason": reason, "attempts": rec.Count},
	})
	if attempt.NewlyBlocked {
		metrics.LoginThrottleBlocksTotal.Inc()
		a.logEvent(ctx, events.Event{
			Type:      events.TypeLoginBlocked,
			Severity:  events.SeverityHigh,
			UserID:    userIDOf(user),
			ClientIP:  clientIP,
			UserAgent: userAgent,
			Details:   map[string]any{"attempts": rec.Count, "blockedUntil": rec.BlockedUntil},
		})
	}
	return ErrInvalidCredentials
}

func (a *Authenticator) logEvent(ctx context.Context, e events.Event) {
	if a.events != nil {
		a.events.Log(ctx, e)
	}
}

func userIDOf(u *repository.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
