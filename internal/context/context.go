// Package context holds the request context keys set by the access
// pipeline
package context

import (
	"context"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// PrincipalKey is the context key for the authenticated rbac.Subject
	PrincipalKey ContextKey = "principal"
	// TokenKeyKey is the context key for the session key of the bearer token
	TokenKeyKey ContextKey = "token_key"
	// TokenExpiryKey is the context key for the bearer token expiry
	TokenExpiryKey ContextKey = "token_expiry"
	// ClientIPKey is the context key for the resolved client IP
	ClientIPKey ContextKey = "client_ip"
)

// WithPrincipal stores the authenticated subject
func WithPrincipal(ctx context.Context, s *rbac.Subject) context.Context {
	return context.WithValue(ctx, PrincipalKey, s)
}

// ExtractPrincipal returns the authenticated subject
func ExtractPrincipal(ctx context.Context) (*rbac.Subject, bool) {
	s, ok := ctx.Value(PrincipalKey).(*rbac.Subject)
	return s, ok && s != nil
}

// ExtractUserID extracts the user ID of the authenticated subject
func ExtractUserID(ctx context.Context) (string, bool) {
	s, ok := ExtractPrincipal(ctx)
	if !ok {
		return "", false
	}
	return s.UserID, true
}

// WithTokenKey stores the session key of the bearer token
func WithTokenKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, TokenKeyKey, key)
}

// ExtractTokenKey returns the session key of the bearer token
func ExtractTokenKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(TokenKeyKey).(string)
	return key, ok && key != ""
}

// WithTokenExpiry stores the expiry of the bearer token
func WithTokenExpiry(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, TokenExpiryKey, t)
}

// ExtractTokenExpiry returns the expiry of the bearer token
func ExtractTokenExpiry(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(TokenExpiryKey).(time.Time)
	return t, ok
}

// WithClientIP stores the resolved client IP
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// ExtractClientIP returns the resolved client IP
func ExtractClientIP(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(ClientIPKey).(string)
	return ip, ok && ip != ""
}
