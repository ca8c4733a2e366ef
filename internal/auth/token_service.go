package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
)

// Token lifetimes
const (
	DefaultTokenTTL    = 7 * 24 * time.Hour
	RememberMeTokenTTL = 30 * 24 * time.Hour
)

// ErrInvalidToken covers every reason a token fails verification
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenPayload is the identity carried by a bearer token
type TokenPayload struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	Role        rbac.Role `json:"role"`
	CompanyID   string    `json:"companyId"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Claims represents the JWT claims structure
type Claims struct {
	Email       string    `json:"email"`
	Role        rbac.Role `json:"role"`
	CompanyID   string    `json:"companyId"`
	Permissions []string  `json:"permissions"`
	// ExpiresAtNano is the exact expiry in unix nanoseconds. The registered
	// exp claim only has second resolution and is rounded up.
	ExpiresAtNano int64 `json:"expNano,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies bearer tokens. It holds no mutable state.
type TokenService struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

// TokenServiceConfig holds configuration for TokenService
type TokenServiceConfig struct {
	Secret string
	Issuer string
	Clock  clock.Clock
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		clock:  clk,
	}
}

// Sign encodes payload with an expiry ttl after now. IssuedAt and ExpiresAt
// in payload are ignored and replaced. The token verifies at every instant
// before now+ttl and at none from then on.
func (s *TokenService) Sign(payload TokenPayload, ttl time.Duration) (string, error) {
	if ttl < time.Second {
		return "", errors.New("token ttl must be at least one second")
	}
	now := s.clock.Now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Email:         payload.Email,
		Role:          payload.Role,
		CompanyID:     payload.CompanyID,
		Permissions:   payload.Permissions,
		ExpiresAtNano: expiresAt.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   payload.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(ceilSecond(expiresAt)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify returns the payload of a valid token. Malformed, tampered, foreign
// and expired tokens all yield ErrInvalidToken; adversarial input never panics.
func (s *TokenService) Verify(tokenString string) (payload *TokenPayload, err error) {
	defer func() {
		if recover() != nil {
			payload, err = nil, ErrInvalidToken
		}
	}()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method is HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.IssuedAt == nil || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}

	expiresAt := claims.ExpiresAt.Time
	if claims.ExpiresAtNano != 0 {
		expiresAt = time.Unix(0, claims.ExpiresAtNano)
		if expiresAt.After(claims.ExpiresAt.Time) || !s.clock.Now().Before(expiresAt) {
			return nil, ErrInvalidToken
		}
	}

	return &TokenPayload{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Role:        claims.Role,
		CompanyID:   claims.CompanyID,
		Permissions: claims.Permissions,
		IssuedAt:    claims.IssuedAt.Time.UTC(),
		ExpiresAt:   expiresAt.UTC(),
	}, nil
}

func ceilSecond(t time.Time) time.Time {
	c := t.Truncate(time.Second)
	if c.Before(t) {
		c = c.Add(time.Second)
	}
	return c
}

// TokenKey derives the session key for a raw token, so raw tokens are never
// stored or logged
func TokenKey(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
