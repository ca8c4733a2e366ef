// Package session tracks live bearer-token sessions and enforces the idle
// timeout.
//
// A session is created on first use of a token and moves to a terminal state
// on idle expiry or logout. Terminal sessions are kept as tombstones until the
// token itself expires, so an expired or revoked token can never open a new
// session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/kvstore"
)

// DefaultIdleTimeout is the maximum allowed gap between two uses of a session
const DefaultIdleTimeout = 24 * time.Hour

const keyPrefix = "session:"

// Session errors
var (
	ErrSessionExpired = errors.New("session expired")
	ErrSessionRevoked = errors.New("session revoked")
)

// State is the lifecycle state of a session
type State string

// Session states
const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
)

// Session is a tracked use of one bearer token
type Session struct {
	ID           string    `json:"id"`
	TokenKey     string    `json:"-"`
	UserID       string    `json:"userId"`
	ClientIP     string    `json:"clientIp"`
	UserAgent    string    `json:"userAgent"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	State        State     `json:"state"`
	// TokenExpiresAt bounds how long the record, live or tombstoned, is kept
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

// TouchRequest carries what is known about the request using a token
type TouchRequest struct {
	TokenKey       string
	UserID         string
	ClientIP       string
	UserAgent      string
	TokenExpiresAt time.Time
}

// Transition reports what Touch did to the session
type Transition string

// Transitions
const (
	TransitionCreated Transition = "created"
	TransitionTouched Transition = "touched"
	TransitionExpired Transition = "expired"
	TransitionRevoked Transition = "revoked"
	TransitionRefused Transition = "refused"
)

// Registry tracks sessions in a kvstore.Store
type Registry struct {
	store       kvstore.Store
	clock       clock.Clock
	idleTimeout time.Duration
}

// Config holds Registry options
type Config struct {
	IdleTimeout time.Duration
	Clock       clock.Clock
}

// NewRegistry creates a Registry
func NewRegistry(store kvstore.Store, cfg Config) *Registry {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{store: store, clock: clk, idleTimeout: idle}
}

// IdleTimeout returns the configured idle timeout
func (r *Registry) IdleTimeout() time.Duration {
	return r.idleTimeout
}

// Touch records a use of the token. A new token gets a fresh session; a
// live session idle for more than the timeout is moved to expired and
// ErrSessionExpired is returned; otherwise LastActivity advances to now.
// The whole check-expire-or-update runs as one atomic store update.
func (r *Registry) Touch(ctx context.Context, req TouchRequest) (*Session, Transition, error) {
	if req.TokenKey == "" {
		return nil, TransitionRefused, errors.New("session: empty token key")
	}

	var (
		result     *Session
		transition Transition
		outcome    error
	)

	err := r.store.Update(ctx, keyPrefix+req.TokenKey, func(cur []byte, found bool) (kvstore.Mutation, error) {
		now := r.clock.Now()
		result, outcome = nil, nil

		if !found {
			s := &Session{
				ID:             uuid.NewString(),
				TokenKey:       req.TokenKey,
				UserID:         req.UserID,
				ClientIP:       req.ClientIP,
				UserAgent:      req.UserAgent,
				CreatedAt:      now,
				LastActivity:   now,
				State:          StateActive,
				TokenExpiresAt: req.TokenExpiresAt,
			}
			result, transition = s, TransitionCreated
			return r.put(s, now)
		}

		var s Session
		if err := json.Unmarshal(cur, &s); err != nil {
			return kvstore.Mutation{}, fmt.Errorf("session: decode: %w", err)
		}
		s.TokenKey = req.TokenKey

		switch s.State {
		case StateExpired:
			transition, outcome = TransitionRefused, ErrSessionExpired
			return r.put(&s, now)
		case StateRevoked:
			transition, outcome = TransitionRefused, ErrSessionRevoked
			return r.put(&s, now)
		}

		if now.Sub(s.LastActivity) > r.idleTimeout {
			s.State = StateExpired
			transition, outcome = TransitionExpired, ErrSessionExpired
			return r.put(&s, now)
		}

		if now.After(s.LastActivity) {
			s.LastActivity = now
		}
		if req.ClientIP != "" {
			s.ClientIP = req.ClientIP
		}
		if req.UserAgent != "" {
			s.UserAgent = req.UserAgent
		}
		result, transition = &s, TransitionTouched
		return r.put(&s, now)
	})
	if err != nil {
		return nil, TransitionRefused, err
	}
	if outcome != nil {
		return nil, transition, outcome
	}
	return result, transition, nil
}

// Invalidate revokes the session for tokenKey (logout). The tombstone keeps
// the token unusable until it expires. Revoking an unknown token still
// records the tombstone when tokenExpiresAt is in the future.
func (r *Registry) Invalidate(ctx context.Context, tokenKey string, tokenExpiresAt time.Time) error {
	return r.store.Update(ctx, keyPrefix+tokenKey, func(cur []byte, found bool) (kvstore.Mutation, error) {
		now := r.clock.Now()
		s := Session{TokenKey: tokenKey, TokenExpiresAt: tokenExpiresAt, CreatedAt: now, LastActivity: now}
		if found {
			if err := json.Unmarshal(cur, &s); err != nil {
				return kvstore.Mutation{}, fmt.Errorf("session: decode: %w", err)
			}
		}
		s.State = StateRevoked
		return r.put(&s, now)
	})
}

// Get returns the session for tokenKey without touching it
func (r *Registry) Get(ctx context.Context, tokenKey string) (*Session, error) {
	b, found, err := r.store.Get(ctx, keyPrefix+tokenKey)
	if err != nil || !found {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	s.TokenKey = tokenKey
	return &s, nil
}

// ListByUser returns the live sessions of userID, most recently active first.
// Sessions past their idle timeout are omitted even if not yet marked expired.
func (r *Registry) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	now := r.clock.Now()
	var out []Session
	var decodeErr error
	err := r.store.Scan(ctx, keyPrefix, func(key string, value []byte) bool {
		var s Session
		if err := json.Unmarshal(value, &s); err != nil {
			decodeErr = fmt.Errorf("session: decode %s: %w", key, err)
			return false
		}
		if s.UserID != userID || s.State != StateActive || now.Sub(s.LastActivity) > r.idleTimeout {
			return true
		}
		s.TokenKey = key[len(keyPrefix):]
		out = append(out, s)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// put encodes s with a TTL reaching the token's expiry, and never less than
// the idle timeout so a live session outlasts its own timeout check.
func (r *Registry) put(s *Session, now time.Time) (kvstore.Mutation, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return kvstore.Mutation{}, err
	}
	ttl := s.TokenExpiresAt.Sub(now)
	if ttl < r.idleTimeout+time.Second {
		ttl = r.idleTimeout + time.Second
	}
	return kvstore.Put(b, ttl), nil
}
