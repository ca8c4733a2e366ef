// Package throttle implements brute-force login throttling per
// (user, client IP) pair.
//
// The failure counter is cleared only by a successful authentication for the
// same pair. When a block lapses the count is kept, so a further failure
// after the block window re-blocks immediately.
package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/kvstore"
)

// Defaults
const (
	DefaultThreshold     = 5
	DefaultBlockDuration = 30 * time.Minute
)

const keyPrefix = "throttle:"

// Record is the failed-attempt state of one (user, client) pair
type Record struct {
	Count         int        `json:"count"`
	LastAttemptAt time.Time  `json:"lastAttemptAt"`
	BlockedUntil  *time.Time `json:"blockedUntil,omitempty"`
}

// Blocked reports whether the record blocks attempts at now
func (r *Record) Blocked(now time.Time) bool {
	return r != nil && r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// Config holds LoginThrottle options
type Config struct {
	Threshold     int
	BlockDuration time.Duration
	// Retention expires untouched records after this long. Zero keeps them
	// until a successful login clears them.
	Retention time.Duration
	Clock     clock.Clock
}

// LoginThrottle tracks failed authentications
type LoginThrottle struct {
	store         kvstore.Store
	clock         clock.Clock
	threshold     int
	blockDuration time.Duration
	retention     time.Duration
}

// New creates a LoginThrottle
func New(store kvstore.Store, cfg Config) *LoginThrottle {
	t := &LoginThrottle{
		store:         store,
		clock:         cfg.Clock,
		threshold:     cfg.Threshold,
		blockDuration: cfg.BlockDuration,
		retention:     cfg.Retention,
	}
	if t.clock == nil {
		t.clock = clock.New()
	}
	if t.threshold <= 0 {
		t.threshold = DefaultThreshold
	}
	if t.blockDuration <= 0 {
		t.blockDuration = DefaultBlockDuration
	}
	return t
}

// Key derives the record key for a (user, client IP) pair
func Key(userID, clientIP string) string {
	h := sha256.Sum256([]byte(userID + "\x00" + clientIP))
	return keyPrefix + hex.EncodeToString(h[:])
}

// Result is the outcome of Attempt
type Result struct {
	Record Record
	// Allowed is false when the pair was already blocked; nothing was counted
	Allowed    bool
	RetryAfter time.Duration
	// NewlyBlocked is true when this attempt reached the threshold
	NewlyBlocked bool
}

// errRefused aborts the store update of a blocked pair without writing
var errRefused = errors.New("throttle: blocked")

// Attempt checks the block and counts the attempt in one atomic store update.
// It runs before the credentials are checked, so concurrent attempts on one
// pair can never pass the threshold; a successful login clears the count with
// RecordSuccess.
func (t *LoginThrottle) Attempt(ctx context.Context, userID, clientIP string) (Result, error) {
	var res Result
	err := t.store.Update(ctx, Key(userID, clientIP), func(cur []byte, found bool) (kvstore.Mutation, error) {
		now := t.clock.Now()
		rec, err := decode(cur, found)
		if err != nil {
			return kvstore.Mutation{}, err
		}
		if rec.Blocked(now) {
			res = Result{Record: rec, RetryAfter: rec.BlockedUntil.Sub(now)}
			return kvstore.Mutation{}, errRefused
		}
		rec, newly := t.bump(rec, now)
		res = Result{Record: rec, Allowed: true, NewlyBlocked: newly}
		return t.put(rec)
	})
	if errors.Is(err, errRefused) {
		return res, nil
	}
	return res, err
}

// RecordFailure increments the failure count and, once the count reaches the
// threshold, blocks the pair for the block duration. It returns the updated
// record; newlyBlocked is true when this failure started a block.
func (t *LoginThrottle) RecordFailure(ctx context.Context, userID, clientIP string) (rec Record, newlyBlocked bool, err error) {
	err = t.store.Update(ctx, Key(userID, clientIP), func(cur []byte, found bool) (kvstore.Mutation, error) {
		var derr error
		if rec, derr = decode(cur, found); derr != nil {
			return kvstore.Mutation{}, derr
		}
		rec, newlyBlocked = t.bump(rec, t.clock.Now())
		return t.put(rec)
	})
	return rec, newlyBlocked, err
}

func (t *LoginThrottle) bump(rec Record, now time.Time) (Record, bool) {
	wasBlocked := rec.Blocked(now)
	rec.Count++
	rec.LastAttemptAt = now
	if rec.Count >= t.threshold {
		until := now.Add(t.blockDuration)
		rec.BlockedUntil = &until
		return rec, !wasBlocked
	}
	return rec, false
}

func (t *LoginThrottle) put(rec Record) (kvstore.Mutation, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return kvstore.Mutation{}, err
	}
	return kvstore.Put(b, t.retention), nil
}

func decode(cur []byte, found bool) (Record, error) {
	var rec Record
	if !found {
		return rec, nil
	}
	if err := json.Unmarshal(cur, &rec); err != nil {
		return Record{}, fmt.Errorf("throttle: decode: %w", err)
	}
	return rec, nil
}

// RecordSuccess deletes the record for the pair
func (t *LoginThrottle) RecordSuccess(ctx context.Context, userID, clientIP string) error {
	return t.store.Delete(ctx, Key(userID, clientIP))
}

// IsBlocked reports whether a record exists whose block is still in the future
func (t *LoginThrottle) IsBlocked(ctx context.Context, userID, clientIP string) (bool, error) {
	rec, err := t.Get(ctx, userID, clientIP)
	if err != nil {
		return false, err
	}
	return rec.Blocked(t.clock.Now()), nil
}

// Get returns the record for the pair, or nil when there is none
func (t *LoginThrottle) Get(ctx context.Context, userID, clientIP string) (*Record, error) {
	b, found, err := t.store.Get(ctx, Key(userID, clientIP))
	if err != nil || !found {
		return nil, err
	}
	rec, err := decode(b, true)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
