// Package ratelimit provides a sliding-window request limiter per
// (client IP, route) pair on top of a kvstore.Store.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/kvstore"
)

// DefaultKeyCeiling is the number of windows above which a sweep is started
const DefaultKeyCeiling = 10000

const keyPrefix = "rl:"

// ErrInvalidPolicy is returned for a policy with no window or no budget
var ErrInvalidPolicy = errors.New("ratelimit: policy needs a positive window and max requests")

// Policy is the budget of one route
type Policy struct {
	Window      time.Duration
	MaxRequests int
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Config holds Limiter options
type Config struct {
	Clock      clock.Clock
	KeyCeiling int
	Logger     *slog.Logger
}

// Limiter is a sliding-window rate limiter
type Limiter struct {
	store   kvstore.Store
	clock   clock.Clock
	ceiling int64
	logger  *slog.Logger

	keys     atomic.Int64
	sweeping atomic.Bool
}

// New creates a Limiter
func New(store kvstore.Store, cfg Config) *Limiter {
	l := &Limiter{
		store:   store,
		clock:   cfg.Clock,
		ceiling: int64(cfg.KeyCeiling),
		logger:  cfg.Logger,
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	if l.ceiling <= 0 {
		l.ceiling = DefaultKeyCeiling
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Key derives the window key for a client and route
func Key(clientIP, routeKey string) string {
	return keyPrefix + clientIP + "|" + routeKey
}

// Allow prunes the window of clientIP on routeKey, then either records the
// request or refuses it. Pruning, counting and appending happen in one atomic
// store update, so a returned error means no request was recorded.
func (l *Limiter) Allow(ctx context.Context, clientIP, routeKey string, p Policy) (Decision, error) {
	if p.Window <= 0 || p.MaxRequests <= 0 {
		return Decision{}, ErrInvalidPolicy
	}

	var (
		d       Decision
		created bool
	)
	err := l.store.Update(ctx, Key(clientIP, routeKey), func(cur []byte, found bool) (kvstore.Mutation, error) {
		now := l.clock.Now()
		d, created = Decision{Limit: p.MaxRequests}, !found

		var stamps []int64
		if found {
			if err := json.Unmarshal(cur, &stamps); err != nil {
				return kvstore.Mutation{}, fmt.Errorf("ratelimit: decode: %w", err)
			}
		}
		stamps = prune(stamps, now.Add(-p.Window).UnixNano())

		if len(stamps) >= p.MaxRequests {
			oldest := time.Unix(0, stamps[0]).UTC()
			d.ResetAt = oldest.Add(p.Window)
			d.RetryAfter = d.ResetAt.Sub(now)
			return l.put(stamps, now, p.Window)
		}

		ts := now.UnixNano()
		if n := len(stamps); n > 0 && ts < stamps[n-1] {
			ts = stamps[n-1]
		}
		stamps = append(stamps, ts)
		d.Allowed = true
		d.Remaining = p.MaxRequests - len(stamps)
		d.ResetAt = time.Unix(0, stamps[0]).UTC().Add(p.Window)
		return l.put(stamps, now, p.Window)
	})
	if err != nil {
		return Decision{}, err
	}

	if created && l.keys.Add(1) > l.ceiling {
		l.startSweep()
	}
	return d, nil
}

// Count returns the number of requests currently inside the window
func (l *Limiter) Count(ctx context.Context, clientIP, routeKey string, window time.Duration) (int, error) {
	b, found, err := l.store.Get(ctx, Key(clientIP, routeKey))
	if err != nil || !found {
		return 0, err
	}
	var stamps []int64
	if err := json.Unmarshal(b, &stamps); err != nil {
		return 0, fmt.Errorf("ratelimit: decode: %w", err)
	}
	return len(prune(stamps, l.clock.Now().Add(-window).UnixNano())), nil
}

// Keys returns the tracked number of windows
func (l *Limiter) Keys() int {
	return int(l.keys.Load())
}

// Sweep drops stale windows and recounts the live ones
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	removed, err := l.store.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	live := 0
	if err := l.store.Scan(ctx, keyPrefix, func(string, []byte) bool {
		live++
		return true
	}); err != nil {
		return removed, err
	}
	l.keys.Store(int64(live))
	return removed, nil
}

func (l *Limiter) startSweep() {
	if !l.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer l.sweeping.Store(false)
		removed, err := l.Sweep(context.Background())
		if err != nil {
			l.logger.Warn("rate limit sweep failed", slog.String("error", err.Error()))
			return
		}
		l.logger.Debug("rate limit sweep", slog.Int("removed", removed), slog.Int("live", l.Keys()))
	}()
}

// put stores the window until its newest entry leaves it
func (l *Limiter) put(stamps []int64, now time.Time, window time.Duration) (kvstore.Mutation, error) {
	if len(stamps) == 0 {
		return kvstore.Remove(), nil
	}
	b, err := json.Marshal(stamps)
	if err != nil {
		return kvstore.Mutation{}, err
	}
	ttl := time.Unix(0, stamps[len(stamps)-1]).Add(window).Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return kvstore.Put(b, ttl), nil
}

// prune keeps the timestamps strictly after cutoff; stamps are ascending.
// The window is (now-window, now]: a request leaves it exactly at
// stamp+window, which is the instant a refusal's RetryAfter points at, so a
// refusal always carries a positive RetryAfter.
func prune(stamps []int64, cutoff int64) []int64 {
	i := 0
	for i < len(stamps) && stamps[i] <= cutoff {
		i++
	}
	return stamps[i:]
}
