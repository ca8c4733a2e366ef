package events

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/metrics"
)

// DefaultMaxEvents is the default capacity of a Log
const DefaultMaxEvents = 10000

// DefaultQueryLimit caps Query results when the filter sets no limit
const DefaultQueryLimit = 100

// LogConfig holds Log options
type LogConfig struct {
	MaxEvents int
	Clock     clock.Clock
	Logger    *slog.Logger
	// Sink receives every event, Alerts only critical ones. Both optional.
	Sink      Sink
	Alerts    Sink
	QueueSize int
}

// Log is a bounded, append-only security event store.
// Events beyond capacity evict the oldest one.
type Log struct {
	mu        sync.RWMutex
	events    *list.List // oldest at front
	maxEvents int
	seq       uint64

	clock  clock.Clock
	logger *slog.Logger
	sink   *Dispatcher
	alerts *Dispatcher
}

// NewLog creates a Log and starts its sink dispatchers
func NewLog(cfg LogConfig) *Log {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Log{
		events:    list.New(),
		maxEvents: cfg.MaxEvents,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if cfg.Sink != nil {
		l.sink = NewDispatcher("events", cfg.Sink, DispatcherConfig{QueueSize: cfg.QueueSize, Logger: cfg.Logger})
	}
	if cfg.Alerts != nil {
		l.alerts = NewDispatcher("alerts", cfg.Alerts, DispatcherConfig{QueueSize: cfg.QueueSize, Logger: cfg.Logger})
	}
	return l
}

// Log appends e with a server timestamp and id, then hands it to the sinks
// without waiting for delivery. It returns the stored event.
func (l *Log) Log(ctx context.Context, e Event) Event {
	if !e.Severity.Valid() {
		e.Severity = SeverityLow
	}
	e.ID = uuid.NewString()

	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	e.Timestamp = l.clock.Now()
	if l.events.Len() >= l.maxEvents {
		l.events.Remove(l.events.Front())
	}
	l.events.PushBack(e)
	l.mu.Unlock()

	metrics.SecurityEventsTotal.WithLabelValues(string(e.Type), string(e.Severity)).Inc()
	l.logger.LogAttrs(ctx, levelFor(e.Severity), "security event",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("severity", string(e.Severity)),
		slog.String("user_id", e.UserID),
		slog.String("client_ip", e.ClientIP),
	)

	if l.sink != nil {
		l.sink.Dispatch(e)
	}
	if l.alerts != nil && e.Severity == SeverityCritical {
		l.alerts.Dispatch(e)
	}
	return e
}

// Query returns the events matching f, newest first
func (l *Log) Query(f Filter) []Event {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, min(limit, l.events.Len()))
	for el := l.events.Back(); el != nil && len(out) < limit; el = el.Prev() {
		e := el.Value.(Event)
		if f.match(&e) {
			out = append(out, e)
		}
	}
	return out
}

// Stats aggregates the events with a timestamp at or after since
func (l *Log) Stats(since time.Time) Stats {
	st := Stats{
		Since:      since,
		ByType:     make(map[Type]int),
		BySeverity: make(map[Severity]int),
		ByHour:     make(map[string]int),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for el := l.events.Front(); el != nil; el = el.Next() {
		e := el.Value.(Event)
		if e.Timestamp.Before(since) {
			continue
		}
		st.Total++
		st.ByType[e.Type]++
		st.BySeverity[e.Severity]++
		st.ByHour[HourKey(e.Timestamp)]++
	}
	return st
}

// After returns the retained events with a sequence number above seq,
// oldest first
func (l *Log) After(seq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for el := l.events.Back(); el != nil; el = el.Prev() {
		e := el.Value.(Event)
		if e.Seq <= seq {
			break
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Seq returns the sequence number of the most recent event, zero when
// nothing was logged
func (l *Log) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Len returns the number of retained events
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events.Len()
}

// Close stops the dispatchers after delivering what is already queued
func (l *Log) Close() {
	if l.sink != nil {
		l.sink.Close()
	}
	if l.alerts != nil {
		l.alerts.Close()
	}
}

func levelFor(s Severity) slog.Level {
	switch s {
	case SeverityCritical, SeverityHigh:
		return slog.LevelWarn
	case SeverityMedium:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
