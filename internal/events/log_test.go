package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
)

var testStart = time.Date(2026, 6, 10, 8, 30, 0, 0, time.UTC)

// recordingSink collects delivered events
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Send(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Property: the log never holds more than maxEvents, and each event beyond
// capacity evicts exactly the single oldest one
func TestPropertyBoundedCapacity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxEvents := rapid.IntRange(1, 50).Draw(t, "maxEvents")
		n := rapid.IntRange(0, 150).Draw(t, "n")
		l := NewLog(LogConfig{MaxEvents: maxEvents, Clock: clock.NewFake(testStart)})

		for i := 0; i < n; i++ {
			l.Log(context.Background(), Event{Type: TypeForbidden, ClientIP: fmt.Sprint(i)})
			if l.Len() > maxEvents {
				t.Fatalf("log holds %d > %d", l.Len(), maxEvents)
			}
		}

		kept := l.Query(Filter{Limit: maxEvents + 1})
		want := min(n, maxEvents)
		if len(kept) != want {
			t.Fatalf("expected %d events, got %d", want, len(kept))
		}
		// newest first; the survivors are exactly the last `want` logged
		for i, e := range kept {
			if e.ClientIP != fmt.Sprint(n-1-i) {
				t.Fatalf("position %d holds event %s", i, e.ClientIP)
			}
		}
	})
}

// Property: stats(since) counts exactly the events with timestamp >= since
func TestPropertyStatsSince(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clk := clock.NewFake(testStart)
		l := NewLog(LogConfig{Clock: clk})

		gaps := rapid.SliceOfN(rapid.Int64Range(0, int64(20*time.Minute)), 1, 60).Draw(t, "gaps")
		var stamps []time.Time
		for _, g := range gaps {
			clk.Advance(time.Duration(g))
			e := l.Log(context.Background(), Event{
				Type:     rapid.SampledFrom([]Type{TypeForbidden, TypeRateLimited, TypeBlocked}).Draw(t, "type"),
				Severity: rapid.SampledFrom([]Severity{SeverityMedium, SeverityHigh}).Draw(t, "severity"),
			})
			stamps = append(stamps, e.Timestamp)
		}

		since := stamps[rapid.IntRange(0, len(stamps)-1).Draw(t, "sinceIdx")]
		want := 0
		for _, ts := range stamps {
			if !ts.Before(since) {
				want++
			}
		}

		st := l.Stats(since)
		if st.Total != want {
			t.Fatalf("stats total %d, want %d", st.Total, want)
		}
		sum := 0
		for _, c := range st.BySeverity {
			sum += c
		}
		if sum != want {
			t.Fatalf("bySeverity sums to %d, want %d", sum, want)
		}
		hours := 0
		for _, c := range st.ByHour {
			hours += c
		}
		if hours != want {
			t.Fatalf("byHour sums to %d, want %d", hours, want)
		}
	})
}

func TestQueryFiltersNewestFirst(t *testing.T) {
	clk := clock.NewFake(testStart)
	l := NewLog(LogConfig{Clock: clk})
	ctx := context.Background()

	l.Log(ctx, Event{Type: TypeForbidden, Severity: SeverityHigh, ClientIP: "a"})
	clk.Advance(time.Minute)
	l.Log(ctx, Event{Type: TypeRateLimited, Severity: SeverityMedium, ClientIP: "b"})
	clk.Advance(time.Minute)
	l.Log(ctx, Event{Type: TypeForbidden, Severity: SeverityHigh, ClientIP: "c"})

	got := l.Query(Filter{Type: TypeForbidden})
	if len(got) != 2 || got[0].ClientIP != "c" || got[1].ClientIP != "a" {
		t.Fatalf("unexpected forbidden events: %+v", got)
	}
	if got := l.Query(Filter{Severity: SeverityMedium}); len(got) != 1 || got[0].ClientIP != "b" {
		t.Fatalf("unexpected medium events: %+v", got)
	}
	if got := l.Query(Filter{Since: testStart.Add(time.Minute)}); len(got) != 2 {
		t.Fatalf("expected 2 events since +1m, got %d", len(got))
	}
	if got := l.Query(Filter{Limit: 1}); len(got) != 1 || got[0].ClientIP != "c" {
		t.Fatalf("limit 1 should return the newest event: %+v", got)
	}
}

func TestLogStampsServerTime(t *testing.T) {
	clk := clock.NewFake(testStart)
	l := NewLog(LogConfig{Clock: clk})
	e := l.Log(context.Background(), Event{Type: TypeLogout, Timestamp: time.Unix(0, 0)})
	if !e.Timestamp.Equal(testStart) || e.ID == "" || e.Seq != 1 {
		t.Fatalf("event not stamped by the log: %+v", e)
	}
	if e.Severity != SeverityLow {
		t.Errorf("missing severity should default to low, got %q", e.Severity)
	}
}

func TestCriticalEventsReachAlertSink(t *testing.T) {
	sink, alerts := &recordingSink{}, &recordingSink{}
	l := NewLog(LogConfig{Clock: clock.NewFake(testStart), Sink: sink, Alerts: alerts})
	ctx := context.Background()

	l.Log(ctx, Event{Type: TypeForbidden, Severity: SeverityHigh})
	l.Log(ctx, Event{Type: TypeInjectionAttempt, Severity: SeverityCritical})
	l.Close()

	if got := sink.snapshot(); len(got) != 2 {
		t.Errorf("event sink should receive every event, got %d", len(got))
	}
	got := alerts.snapshot()
	if len(got) != 1 || got[0].Severity != SeverityCritical {
		t.Errorf("alert sink should receive only the critical event, got %+v", got)
	}
}

func TestAfterReturnsOldestFirst(t *testing.T) {
	l := NewLog(LogConfig{Clock: clock.NewFake(testStart), MaxEvents: 3})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Log(ctx, Event{Type: TypeForbidden})
	}

	got := l.After(0)
	if len(got) != 3 || got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("unexpected events after 0: %+v", got)
	}
	if got := l.After(4); len(got) != 1 || got[0].Seq != 5 {
		t.Fatalf("unexpected events after 4: %+v", got)
	}
	if got := l.After(5); len(got) != 0 {
		t.Fatalf("expected nothing after the newest event, got %d", len(got))
	}
}

func TestParseSeverity(t *testing.T) {
	if s, err := ParseSeverity(" HIGH "); err != nil || s != SeverityHigh {
		t.Errorf("ParseSeverity(HIGH) = %q, %v", s, err)
	}
	if _, err := ParseSeverity("urgent"); err == nil {
		t.Error("expected error for unknown severity")
	}
	if !SeverityCritical.AtLeast(SeverityHigh) || SeverityLow.AtLeast(SeverityMedium) {
		t.Error("severity ordering broken")
	}
}
