package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/kvstore"
)

var testStart = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

func newTestThrottle(clk *clock.Fake) *LoginThrottle {
	return New(kvstore.NewMemoryStore(clk), Config{Clock: clk})
}

// Property: after exactly threshold failures the pair is blocked for the
// whole block duration and unblocked afterwards
func TestPropertyBlockAfterThreshold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		clk := clock.NewFake(testStart)
		th := newTestThrottle(clk)
		user := rapid.StringMatching(`[a-z0-9]{6}`).Draw(t, "user")
		ip := rapid.StringMatching(`10\.0\.[0-9]{1,3}\.[0-9]{1,3}`).Draw(t, "ip")

		for i := 1; i < DefaultThreshold; i++ {
			if _, blocked, err := th.RecordFailure(ctx, user, ip); err != nil || blocked {
				t.Fatalf("failure %d: blocked=%v err=%v", i, blocked, err)
			}
			if b, _ := th.IsBlocked(ctx, user, ip); b {
				t.Fatalf("blocked after only %d failures", i)
			}
		}
		rec, newly, err := th.RecordFailure(ctx, user, ip)
		if err != nil || !newly || rec.Count != DefaultThreshold {
			t.Fatalf("threshold failure: rec=%+v newly=%v err=%v", rec, newly, err)
		}

		within := time.Duration(rapid.Int64Range(0, int64(DefaultBlockDuration)-1).Draw(t, "within"))
		clk.Set(testStart.Add(within))
		if b, _ := th.IsBlocked(ctx, user, ip); !b {
			t.Fatalf("should be blocked %v into the block", within)
		}

		clk.Set(testStart.Add(DefaultBlockDuration))
		if b, _ := th.IsBlocked(ctx, user, ip); b {
			t.Fatal("block must lapse after the block duration")
		}
	})
}

func TestSuccessBeforeThresholdResets(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	th := newTestThrottle(clk)

	for i := 0; i < DefaultThreshold-1; i++ {
		th.RecordFailure(ctx, "u", "1.1.1.1")
	}
	if err := th.RecordSuccess(ctx, "u", "1.1.1.1"); err != nil {
		t.Fatal(err)
	}
	rec, err := th.Get(ctx, "u", "1.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("record should be gone, got %+v", rec)
	}

	rec2, _, _ := th.RecordFailure(ctx, "u", "1.1.1.1")
	if rec2.Count != 1 {
		t.Errorf("count should restart at 1, got %d", rec2.Count)
	}
}

// The counter survives the end of a block; the next failure re-blocks at once.
func TestCountNotResetByBlockExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	th := newTestThrottle(clk)

	for i := 0; i < DefaultThreshold; i++ {
		th.RecordFailure(ctx, "u", "ip")
	}
	clk.Advance(DefaultBlockDuration + time.Minute)
	if b, _ := th.IsBlocked(ctx, "u", "ip"); b {
		t.Fatal("block should have lapsed")
	}

	rec, newly, err := th.RecordFailure(ctx, "u", "ip")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != DefaultThreshold+1 || !newly {
		t.Errorf("expected immediate re-block at count %d, got %+v newly=%v", DefaultThreshold+1, rec, newly)
	}
	if b, _ := th.IsBlocked(ctx, "u", "ip"); !b {
		t.Error("should be blocked again")
	}
}

func TestPairsAreIndependent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	th := newTestThrottle(clk)

	for i := 0; i < DefaultThreshold; i++ {
		th.RecordFailure(ctx, "u", "ip-a")
	}
	if b, _ := th.IsBlocked(ctx, "u", "ip-b"); b {
		t.Error("another client of the same user must not be blocked")
	}
	if b, _ := th.IsBlocked(ctx, "v", "ip-a"); b {
		t.Error("another user on the same client must not be blocked")
	}
	res, err := th.Attempt(ctx, "u", "ip-a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.RetryAfter != DefaultBlockDuration {
		t.Errorf("expected refusal with retry after %v, got %+v", DefaultBlockDuration, res)
	}
}

func TestConcurrentFailuresAreAllCounted(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	th := New(kvstore.NewMemoryStore(clk), Config{Clock: clk, Threshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.RecordFailure(ctx, "u", "ip")
		}()
	}
	wg.Wait()

	rec, _ := th.Get(ctx, "u", "ip")
	if rec == nil || rec.Count != 50 {
		t.Errorf("expected 50 counted failures, got %+v", rec)
	}
}

func TestAttemptCountsBeforeCheck(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	th := newTestThrottle(clk)

	for i := 1; i <= DefaultThreshold; i++ {
		res, err := th.Attempt(ctx, "u", "ip")
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed || res.Record.Count != i {
			t.Fatalf("attempt %d: %+v", i, res)
		}
		if res.NewlyBlocked != (i == DefaultThreshold) {
			t.Fatalf("attempt %d: newlyBlocked=%v", i, res.NewlyBlocked)
		}
	}

	clk.Advance(time.Minute)
	res, err := th.Attempt(ctx, "u", "ip")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.RetryAfter != DefaultBlockDuration-time.Minute {
		t.Fatalf("blocked attempt should be refused, got %+v", res)
	}
	rec, _ := th.Get(ctx, "u", "ip")
	if rec.Count != DefaultThreshold {
		t.Errorf("refused attempts must not be counted, got %d", rec.Count)
	}

	// A successful login after the attempt clears the pair
	if err := th.RecordSuccess(ctx, "u", "ip"); err != nil {
		t.Fatal(err)
	}
	if res, _ := th.Attempt(ctx, "u", "ip"); !res.Allowed || res.Record.Count != 1 {
		t.Errorf("expected a fresh count after success, got %+v", res)
	}
}

func TestConcurrentAttemptsNeverExceedThreshold(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	th := newTestThrottle(clk)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		newly   int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := th.Attempt(ctx, "u", "ip")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Allowed {
				allowed++
			}
			if res.NewlyBlocked {
				newly++
			}
		}()
	}
	wg.Wait()

	if allowed != DefaultThreshold || newly != 1 {
		t.Errorf("expected %d allowed attempts and one block, got allowed=%d newlyBlocked=%d", DefaultThreshold, allowed, newly)
	}
}
