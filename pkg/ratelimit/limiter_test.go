package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// base is a window-aligned instant used as t=0 by the algorithm tests.
var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

func TestFixedWindow_Exhaustion(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "fw", MaxRequests: 2, Window: time.Second, Algorithm: FixedWindow})

	if !l.Allow(at(0)) || !l.Allow(at(100)) {
		t.Fatal("first two requests in the window should be admitted")
	}
	if l.Allow(at(200)) {
		t.Error("third request in the same aligned window must be denied")
	}
	if l.Allow(at(999)) {
		t.Error("still inside the window, must stay denied")
	}
	if !l.Allow(at(1000)) {
		t.Error("request after the aligned boundary should be admitted")
	}
}

func TestFixedWindow_RetryAfter(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "fw", MaxRequests: 1, Window: time.Second, Algorithm: FixedWindow})

	if got := l.RetryAfter(at(0)); got != 0 {
		t.Errorf("RetryAfter before any request = %v, want 0", got)
	}
	l.Allow(at(0))
	if got := l.RetryAfter(at(300)); got != 700*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 700ms", got)
	}
	// Pure query: the denied window must not have been mutated.
	if got := l.RetryAfter(at(300)); got != 700*time.Millisecond {
		t.Errorf("repeated RetryAfter = %v, want 700ms", got)
	}
	if got := l.RetryAfter(at(1001)); got != 0 {
		t.Errorf("RetryAfter past the boundary = %v, want 0", got)
	}
}

func TestUserFixedWindow_AnchorsToFirstHit(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "ufw", MaxRequests: 2, Window: time.Second, Algorithm: UserFixedWindow})

	// First hit at t=700 anchors the window at 700, not at the wall-clock
	// boundary 0.
	if !l.Allow(at(700)) || !l.Allow(at(800)) {
		t.Fatal("first two requests should be admitted")
	}
	if l.Allow(at(1100)) {
		t.Error("t=1100 is inside the caller window [700,1700), must be denied")
	}
	if got := l.RetryAfter(at(1100)); got != 600*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 600ms", got)
	}
	if !l.Allow(at(1700)) {
		t.Error("t=1700 starts a fresh caller window, should be admitted")
	}
}

func TestCooldownFixedWindow_OverridePath(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "cfw", MaxRequests: 1, Window: time.Second, Algorithm: CooldownFixedWindow})

	if !l.Allow(at(0)) {
		t.Fatal("first request should be admitted")
	}
	if l.Allow(at(500)) {
		t.Error("same window, counter exhausted: must be denied")
	}
	// The denied attempt at t=500 must not refresh the cooldown; a full
	// window since the admit at t=0 has elapsed by t=1001.
	if !l.Allow(at(1001)) {
		t.Error("cooldown elapsed since last admitted request, should be admitted")
	}
}

func TestCooldownFixedWindow_BoundaryAloneDoesNotReset(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "cfw", MaxRequests: 2, Window: time.Second, Algorithm: CooldownFixedWindow})

	l.Allow(at(100))
	l.Allow(at(950))
	// A plain fixed window would admit at t=1050 (new aligned window).
	// The cooldown variant requires quiet until 950+1000=1950.
	if l.Allow(at(1050)) {
		t.Error("burst straddling the boundary must be denied")
	}
	if got := l.RetryAfter(at(1050)); got != 900*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 900ms", got)
	}
	if !l.Allow(at(1950)) {
		t.Error("cooldown satisfied at t=1950, should be admitted")
	}
}

func TestCooldownUserFixedWindow(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "cufw", MaxRequests: 1, Window: time.Second, Algorithm: CooldownUserFixedWindow})

	if !l.Allow(at(300)) {
		t.Fatal("first request anchors the window and is admitted")
	}
	if l.Allow(at(900)) {
		t.Error("inside the caller window, must be denied")
	}
	// Caller window expires at 1300 and the cooldown since the admit at
	// t=300 also ends at 1300.
	if l.Allow(at(1299)) {
		t.Error("one millisecond early, must be denied")
	}
	if !l.Allow(at(1300)) {
		t.Error("window expired and cooldown elapsed, should be admitted")
	}
}

func TestSlidingWindow(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "sw", MaxRequests: 3, Window: time.Second, Algorithm: SlidingWindow})

	for i := 0; i < 3; i++ {
		if !l.Allow(at(0)) {
			t.Fatalf("request %d at t=0 should be admitted", i)
		}
	}
	if l.Allow(at(0)) {
		t.Error("fourth request at t=0 must be denied")
	}
	if got := l.RetryAfter(at(400)); got != 600*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 600ms", got)
	}
	if !l.Allow(at(1001)) {
		t.Error("all three entries pruned by t=1001, should be admitted")
	}
}

func TestSlidingWindow_ContinuousSlide(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "sw", MaxRequests: 2, Window: time.Second, Algorithm: SlidingWindow})

	l.Allow(at(0))
	l.Allow(at(600))
	if l.Allow(at(900)) {
		t.Error("two live entries, must be denied")
	}
	// The t=0 entry expires at t=1000; the t=600 entry is still live.
	if !l.Allow(at(1000)) {
		t.Error("oldest entry expired, should be admitted")
	}
	if l.Allow(at(1100)) {
		t.Error("entries at 600 and 1000 are both live, must be denied")
	}
}

func TestTokenBucket(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "tb", MaxRequests: 5, Window: time.Second, Algorithm: TokenBucket})

	// Starts full: five immediate admissions.
	for i := 0; i < 5; i++ {
		if !l.Allow(at(0)) {
			t.Fatalf("request %d should drain a starting token", i)
		}
	}
	if l.Allow(at(0)) {
		t.Error("bucket drained, must be denied")
	}
	if got := l.RetryAfter(at(0)); got != 200*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 200ms (time to accrue one token)", got)
	}
	if !l.Allow(at(200)) {
		t.Error("one token accrued after 200ms, should be admitted")
	}
	if l.Allow(at(201)) {
		t.Error("token spent, must be denied again")
	}
}

func TestTokenBucket_CapsAtMax(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Rule{Key: "tb", MaxRequests: 2, Window: time.Second, Algorithm: TokenBucket})

	l.Allow(at(0))
	l.Allow(at(0))
	// A long idle period refills to the cap, never beyond it.
	if !l.Allow(at(10_000)) || !l.Allow(at(10_000)) {
		t.Fatal("bucket should be full again after idling")
	}
	if l.Allow(at(10_000)) {
		t.Error("capacity is 2, a third immediate request must be denied")
	}
}

func TestZeroMaxAlwaysDenies(t *testing.T) {
	t.Parallel()

	for _, alg := range []Algorithm{
		FixedWindow, UserFixedWindow, CooldownFixedWindow,
		CooldownUserFixedWindow, SlidingWindow, TokenBucket,
	} {
		l := NewLimiter(Rule{Key: "zero", MaxRequests: 0, Window: time.Second, Algorithm: alg})
		for i := 0; i < 3; i++ {
			if l.Allow(at(i * 700)) {
				t.Errorf("%s: MaxRequests=0 must always deny", alg)
			}
		}
		if got := l.RetryAfter(at(2100)); got != time.Second {
			t.Errorf("%s: RetryAfter with MaxRequests=0 = %v, want the window", alg, got)
		}
	}
}

func TestZeroWindowDegradesAlignment(t *testing.T) {
	t.Parallel()

	// With window<=0 every instant is its own window: a positive capacity
	// admits every request.
	for _, alg := range []Algorithm{FixedWindow, UserFixedWindow, SlidingWindow, TokenBucket} {
		l := NewLimiter(Rule{Key: "zw", MaxRequests: 1, Window: 0, Algorithm: alg})
		for i := 1; i <= 3; i++ {
			if !l.Allow(at(i)) {
				t.Errorf("%s: window=0 should admit every request", alg)
			}
		}
	}
}

func TestAllow_ConcurrentNoLostUpdates(t *testing.T) {
	t.Parallel()

	const max = 100
	l := NewLimiter(Rule{Key: "conc", MaxRequests: max, Window: time.Minute, Algorithm: FixedWindow})

	var wg sync.WaitGroup
	admitted := make(chan bool, max*3)
	now := at(0)

	for i := 0; i < max*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted <- l.Allow(now)
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for a := range admitted {
		if a {
			count++
		}
	}
	if count != max {
		t.Errorf("admitted %d requests in one window, want exactly %d", count, max)
	}
}

func TestParseAlgorithmRoundTrip(t *testing.T) {
	t.Parallel()

	for _, alg := range []Algorithm{
		FixedWindow, UserFixedWindow, CooldownFixedWindow,
		CooldownUserFixedWindow, SlidingWindow, TokenBucket,
	} {
		parsed, err := ParseAlgorithm(alg.String())
		if err != nil {
			t.Fatalf("ParseAlgorithm(%q) error: %v", alg.String(), err)
		}
		if parsed != alg {
			t.Errorf("ParseAlgorithm(%q) = %v, want %v", alg.String(), parsed, alg)
		}
	}

	if _, err := ParseAlgorithm("leaky_bucket"); err == nil {
		t.Error("unknown algorithm name should fail")
	}
}
