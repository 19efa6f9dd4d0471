package limiter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTryConsume_BurstThenDeny(t *testing.T) {
	clock := newFakeClock()
	l := New(map[string]Profile{"/chat": {Capacity: 3, RefillRate: 1}}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		d := l.TryConsume("client-a", "/chat")
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}

	d := l.TryConsume("client-a", "/chat")
	if d.Allowed {
		t.Fatal("expected fourth request to be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %f", d.Remaining)
	}
	if d.RetryAfterMs != 1000 {
		t.Errorf("expected retry after 1000ms, got %d", d.RetryAfterMs)
	}
}

func TestRefillCorrectness(t *testing.T) {
	clock := newFakeClock()
	l := New(map[string]Profile{"/embed": {Capacity: 5, RefillRate: 5}}, WithClock(clock.Now))
	key := Key{ClientID: "c", Route: "/embed"}

	if !l.TryConsumeN(key, 5) {
		t.Fatal("expected to drain the full bucket")
	}
	if got := l.AvailableTokens(key); got != 0 {
		t.Fatalf("expected 0 tokens after draining, got %f", got)
	}

	clock.Advance(200 * time.Millisecond)

	if got := l.AvailableTokens(key); got != 1 {
		t.Errorf("expected exactly 1 token after 200ms at 5/s, got %f", got)
	}
	if got := l.RetryAfterMs(key); got != 0 {
		t.Errorf("expected no retry hint with a full token, got %d", got)
	}
}

func TestRetryAfterMs_PartialToken(t *testing.T) {
	clock := newFakeClock()
	l := New(map[string]Profile{"/x": {Capacity: 1, RefillRate: 2}}, WithClock(clock.Now))
	key := Key{ClientID: "c", Route: "/x"}

	if !l.TryConsumeN(key, 1) {
		t.Fatal("expected first token")
	}
	clock.Advance(250 * time.Millisecond) // 0.5 tokens

	if got := l.RetryAfterMs(key); got != 250 {
		t.Errorf("expected 250ms retry hint, got %d", got)
	}
}

func TestBucketMonotonicity(t *testing.T) {
	clock := newFakeClock()
	p := Profile{Capacity: 4, RefillRate: 3}
	l := New(map[string]Profile{"/r": p}, WithClock(clock.Now))
	key := Key{ClientID: "c", Route: "/r"}

	steps := []struct {
		advance time.Duration
		n       int
	}{
		{0, 1}, {0, 3}, {0, 2}, {100 * time.Millisecond, 1}, {10 * time.Second, 2},
		{0, 5}, {time.Millisecond, 1}, {400 * time.Millisecond, 1}, {time.Hour, 4}, {0, 1},
	}
	for i, s := range steps {
		clock.Advance(s.advance)
		l.TryConsumeN(key, s.n)
		tokens := l.AvailableTokens(key)
		if tokens < 0 || tokens > float64(p.Capacity) {
			t.Fatalf("step %d: tokens %f outside [0, %d]", i, tokens, p.Capacity)
		}
	}
}

func TestUnmatchedRouteUsesDefaultProfile(t *testing.T) {
	l := New(nil, WithDefaultProfile(Profile{Capacity: 2, RefillRate: 1}))

	if got := l.ProfileFor("/unknown"); got.Capacity != 2 {
		t.Errorf("expected default capacity 2, got %d", got.Capacity)
	}
	if got := l.AvailableTokens(Key{ClientID: "new", Route: "/unknown"}); got != 2 {
		t.Errorf("expected unseen key to report full bucket, got %f", got)
	}
	if l.Len() != 0 {
		t.Errorf("AvailableTokens should not create buckets, have %d", l.Len())
	}
}

func TestInvalidProfilesAreIgnored(t *testing.T) {
	l := New(map[string]Profile{"/bad": {Capacity: 0, RefillRate: 1}}, WithDefaultProfile(Profile{}))
	if got := l.ProfileFor("/bad"); got != DefaultProfile {
		t.Errorf("expected fallback to DefaultProfile, got %+v", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(map[string]Profile{"/r": {Capacity: 1, RefillRate: 1}}, WithClock(clock.Now))

	if !l.TryConsume("a", "/r").Allowed {
		t.Fatal("expected client a allowed")
	}
	if l.TryConsume("a", "/r").Allowed {
		t.Fatal("expected client a denied")
	}
	if !l.TryConsume("b", "/r").Allowed {
		t.Error("client b should have its own bucket")
	}
	if !l.TryConsume("a", "/other").Allowed {
		t.Error("client a on another route should have its own bucket")
	}
}

func TestSweep_RemovesOnlyFullBuckets(t *testing.T) {
	clock := newFakeClock()
	l := New(map[string]Profile{"/r": {Capacity: 2, RefillRate: 1}}, WithClock(clock.Now))

	l.TryConsume("idle", "/r")
	clock.Advance(5 * time.Second)
	l.TryConsumeN(Key{ClientID: "busy", Route: "/r"}, 2)

	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("expected 1 bucket removed, got %d", removed)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 bucket left, got %d", l.Len())
	}
	if got := l.AvailableTokens(Key{ClientID: "busy", Route: "/r"}); got != 0 {
		t.Errorf("busy bucket should keep its state, got %f tokens", got)
	}
}

func TestSweep_RetiredBucketIsNotReused(t *testing.T) {
	clock := newFakeClock()
	l := New(map[string]Profile{"/r": {Capacity: 2, RefillRate: 1}}, WithClock(clock.Now))
	key := Key{ClientID: "c", Route: "/r"}

	stale := l.getBucket(key)
	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("expected the full bucket to be swept, got %d", removed)
	}
	if !stale.dead {
		t.Fatal("swept bucket should be marked dead")
	}

	if !l.TryConsume("c", "/r").Allowed {
		t.Fatal("expected a fresh bucket to admit the request")
	}
	if got := stale.lim.TokensAt(clock.Now()); got != 2 {
		t.Errorf("retired bucket was consumed from: %f tokens left", got)
	}
	if got := l.AvailableTokens(key); got != 1 {
		t.Errorf("expected 1 token in the live bucket, got %f", got)
	}
}

func TestSweep_ConcurrentConsumersNeverExceedCapacity(t *testing.T) {
	clock := newFakeClock()
	l := New(map[string]Profile{"/r": {Capacity: 2, RefillRate: 1}}, WithClock(clock.Now))

	for iter := 0; iter < 200; iter++ {
		client := fmt.Sprintf("client-%d", iter)
		stop := make(chan struct{})
		sweeperDone := make(chan struct{})
		go func() {
			defer close(sweeperDone)
			for {
				select {
				case <-stop:
					return
				default:
					l.Sweep()
				}
			}
		}()

		var wg sync.WaitGroup
		var allowed atomic.Int64
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.TryConsume(client, "/r").Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		close(stop)
		<-sweeperDone

		if got := allowed.Load(); got != 2 {
			t.Fatalf("iteration %d: %d requests admitted with capacity 2 and a frozen clock", iter, got)
		}
	}
}

func TestTryConsume_Concurrent(t *testing.T) {
	clock := newFakeClock()
	l := New(map[string]Profile{"/r": {Capacity: 50, RefillRate: 1}}, WithClock(clock.Now))

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryConsume("shared", "/r").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("expected exactly 50 admissions, got %d", allowed)
	}
}
