package shout

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/playa/presence/internal/venue"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs every timer that came due, in
// deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// chanSource is a Source driven by the test.
type chanSource struct {
	fn      func(venue.Shout)
	stopped bool
}

func (s *chanSource) Subscribe(fn func(venue.Shout)) (func(), error) {
	s.fn = fn
	return func() { s.stopped = true }, nil
}

func shoutAt(c *fakeClock, by, text string) venue.Shout {
	return venue.Shout{CreatedBy: by, Text: text, CreatedAt: c.Now().UnixMilli()}
}

func TestFeed_ExpiresAfterLifetime(t *testing.T) {
	clock := newFakeClock()
	feed := NewFeed(clock)
	src := &chanSource{}
	if err := feed.Subscribe(src); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	clock.Advance(time.Millisecond)
	src.fn(shoutAt(clock, "a", "hi"))

	clock.Advance(Lifetime - time.Millisecond)
	if got := len(feed.ForUser("a")); got != 1 {
		t.Fatalf("expected shout present at T+14999ms, got %d", got)
	}

	clock.Advance(2 * time.Millisecond)
	if got := len(feed.ForUser("a")); got != 0 {
		t.Fatalf("expected shout gone at T+15001ms, got %d", got)
	}
}

func TestFeed_IgnoresShoutsBeforeSubscription(t *testing.T) {
	clock := newFakeClock()
	feed := NewFeed(clock)
	src := &chanSource{}
	feed.Subscribe(src)

	src.fn(venue.Shout{CreatedBy: "a", Text: "old", CreatedAt: clock.Now().UnixMilli() - 1000})
	src.fn(venue.Shout{CreatedBy: "a", Text: "same ms", CreatedAt: clock.Now().UnixMilli()})

	if n := len(feed.Shouts()); n != 0 {
		t.Errorf("expected shouts at or before the start to be ignored, got %d", n)
	}
}

func TestFeed_DuplicatesTrackedSeparately(t *testing.T) {
	clock := newFakeClock()
	feed := NewFeed(clock)
	clock.Advance(time.Millisecond)

	dup := shoutAt(clock, "a", "same")
	feed.Observe(dup)
	clock.Advance(5 * time.Second)
	feed.Observe(dup)

	if n := len(feed.ForUser("a")); n != 2 {
		t.Fatalf("expected 2 identical shouts, got %d", n)
	}

	// The first expires, the second (observed 5s later) stays.
	clock.Advance(Lifetime - 5*time.Second)
	if n := len(feed.ForUser("a")); n != 1 {
		t.Fatalf("expected exactly one shout removed, got %d left", n)
	}

	clock.Advance(5 * time.Second)
	if n := len(feed.ForUser("a")); n != 0 {
		t.Fatalf("expected both removed, got %d left", n)
	}
}

func TestFeed_ByUser(t *testing.T) {
	clock := newFakeClock()
	feed := NewFeed(clock)
	clock.Advance(time.Millisecond)

	feed.Observe(shoutAt(clock, "a", "one"))
	feed.Observe(shoutAt(clock, "b", "two"))
	feed.Observe(shoutAt(clock, "a", "three"))

	by := feed.ByUser()
	if len(by) != 2 {
		t.Fatalf("expected 2 authors, got %d", len(by))
	}
	if len(by["a"]) != 2 || by["a"][0].Text != "one" || by["a"][1].Text != "three" {
		t.Errorf("unexpected shouts for a: %+v", by["a"])
	}
	if len(by["b"]) != 1 {
		t.Errorf("unexpected shouts for b: %+v", by["b"])
	}
}

func TestFeed_OnChange(t *testing.T) {
	clock := newFakeClock()
	feed := NewFeed(clock)
	clock.Advance(time.Millisecond)

	calls := 0
	feed.OnChange(func() { calls++ })
	feed.Observe(shoutAt(clock, "a", "x"))
	clock.Advance(Lifetime)

	if calls != 2 {
		t.Errorf("expected change on append and expiry, got %d", calls)
	}
}

func TestFeed_CloseStopsTimers(t *testing.T) {
	clock := newFakeClock()
	feed := NewFeed(clock)
	src := &chanSource{}
	feed.Subscribe(src)
	clock.Advance(time.Millisecond)

	src.fn(shoutAt(clock, "a", "x"))
	src.fn(shoutAt(clock, "b", "y"))
	if clock.pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", clock.pending())
	}

	feed.Close()
	if clock.pending() != 0 {
		t.Errorf("expected Close to stop pending timers, %d left", clock.pending())
	}
	if !src.stopped {
		t.Error("expected Close to end the subscription")
	}

	src.fn(shoutAt(clock, "c", "late"))
	if n := len(feed.Shouts()); n != 0 {
		t.Errorf("closed feed accepted a shout")
	}
	if err := feed.Subscribe(src); err == nil {
		t.Error("expected Subscribe on a closed feed to fail")
	}
}
