// Package shout implements the venue's ephemeral shout overlay: a feed of
// shouts created after the local user joined, each shown for a fixed
// Lifetime, and a Sender that posts the local user's shouts.
package shout

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/playa/presence/internal/metrics"
	"github.com/playa/presence/internal/venue"
)

// Lifetime is how long an observed shout stays in the feed.
const Lifetime = 15 * time.Second

// Clock schedules expiry timers. SystemClock is the wall clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the default Clock.
var SystemClock Clock = systemClock{}

// Source delivers shouts as they are created. Subscribe returns a function
// that ends the subscription.
type Source interface {
	Subscribe(fn func(venue.Shout)) (stop func(), err error)
}

// entry is one displayed shout. Removal goes by pointer so identical shouts
// observed twice are tracked separately.
type entry struct {
	shout venue.Shout
	timer Timer
}

// Feed is the ordered list of currently displayed shouts.
type Feed struct {
	clock Clock

	mu       sync.Mutex
	start    int64 // unix ms; shouts created at or before are ignored
	entries  []*entry
	closed   bool
	stop     func()
	onChange func()
}

// NewFeed creates an empty feed. A nil clock means SystemClock.
func NewFeed(clock Clock) *Feed {
	if clock == nil {
		clock = SystemClock
	}
	return &Feed{
		clock: clock,
		start: clock.Now().UnixMilli(),
	}
}

// OnChange registers a callback run after every append or expiry.
func (f *Feed) OnChange(fn func()) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Subscribe starts observing src. Only shouts created after this call are
// displayed.
func (f *Feed) Subscribe(src Source) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("shout: feed closed")
	}
	f.start = f.clock.Now().UnixMilli()
	f.mu.Unlock()

	stop, err := src.Subscribe(f.Observe)
	if err != nil {
		return fmt.Errorf("shout: subscribe: %w", err)
	}

	f.mu.Lock()
	f.stop = stop
	f.mu.Unlock()
	return nil
}

// Observe appends a shout and schedules its removal Lifetime from now.
// Shouts created before the subscription started are ignored.
func (f *Feed) Observe(s venue.Shout) {
	f.mu.Lock()
	if f.closed || s.CreatedAt <= f.start {
		f.mu.Unlock()
		return
	}
	e := &entry{shout: s}
	f.entries = append(f.entries, e)
	e.timer = f.clock.AfterFunc(Lifetime, func() { f.expire(e) })
	n := len(f.entries)
	fn := f.onChange
	f.mu.Unlock()

	metrics.ShoutsActive.Set(float64(n))
	if fn != nil {
		fn()
	}
}

func (f *Feed) expire(e *entry) {
	f.mu.Lock()
	idx := -1
	for i, cur := range f.entries {
		if cur == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		f.mu.Unlock()
		return
	}
	f.entries = append(f.entries[:idx], f.entries[idx+1:]...)
	n := len(f.entries)
	fn := f.onChange
	f.mu.Unlock()

	metrics.ShoutsActive.Set(float64(n))
	if fn != nil {
		fn()
	}
}

// Shouts returns the displayed shouts in observation order.
func (f *Feed) Shouts() []venue.Shout {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]venue.Shout, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.shout
	}
	return out
}

// ByUser groups the displayed shouts by author.
func (f *Feed) ByUser() map[string][]venue.Shout {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]venue.Shout)
	for _, e := range f.entries {
		out[e.shout.CreatedBy] = append(out[e.shout.CreatedBy], e.shout)
	}
	return out
}

// ForUser returns the displayed shouts of one author.
func (f *Feed) ForUser(uid string) []venue.Shout {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []venue.Shout
	for _, e := range f.entries {
		if e.shout.CreatedBy == uid {
			out = append(out, e.shout)
		}
	}
	return out
}

// Close ends the subscription and cancels every pending expiry.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	stop := f.stop
	for _, e := range f.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	f.entries = nil
	f.mu.Unlock()

	if stop != nil {
		stop()
	}
	metrics.ShoutsActive.Set(0)
	log.Printf("[shout] feed closed")
}
