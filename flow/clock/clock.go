// Package clock provides an injectable time source for the workflow engine.
//
// Every timestamp, retry delay, breaker recovery window, and event-wait
// timeout in the engine flows through a Clock so that tests can drive time
// deterministically with Manual while production uses System.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts the time operations the engine depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that delivers the current time once the
	// given duration has elapsed.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks until the given duration has elapsed.
	Sleep(d time.Duration)
}

// System is a Clock backed by the wall clock. The zero value is ready to use.
type System struct{}

// NewSystem returns a wall-clock Clock.
func NewSystem() *System { return &System{} }

// Now implements Clock.
func (*System) Now() time.Time { return time.Now() }

// After implements Clock.
func (*System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep implements Clock.
func (*System) Sleep(d time.Duration) { time.Sleep(d) }

// Manual is a Clock whose time only moves when Advance or Set is called.
//
// Designed for tests that need deterministic retry delays, breaker recovery
// windows, or wait timeouts. Timers created via After fire synchronously
// inside Advance once their deadline is reached.
//
// Example:
//
//	clk := clock.NewManual(time.Unix(0, 0))
//	ch := clk.After(50 * time.Millisecond)
//	clk.Advance(50 * time.Millisecond)
//	<-ch // fires immediately
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual creates a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After implements Clock. A non-positive duration fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.now
		return ch
	}

	m.timers = append(m.timers, &manualTimer{
		deadline: m.now.Add(d),
		ch:       ch,
	})
	return ch
}

// Sleep implements Clock. It returns once Advance has moved the clock past
// the requested duration.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward and fires every timer whose deadline has
// been reached, in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(m.now.Add(d))
}

// Set jumps the clock to the given instant. Moving backwards is not
// supported; earlier instants are ignored.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.setLocked(t)
	}
}

func (m *Manual) setLocked(t time.Time) {
	m.now = t

	remaining := m.timers[:0]
	for _, tm := range m.timers {
		if !tm.deadline.After(m.now) {
			tm.ch <- m.now
		} else {
			remaining = append(remaining, tm)
		}
	}
	m.timers = remaining
}
