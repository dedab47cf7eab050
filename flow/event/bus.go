package event

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/dagflow/flow/clock"
)

// ErrWaitTimeout is returned by WaitForEvent and WaitForAnyEvent when the
// timeout elapses before a matching event arrives.
var ErrWaitTimeout = errors.New("event wait timed out")

// DefaultHistoryLimit is the bounded history size when none is configured.
const DefaultHistoryLimit = 1000

// Handler receives events for a subscription. Handlers run synchronously on
// the goroutine calling Emit; they must be short and must not re-enter the
// bus while holding locks the emitter's caller also needs.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed with
// Off. Go functions are not comparable, so removal is token-based rather
// than handler-based.
type Subscription struct {
	id        uint64
	eventType string
}

// Bus is a type-indexed publish/subscribe event bus with bounded history
// and waiter support.
//
// Within a single subscriber, callbacks observe events in emission order.
// Emission is atomic per event across subscribers: the subscriber snapshot
// and the history append happen under one critical section, and handlers
// are invoked after the lock is released so downstream readers of the bus
// never deadlock against Emit.
//
// The bus is shared across workflows; subscribers must not assume
// exclusivity.
type Bus struct {
	mu           sync.Mutex
	clock        clock.Clock
	nextID       uint64
	subs         map[string][]subscriber
	waiters      []*waiter
	history      []Event
	historyLimit int

	// onPanic is invoked when a handler panics. Defaults to log.Printf.
	onPanic func(eventType string, recovered any)
}

type subscriber struct {
	id uint64
	fn Handler
}

type waiter struct {
	types []string
	pred  Predicate
	ch    chan Event
	done  bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithClock sets the time source used for timestamps and wait timeouts.
func WithClock(c clock.Clock) BusOption {
	return func(b *Bus) { b.clock = c }
}

// WithHistoryLimit bounds the event history. Oldest events are evicted
// first. Values below one fall back to DefaultHistoryLimit.
func WithHistoryLimit(n int) BusOption {
	return func(b *Bus) {
		if n >= 1 {
			b.historyLimit = n
		}
	}
}

// WithPanicHandler overrides how subscriber panics are reported.
func WithPanicHandler(fn func(eventType string, recovered any)) BusOption {
	return func(b *Bus) {
		if fn != nil {
			b.onPanic = fn
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		clock:        clock.NewSystem(),
		subs:         make(map[string][]subscriber),
		historyLimit: DefaultHistoryLimit,
		onPanic: func(eventType string, recovered any) {
			log.Printf("event: handler for %q panicked: %v", eventType, recovered)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers a handler for an event type and returns its subscription
// token.
func (b *Bus) On(eventType string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := Subscription{id: b.nextID, eventType: eventType}
	b.subs[eventType] = append(b.subs[eventType], subscriber{id: sub.id, fn: fn})
	return sub
}

// Off removes a previously registered subscription. Removing an unknown or
// already-removed subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.eventType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Emit publishes an event: it is appended to the bounded history, fanned
// out synchronously to every subscriber of its type, and delivered to any
// matching waiters. A panic in one handler is reported and does not affect
// the others.
//
// Missing ID and Timestamp fields are filled in. The stamped event is
// returned.
func (b *Bus) Emit(evt Event) Event {
	b.mu.Lock()

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock.Now()
	}

	b.history = append(b.history, evt)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}

	// Snapshot subscribers so handlers run outside the lock.
	var handlers []Handler
	for _, s := range b.subs[evt.Type] {
		handlers = append(handlers, s.fn)
	}

	// Collect satisfied waiters; first match wins and removes the waiter.
	var woken []*waiter
	remaining := b.waiters[:0]
	for _, w := range b.waiters {
		if !w.done && w.wants(evt) {
			w.done = true
			woken = append(woken, w)
			continue
		}
		if !w.done {
			remaining = append(remaining, w)
		}
	}
	b.waiters = remaining

	b.mu.Unlock()

	for _, fn := range handlers {
		b.dispatch(evt, fn)
	}
	for _, w := range woken {
		w.ch <- evt
	}
	return evt
}

func (b *Bus) dispatch(evt Event, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.onPanic(evt.Type, r)
		}
	}()
	fn(evt)
}

func (w *waiter) wants(evt Event) bool {
	for _, t := range w.types {
		if t == evt.Type {
			return evt.matches(w.pred)
		}
	}
	return false
}

// WaitForEvent blocks until the next event of the given type that satisfies
// the predicate arrives, the timeout elapses, or the context is cancelled.
//
// Only events emitted after the call registers are considered; use
// HasEventOccurred to consult history first. A timeout of zero waits
// indefinitely (bounded only by ctx).
func (b *Bus) WaitForEvent(ctx context.Context, eventType string, timeout time.Duration, pred Predicate) (Event, error) {
	return b.WaitForAnyEvent(ctx, []string{eventType}, timeout, pred)
}

// WaitForAnyEvent is WaitForEvent over a set of types; the first matching
// event wins and all other registrations for this waiter are removed.
func (b *Bus) WaitForAnyEvent(ctx context.Context, types []string, timeout time.Duration, pred Predicate) (Event, error) {
	if len(types) == 0 {
		return Event{}, fmt.Errorf("event: no types to wait for")
	}

	w := &waiter{
		types: append([]string(nil), types...),
		pred:  pred,
		ch:    make(chan Event, 1),
	}

	b.mu.Lock()
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = b.clock.After(timeout)
	}

	select {
	case evt := <-w.ch:
		return evt, nil
	case <-timeoutCh:
		b.removeWaiter(w)
		return Event{}, fmt.Errorf("waiting for %v after %v: %w", types, timeout, ErrWaitTimeout)
	case <-ctx.Done():
		b.removeWaiter(w)
		return Event{}, ctx.Err()
	}
}

func (b *Bus) removeWaiter(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.waiters {
		if other == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// HasEventOccurred returns the most recent historical event of the given
// type matching the predicate and emitted at or after since. A zero since
// considers the whole history.
func (b *Bus) HasEventOccurred(eventType string, pred Predicate, since time.Time) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.history) - 1; i >= 0; i-- {
		evt := b.history[i]
		if evt.Type != eventType {
			continue
		}
		if !since.IsZero() && evt.Timestamp.Before(since) {
			// History is ordered by emission time; everything earlier
			// is out of range too.
			return Event{}, false
		}
		if evt.matches(pred) {
			return evt, true
		}
	}
	return Event{}, false
}

// GetEventHistory returns the recorded events, optionally filtered by type
// and by an inclusive [since, until] window. Zero bounds are ignored; an
// empty eventType matches all types.
func (b *Bus) GetEventHistory(eventType string, since, until time.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.history))
	for _, evt := range b.history {
		if eventType != "" && evt.Type != eventType {
			continue
		}
		if !since.IsZero() && evt.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && evt.Timestamp.After(until) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// ClearHistory discards all recorded events. Live subscriptions and waiters
// are unaffected.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}
