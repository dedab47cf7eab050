package flow

import "time"

// Breaker defaults.
const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
)

const defaultRecoveryTimeout = 30 * time.Second

// breaker is the three-state circuit guard kept per (workflow, node) pair.
// Callers hold the failure manager's lock; breaker itself is not
// synchronized.
//
// Transitions:
//
//	CLOSED    -> OPEN       when failureCount reaches the threshold
//	OPEN      -> HALF_OPEN  when nextAttemptTime passes
//	HALF_OPEN -> CLOSED     after successThreshold consecutive successes
//	HALF_OPEN -> OPEN       on any failure
type breaker struct {
	state BreakerState
	cfg   CircuitBreakerConfig
}

func newBreaker(cfg *CircuitBreakerConfig) *breaker {
	b := &breaker{state: BreakerState{State: BreakerClosed}}
	if cfg != nil {
		b.cfg = *cfg
	}
	if b.cfg.FailureThreshold <= 0 {
		b.cfg.FailureThreshold = defaultFailureThreshold
	}
	if b.cfg.SuccessThreshold <= 0 {
		b.cfg.SuccessThreshold = defaultSuccessThreshold
	}
	if b.cfg.RecoveryTimeout <= 0 {
		b.cfg.RecoveryTimeout = Millis(defaultRecoveryTimeout)
	}
	return b
}

// allow reports whether an attempt may run at the given instant. An OPEN
// breaker whose recovery timeout has passed moves to HALF_OPEN and allows
// one probe.
func (b *breaker) allow(now time.Time) bool {
	switch b.state.State {
	case BreakerOpen:
		if b.state.NextAttemptTime != nil && !now.Before(*b.state.NextAttemptTime) {
			b.state.State = BreakerHalfOpen
			b.state.SuccessCount = 0
			return true
		}
		return false
	default:
		return true
	}
}

// onSuccess records a successful attempt. Returns true when the breaker
// just closed.
func (b *breaker) onSuccess() bool {
	switch b.state.State {
	case BreakerHalfOpen:
		b.state.SuccessCount++
		if b.state.SuccessCount >= b.cfg.SuccessThreshold {
			b.state = BreakerState{State: BreakerClosed}
			return true
		}
	case BreakerClosed:
		if b.state.FailureCount > 0 {
			b.state.FailureCount--
		}
	}
	return false
}

// onFailure records a failed attempt. Returns true when the breaker just
// opened (CLOSED crossing the threshold, or a HALF_OPEN probe failing).
func (b *breaker) onFailure(now time.Time) bool {
	previous := b.state.LastFailureTime
	failedAt := now
	b.state.LastFailureTime = &failedAt

	switch b.state.State {
	case BreakerHalfOpen:
		b.open(now)
		return true
	case BreakerClosed:
		// The failure count only accumulates within the time window; a
		// quiet period resets it.
		if window := b.cfg.TimeWindow.Duration(); window > 0 &&
			previous != nil && now.Sub(*previous) > window {
			b.state.FailureCount = 0
		}
		b.state.FailureCount++
		if b.state.FailureCount >= b.cfg.FailureThreshold {
			b.open(now)
			return true
		}
	}
	return false
}

func (b *breaker) open(now time.Time) {
	next := now.Add(b.cfg.RecoveryTimeout.Duration())
	b.state.State = BreakerOpen
	b.state.FailureCount = 0
	b.state.SuccessCount = 0
	b.state.NextAttemptTime = &next
}
