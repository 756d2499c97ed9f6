package guard

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through.
	BreakerOpen                         // Calls rejected immediately.
	BreakerHalfOpen                     // A bounded number of trial calls allowed.
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// MarshalText renders the state name in JSON and YAML.
func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition is a breaker state change.
type Transition struct {
	From     BreakerState `json:"from"`
	To       BreakerState `json:"to"`
	Failures int          `json:"failures"`
	At       time.Time    `json:"at"`
}

// BreakerSnapshot is a point-in-time copy of the breaker counters.
type BreakerSnapshot struct {
	State            BreakerState `json:"state"`
	Failures         int          `json:"failure_count"`
	Successes        int          `json:"success_count"`
	HalfOpenAttempts int          `json:"half_open_attempts"`
	LastFailure      *time.Time   `json:"last_failure,omitempty"`
	LastSuccess      *time.Time   `json:"last_success,omitempty"`
	OpenedAt         *time.Time   `json:"opened_at,omitempty"`
}

// CircuitBreaker trips open after consecutive failures and tests recovery
// after a reset timeout. Thread-safe: all state transitions use a mutex.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int // successes while half-open
	attempts     int // trial calls admitted while half-open
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	lastFailure  time.Time
	lastSuccess  time.Time
	openedAt     time.Time
	now          func() time.Time
	observer     func(Transition)
	pending      []Transition
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the failure count that trips the breaker open.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open before
// transitioning to half-open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

// WithBreakerHalfOpenMax sets both the number of trial calls admitted while
// half-open and the successes needed to close again.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.halfOpenMax = n }
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerObserver registers fn to be called after every state change.
// fn runs synchronously, outside the breaker lock.
func WithBreakerObserver(fn func(Transition)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.observer = fn }
}

// NewCircuitBreaker creates a breaker with defaults:
// 5 failures to open, 60s reset timeout, 2 half-open trials.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:        BreakerClosed,
		threshold:    5,
		resetTimeout: 60 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	cb.maybeTransition()
	s := cb.state
	cb.unlockAndNotify()
	return s
}

// Allow reports whether a call would be admitted now, without consuming a
// half-open trial.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	cb.maybeTransition()
	ok := cb.allowLocked()
	cb.unlockAndNotify()
	return ok
}

// Begin admits a call, consuming a half-open trial while half-open.
func (cb *CircuitBreaker) Begin() bool {
	cb.mu.Lock()
	cb.maybeTransition()
	ok := cb.allowLocked()
	if ok && cb.state == BreakerHalfOpen {
		cb.attempts++
	}
	cb.unlockAndNotify()
	return ok
}

func (cb *CircuitBreaker) allowLocked() bool {
	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return cb.attempts < cb.halfOpenMax
	}
	return false
}

// RetryAfter returns how long until an open breaker starts probing.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerOpen {
		return 0
	}
	if d := cb.resetTimeout - cb.now().Sub(cb.openedAt); d > 0 {
		return d
	}
	return 0
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.maybeTransition()
	cb.lastSuccess = cb.now()
	switch cb.state {
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.failures = 0
			cb.setState(BreakerClosed)
		}
	case BreakerClosed:
		cb.failures = 0
	}
	cb.unlockAndNotify()
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.maybeTransition()
	cb.lastFailure = cb.now()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens and restarts the timer.
		cb.failures++
		cb.setState(BreakerOpen)
	}
	cb.unlockAndNotify()
}

// Abort returns a half-open trial taken by Begin for a call that ended
// without an outcome.
func (cb *CircuitBreaker) Abort() {
	cb.mu.Lock()
	if cb.state == BreakerHalfOpen && cb.attempts > 0 {
		cb.attempts--
	}
	cb.mu.Unlock()
}

// Reset forces the breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.setState(BreakerClosed)
	cb.unlockAndNotify()
}

// Snapshot returns the current counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	cb.maybeTransition()
	s := BreakerSnapshot{
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		HalfOpenAttempts: cb.attempts,
		LastFailure:      timePtr(cb.lastFailure),
		LastSuccess:      timePtr(cb.lastSuccess),
	}
	if cb.state == BreakerOpen {
		s.OpenedAt = timePtr(cb.openedAt)
	}
	cb.unlockAndNotify()
	return s
}

// maybeTransition checks if an open breaker should move to half-open.
// Must be called with mu held.
func (cb *CircuitBreaker) maybeTransition() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.setState(BreakerHalfOpen)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to BreakerState) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.attempts = 0
	if to == BreakerOpen {
		cb.openedAt = cb.now()
	}
	if from != to && cb.observer != nil {
		cb.pending = append(cb.pending, Transition{From: from, To: to, Failures: cb.failures, At: cb.now()})
	}
}

func (cb *CircuitBreaker) unlockAndNotify() {
	pending := cb.pending
	cb.pending = nil
	cb.mu.Unlock()
	for _, t := range pending {
		cb.observer(t)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
