// Package circuit implements the failure-counting circuit breaker used to
// take unhealthy workers and downstream stores out of rotation.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = 0 // Normal operation, requests pass through
	StateOpen     State = 1 // Circuit tripped, requests rejected until retryAt
	StateHalfOpen State = 2 // Cooldown elapsed, next outcome decides
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Snapshot is a point-in-time copy of the breaker counters.
type Snapshot struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	RetryAt  time.Time `json:"retry_at"`
}

// Breaker counts failures. A success decrements the count (floored at zero).
// When the count reaches threshold the breaker opens and rejects until
// now+timeout; then it turns half-open: the next success clears the count,
// any failure reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	timeout   time.Duration
	retryAt   time.Time
	now       func() time.Time

	// OnStateChange is called on every transition (optional).
	// It runs with the breaker lock held and must not call back into it.
	OnStateChange func(from, to State)
}

// New creates a breaker.
// threshold: failures before opening (e.g., 5)
// timeout: how long an open breaker rejects before turning half-open
func New(threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		timeout:   timeout,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow reports whether a request may pass. An open breaker whose cooldown
// has elapsed transitions to half-open and allows.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Before(b.retryAt) {
			return false
		}
		b.transition(StateHalfOpen)
	}
	return true
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.failures = 0
		b.transition(StateClosed)
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	}
}

// RecordFailure registers a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		if b.failures >= b.threshold {
			b.open()
		}
	case StateOpen:
		// Late failures from calls admitted before the trip extend nothing.
	}
}

// Execute runs fn through the breaker.
// Returns ErrCircuitOpen without calling fn if the breaker rejects.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// CurrentState returns the current state without side effects.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: b.state, Failures: b.failures, RetryAt: b.retryAt}
}

func (b *Breaker) open() {
	b.retryAt = b.now().Add(b.timeout)
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
