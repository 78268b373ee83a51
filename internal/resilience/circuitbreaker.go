// Package resilience provides the circuit breaker that gates traffic to the
// remote translation peer.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open) fed with classified [Outcome] values. Only
// retryable failures count as evidence that the peer is unhealthy;
// non-retryable failures (bad input, auth, sequencing) leave the failure
// counter untouched. In the half-open state exactly one probe is admitted.
//
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state: all sends are allowed.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// retryable failures. Sends are rejected until the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. A single
	// probe is allowed through; its outcome closes or re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Outcome classifies the result of one unit of work for the breaker.
type Outcome int

const (
	// Success resets the failure counter and closes a half-open breaker.
	Success Outcome = iota

	// RetryableFailure is evidence of peer unavailability (timeouts,
	// overload, model errors).
	RetryableFailure

	// NonRetryableFailure is a request-specific error that says nothing about
	// peer health.
	NonRetryableFailure
)

// String returns the human-readable name of the outcome.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case NonRetryableFailure:
		return "non_retryable_failure"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive retryable failures in the
	// closed state before the breaker opens. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	Cooldown time.Duration

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time

	// OnTransition, if set, is called after every state change with the
	// breaker's lock released.
	OnTransition func(from, to State)
}

// Snapshot is a point-in-time copy of the breaker's state.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	ProbeInFlight       bool
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probeInFlight   bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		cooldown:     cfg.Cooldown,
		now:          cfg.Now,
		onTransition: cfg.OnTransition,
		state:        StateClosed,
	}
}

// Allow reports whether one unit of work may be sent now. In the open state
// it transitions to half-open once the cooldown has elapsed and grants the
// single probe slot. A caller that receives true from a half-open breaker
// holds the probe and must either [CircuitBreaker.Record] its outcome or
// [CircuitBreaker.ReleaseProbe] it.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var from, to State
	changed := false
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			from, to, changed = cb.state, StateHalfOpen, true
			cb.state = StateHalfOpen
			cb.probeInFlight = true
			allowed = true
			slog.Info("circuit breaker transitioning to half-open",
				"name", cb.name)
		}

	case StateHalfOpen:
		if !cb.probeInFlight {
			cb.probeInFlight = true
			allowed = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	return allowed
}

// ReleaseProbe returns an unused half-open probe slot, e.g. when the probe
// was rejected locally before reaching the peer. It is a no-op in other states.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}
}

// Record feeds the outcome of one unit of work into the breaker.
func (cb *CircuitBreaker) Record(o Outcome) {
	cb.mu.Lock()
	from := cb.state
	switch o {
	case Success:
		cb.recordSuccess()
	case RetryableFailure:
		cb.recordFailure()
	case NonRetryableFailure:
		// A failed probe re-opens regardless of classification; otherwise
		// non-retryable failures are not evidence of unavailability.
		if cb.state == StateHalfOpen && cb.probeInFlight {
			cb.reopen()
		}
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// recordFailure handles retryable failure accounting. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) recordFailure() {
	switch cb.state {
	case StateHalfOpen:
		cb.reopen()
	case StateClosed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.maxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.consecutiveFail)
		}
	case StateOpen:
		// Late failures from work sent before the breaker opened.
		cb.consecutiveFail++
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess() {
	cb.consecutiveFail = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.probeInFlight = false
		slog.Info("circuit breaker closed after successful probe",
			"name", cb.name)
	}
}

// reopen moves a half-open breaker back to open and restarts the cooldown.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) reopen() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.probeInFlight = false
	slog.Warn("circuit breaker re-opened from half-open",
		"name", cb.name)
}

// State returns the current [State] of the breaker. An elapsed cooldown is
// only acted on by [CircuitBreaker.Allow]; State reports [StateOpen] until
// then.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of the breaker's internal counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFail,
		OpenedAt:            cb.openedAt,
		ProbeInFlight:       cb.probeInFlight,
	}
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probeInFlight = false
	cb.openedAt = time.Time{}
	cb.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", cb.name)
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onTransition != nil {
		cb.onTransition(from, to)
	}
}
