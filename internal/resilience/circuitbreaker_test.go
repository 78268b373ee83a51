package resilience

import (
	"sync"
	"testing"
	"time"
)

// manualClock is a manually advanced clock for cooldown tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type transition struct{ from, to State }

func newTestBreaker(t *testing.T, maxFailures int) (*CircuitBreaker, *manualClock, *[]transition) {
	t.Helper()
	clk := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var (
		mu          sync.Mutex
		transitions []transition
	)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: maxFailures,
		Cooldown:    30 * time.Second,
		Now:         clk.Now,
		OnTransition: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, transition{from, to})
			mu.Unlock()
		},
	})
	return cb, clk, &transitions
}

// trip records n retryable failures.
func trip(cb *CircuitBreaker, n int) {
	for range n {
		cb.Record(RetryableFailure)
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", cb.cooldown)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedAllows(t *testing.T) {
	cb, _, _ := newTestBreaker(t, 5)
	for i := range 10 {
		if !cb.Allow() {
			t.Fatalf("Allow() #%d = false in closed state", i)
		}
	}
}

func TestCircuitBreaker_FiveRetryableFailuresOpen(t *testing.T) {
	cb, clk, transitions := newTestBreaker(t, 5)

	trip(cb, 4)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after 4 failures, want closed", cb.State())
	}
	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after 5 failures, want open", cb.State())
	}

	snap := cb.Snapshot()
	if snap.ConsecutiveFailures != 5 {
		t.Errorf("consecutive failures = %d, want 5", snap.ConsecutiveFailures)
	}
	if !snap.OpenedAt.Equal(clk.Now()) {
		t.Errorf("openedAt = %v, want %v", snap.OpenedAt, clk.Now())
	}
	if cb.Allow() {
		t.Error("Allow() = true while open")
	}
	if len(*transitions) != 1 || (*transitions)[0] != (transition{StateClosed, StateOpen}) {
		t.Errorf("transitions = %v, want [closed→open]", *transitions)
	}
}

func TestCircuitBreaker_NonRetryableDoesNotCount(t *testing.T) {
	cb, _, _ := newTestBreaker(t, 5)

	trip(cb, 2)
	cb.Record(NonRetryableFailure)
	trip(cb, 2)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed: non-retryable failure must not count", cb.State())
	}
	if got := cb.Snapshot().ConsecutiveFailures; got != 4 {
		t.Errorf("consecutive failures = %d, want 4", got)
	}

	// The counter is untouched, not reset: one more retryable failure opens.
	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(t, 3)

	trip(cb, 2)
	cb.Record(Success)
	if got := cb.Snapshot().ConsecutiveFailures; got != 0 {
		t.Fatalf("consecutive failures = %d, want 0 after success", got)
	}
	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestCircuitBreaker_OpenToHalfOpenAfterCooldown(t *testing.T) {
	cb, clk, transitions := newTestBreaker(t, 2)
	trip(cb, 2)

	clk.Advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("Allow() = true before cooldown elapsed")
	}

	clk.Advance(time.Second)
	if !cb.Allow() {
		t.Fatal("Allow() = false after cooldown; expected the probe")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	// Exactly one probe.
	if cb.Allow() {
		t.Fatal("second Allow() in half-open must be rejected")
	}

	want := []transition{{StateClosed, StateOpen}, {StateOpen, StateHalfOpen}}
	if len(*transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", *transitions, want)
	}
	for i := range want {
		if (*transitions)[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, (*transitions)[i], want[i])
		}
	}
}

func TestCircuitBreaker_ConcurrentAllowGrantsOneProbe(t *testing.T) {
	cb, clk, _ := newTestBreaker(t, 1)
	trip(cb, 1)
	clk.Advance(30 * time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("probes granted = %d, want 1", granted)
	}
}

func TestCircuitBreaker_HalfOpenProbeSucceeds(t *testing.T) {
	cb, clk, _ := newTestBreaker(t, 2)
	trip(cb, 2)
	clk.Advance(30 * time.Second)
	cb.Allow()

	cb.Record(Success)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State())
	}
	if got := cb.Snapshot().ConsecutiveFailures; got != 0 {
		t.Errorf("consecutive failures = %d, want 0", got)
	}
	if !cb.Allow() {
		t.Error("closed breaker must allow")
	}
}

func TestCircuitBreaker_HalfOpenProbeFails(t *testing.T) {
	for _, o := range []Outcome{RetryableFailure, NonRetryableFailure} {
		t.Run(o.String(), func(t *testing.T) {
			cb, clk, _ := newTestBreaker(t, 2)
			trip(cb, 2)
			clk.Advance(30 * time.Second)
			cb.Allow()

			clk.Advance(5 * time.Second)
			cb.Record(o)
			if cb.State() != StateOpen {
				t.Fatalf("state = %v, want open after failed probe", cb.State())
			}
			if !cb.Snapshot().OpenedAt.Equal(clk.Now()) {
				t.Error("openedAt must be reset when the probe fails")
			}

			// Cooldown restarts from the probe failure.
			clk.Advance(29 * time.Second)
			if cb.Allow() {
				t.Error("Allow() = true before restarted cooldown elapsed")
			}
			clk.Advance(time.Second)
			if !cb.Allow() {
				t.Error("Allow() = false after restarted cooldown")
			}
		})
	}
}

func TestCircuitBreaker_ReleaseProbe(t *testing.T) {
	cb, clk, _ := newTestBreaker(t, 1)
	trip(cb, 1)
	clk.Advance(30 * time.Second)

	if !cb.Allow() {
		t.Fatal("expected probe")
	}
	cb.ReleaseProbe()
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after release", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("released probe slot must be grantable again")
	}
}

func TestCircuitBreaker_NonRetryableWhileOpenIsIgnored(t *testing.T) {
	cb, _, transitions := newTestBreaker(t, 1)
	trip(cb, 1)
	n := len(*transitions)
	cb.Record(NonRetryableFailure)
	if cb.State() != StateOpen || len(*transitions) != n {
		t.Error("non-retryable failure must not transition an open breaker")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _, transitions := newTestBreaker(t, 2)
	trip(cb, 2)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if got := cb.Snapshot().ConsecutiveFailures; got != 0 {
		t.Errorf("consecutive failures = %d, want 0", got)
	}
	last := (*transitions)[len(*transitions)-1]
	if last != (transition{StateOpen, StateClosed}) {
		t.Errorf("last transition = %v, want open→closed", last)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
