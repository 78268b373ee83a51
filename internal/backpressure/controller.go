// Package backpressure holds the flow-control advice most recently received
// from the remote peer and turns it into a send gate.
//
// The peer is authoritative: a [ActionPause] stays in force until the peer
// sends a signal whose action is [ActionNone]. There is no local timeout.
package backpressure

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/streamdub/pkg/protocol"
)

// Severity is the peer's assessment of its own load.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

// String returns the human-readable name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Action is what the peer asks the worker to do.
type Action int

const (
	// ActionNone lifts all gating.
	ActionNone Action = iota

	// ActionSlowDown spaces sends by the recommended delay.
	ActionSlowDown

	// ActionPause stops all sends until a later ActionNone.
	ActionPause
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSlowDown:
		return "slow_down"
	case ActionPause:
		return "pause"
	default:
		return "unknown"
	}
}

// Signal is one piece of flow-control advice.
type Signal struct {
	Severity         Severity
	Action           Action
	RecommendedDelay time.Duration
}

// FromMessage converts a backpressure wire message. Unknown action strings
// are treated as [ActionNone] and logged.
func FromMessage(m protocol.Message) Signal {
	s := Signal{RecommendedDelay: m.RecommendedDelay()}
	if s.RecommendedDelay < 0 {
		s.RecommendedDelay = 0
	}
	switch m.Severity {
	case protocol.SeverityLow:
		s.Severity = SeverityLow
	case protocol.SeverityMedium:
		s.Severity = SeverityMedium
	case protocol.SeverityHigh:
		s.Severity = SeverityHigh
	}
	switch m.Action {
	case protocol.ActionSlowDown:
		s.Action = ActionSlowDown
	case protocol.ActionPause:
		s.Action = ActionPause
	case protocol.ActionNone, "":
	default:
		slog.Warn("backpressure: unknown action, treating as none", "action", m.Action)
	}
	return s
}

// Decision is the result of one admission check.
type Decision struct {
	// Allowed is false while paused.
	Allowed bool

	// Wait is how long the caller must delay before sending. Only meaningful
	// when Allowed is true.
	Wait time.Duration
}

// Controller holds the current effective signal. It is safe for concurrent
// use.
type Controller struct {
	mu       sync.Mutex
	current  Signal
	paused   bool
	lastSend time.Time
}

// New creates a Controller with no gating in effect.
func New() *Controller {
	return &Controller{}
}

// Update applies s. The most recent signal wins, except that a pause is only
// lifted by [ActionNone]; a SlowDown received while paused is dropped.
func (c *Controller) Update(s Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s.Action {
	case ActionPause:
		c.paused = true
		c.current = s
	case ActionNone:
		c.paused = false
		c.current = s
	case ActionSlowDown:
		if c.paused {
			slog.Debug("backpressure: slow_down ignored while paused",
				"delay", s.RecommendedDelay)
			return
		}
		c.current = s
	}
}

// Admit reports whether a send may happen at now and how long to wait first.
func (c *Controller) Admit(now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return Decision{}
	}
	if c.current.Action == ActionSlowDown && !c.lastSend.IsZero() {
		next := c.lastSend.Add(c.current.RecommendedDelay)
		if wait := next.Sub(now); wait > 0 {
			return Decision{Allowed: true, Wait: wait}
		}
	}
	return Decision{Allowed: true}
}

// MarkSent records that a send happened at now.
func (c *Controller) MarkSent(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSend = now
}

// Current returns the effective signal. While paused this is the pause
// signal.
func (c *Controller) Current() Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Paused reports whether a pause is in force.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Reset clears every signal and the send history. Signals are scoped to a
// peer session, so the owner resets on reconnection.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = Signal{}
	c.paused = false
	c.lastSend = time.Time{}
}
