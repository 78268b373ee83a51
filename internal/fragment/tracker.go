// Package fragment tracks segments that are in flight to the remote peer.
//
// The [Tracker] is the single source of truth mapping fragment ids to the
// segments they carry, so results arriving out of order are correlated
// without any re-derivation by the caller. It enforces the session's
// concurrency limit on [Tracker.Submit], resolves each fragment exactly once
// via the idempotent [Tracker.Resolve], and expires stale fragments in
// [Tracker.Sweep].
//
// All methods are safe for concurrent use.
package fragment

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/streamdub/internal/session"
	"github.com/MrWong99/streamdub/pkg/audio"
)

var (
	// ErrAtCapacity is returned by Submit when the session's in-flight limit
	// is already reached.
	ErrAtCapacity = errors.New("fragment: at capacity")

	// ErrNoSession is returned by Submit when no session is bound.
	ErrNoSession = errors.New("fragment: no active session")
)

// Defaults.
const (
	DefaultTimeout       = 8 * time.Second
	DefaultSweepInterval = 500 * time.Millisecond
)

// State is the lifecycle state of a [Fragment].
type State int

const (
	StateSent State = iota
	StateAcknowledged
	StateCompleted
	StateTimedOut
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateAcknowledged:
		return "acknowledged"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Fragment correlates one segment with its remote round trip.
type Fragment struct {
	ID        string
	Sequence  int64
	SessionID string
	Epoch     int
	Segment   audio.Segment
	SentAt    time.Time
	State     State
}

// Status classifies how a fragment was resolved.
type Status int

const (
	// StatusSucceeded means the peer returned translated audio.
	StatusSucceeded Status = iota

	// StatusFailed means the peer reported a failure for this fragment.
	StatusFailed

	// StatusTimedOut means no result arrived within the timeout.
	StatusTimedOut

	// StatusDisconnected means the transport dropped while in flight.
	StatusDisconnected

	// StatusAbandoned means the worker shut down while in flight.
	StatusAbandoned
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusDisconnected:
		return "disconnected"
	case StatusAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Outcome is the result applied to a fragment.
type Outcome struct {
	Status Status

	// Audio is the translated audio for StatusSucceeded.
	Audio []byte

	// Code, Message and Retryable describe a StatusFailed outcome.
	Code      string
	Message   string
	Retryable bool
}

// Resolution is handed to the caller when a fragment leaves the tracker.
type Resolution struct {
	Fragment Fragment
	Outcome  Outcome

	// Latency is the time between send and resolution.
	Latency time.Duration
}

// Config holds tuning knobs for a [Tracker].
type Config struct {
	// Timeout is the maximum age of an unresolved fragment. Default: 8s.
	Timeout time.Duration

	// SweepInterval is how often the owner should call Sweep. The tracker
	// itself does not run a timer. Default: 500ms.
	SweepInterval time.Duration

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time

	// NewID overrides fragment id generation. Default: uuid.NewString.
	NewID func() string
}

// Tracker owns the map of in-flight fragments.
type Tracker struct {
	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	newID         func() string

	mu       sync.Mutex
	sess     *session.Session
	inFlight map[string]*Fragment
}

// NewTracker creates a [Tracker]. Zero-value config fields are replaced with
// defaults.
func NewTracker(cfg Config) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Tracker{
		timeout:       cfg.Timeout,
		sweepInterval: cfg.SweepInterval,
		now:           cfg.Now,
		newID:         cfg.NewID,
		inFlight:      make(map[string]*Fragment),
	}
}

// SweepInterval returns the configured sweep period.
func (t *Tracker) SweepInterval() time.Duration { return t.sweepInterval }

// Timeout returns the configured fragment timeout.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Bind attaches a fresh session. Sequencing and capacity come from s from now
// on. Fragments still in flight from a previous session must have been
// resolved by the caller before rebinding; any left over are kept and count
// against the new session's capacity. Passing nil unbinds.
func (t *Tracker) Bind(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s != nil && len(t.inFlight) > 0 {
		slog.Warn("fragment tracker: binding new session with fragments in flight",
			"session_id", s.ID,
			"in_flight", len(t.inFlight),
		)
	}
	t.sess = s
}

// Submit registers seg as a new in-flight fragment with the next sequence
// number of the bound session.
func (t *Tracker) Submit(seg audio.Segment) (Fragment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sess == nil {
		return Fragment{}, ErrNoSession
	}
	if len(t.inFlight) >= t.sess.MaxInFlight {
		return Fragment{}, ErrAtCapacity
	}

	f := &Fragment{
		ID:        t.newID(),
		Sequence:  t.sess.NextSequence(),
		SessionID: t.sess.ID,
		Epoch:     t.sess.Epoch,
		Segment:   seg,
		SentAt:    t.now(),
		State:     StateSent,
	}
	t.inFlight[f.ID] = f
	return *f, nil
}

// Acknowledge moves a fragment from Sent to Acknowledged. Unknown ids are
// logged and ignored; the return value reports whether the id was known.
func (t *Tracker) Acknowledge(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.inFlight[id]
	if !ok {
		slog.Warn("fragment tracker: ack for unknown fragment", "fragment_id", id)
		return false
	}
	if f.State == StateSent {
		f.State = StateAcknowledged
	}
	return true
}

// Resolve applies o to the fragment and removes it from the tracker. Resolve
// is idempotent: resolving an unknown or already-resolved id is a logged no-op
// that returns false.
func (t *Tracker) Resolve(id string, o Outcome) (Resolution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.inFlight[id]
	if !ok {
		slog.Warn("fragment tracker: resolve for unknown or already resolved fragment",
			"fragment_id", id,
			"status", o.Status.String(),
		)
		return Resolution{}, false
	}
	return t.resolveLocked(f, o), true
}

// Sweep force-resolves every fragment older than the timeout with
// StatusTimedOut and returns the resolutions in send order.
func (t *Tracker) Sweep() []Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []*Fragment
	for _, f := range t.inFlight {
		if now.Sub(f.SentAt) > t.timeout {
			expired = append(expired, f)
		}
	}
	return t.resolveManyLocked(expired, Outcome{Status: StatusTimedOut})
}

// ResolveAll resolves every in-flight fragment with o. Used when the
// transport drops (StatusDisconnected) or the worker shuts down
// (StatusAbandoned).
func (t *Tracker) ResolveAll(o Outcome) []Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*Fragment, 0, len(t.inFlight))
	for _, f := range t.inFlight {
		all = append(all, f)
	}
	return t.resolveManyLocked(all, o)
}

// InFlight returns the number of fragments in Sent or Acknowledged state.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

// Capacity returns the bound session's in-flight limit, or zero when no
// session is bound.
func (t *Tracker) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return 0
	}
	return t.sess.MaxInFlight
}

// Get returns a copy of the in-flight fragment with the given id.
func (t *Tracker) Get(id string) (Fragment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.inFlight[id]
	if !ok {
		return Fragment{}, false
	}
	return *f, true
}

// resolveManyLocked resolves fs in sequence order. Must be called with t.mu held.
func (t *Tracker) resolveManyLocked(fs []*Fragment, o Outcome) []Resolution {
	if len(fs) == 0 {
		return nil
	}
	slices.SortFunc(fs, func(a, b *Fragment) int {
		if a.Epoch != b.Epoch {
			return cmp.Compare(a.Epoch, b.Epoch)
		}
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	out := make([]Resolution, 0, len(fs))
	for _, f := range fs {
		out = append(out, t.resolveLocked(f, o))
	}
	return out
}

// resolveLocked finalises f. Must be called with t.mu held.
func (t *Tracker) resolveLocked(f *Fragment, o Outcome) Resolution {
	delete(t.inFlight, f.ID)
	if o.Status == StatusTimedOut {
		f.State = StateTimedOut
	} else {
		f.State = StateCompleted
	}
	return Resolution{
		Fragment: *f,
		Outcome:  o,
		Latency:  t.now().Sub(f.SentAt),
	}
}
