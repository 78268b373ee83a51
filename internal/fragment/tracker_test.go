package fragment

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/streamdub/internal/session"
	"github.com/MrWong99/streamdub/pkg/audio"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T, maxInFlight int) (*Tracker, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	n := 0
	tr := NewTracker(Config{
		Now: clk.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("frag-%d", n)
		},
	})
	tr.Bind(session.New("sess-1", maxInFlight, nil, 1))
	return tr, clk
}

func seg(start time.Duration) audio.Segment {
	return audio.Segment{Data: []byte{1}, StartTime: start, Duration: time.Second}
}

func TestNewTracker_Defaults(t *testing.T) {
	tr := NewTracker(Config{})
	if tr.Timeout() != 8*time.Second {
		t.Errorf("Timeout = %v, want 8s", tr.Timeout())
	}
	if tr.SweepInterval() != 500*time.Millisecond {
		t.Errorf("SweepInterval = %v, want 500ms", tr.SweepInterval())
	}
	if tr.Capacity() != 0 {
		t.Errorf("Capacity without session = %d, want 0", tr.Capacity())
	}
}

func TestTracker_SubmitWithoutSession(t *testing.T) {
	tr := NewTracker(Config{})
	if _, err := tr.Submit(seg(0)); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestTracker_SubmitAssignsSequence(t *testing.T) {
	tr, _ := newTestTracker(t, 4)

	for want := int64(0); want < 3; want++ {
		f, err := tr.Submit(seg(time.Duration(want) * time.Second))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if f.Sequence != want {
			t.Errorf("sequence = %d, want %d", f.Sequence, want)
		}
		if f.State != StateSent {
			t.Errorf("state = %v, want sent", f.State)
		}
		if f.SessionID != "sess-1" || f.Epoch != 1 {
			t.Errorf("session = %q/%d, want sess-1/1", f.SessionID, f.Epoch)
		}
	}
}

func TestTracker_CapacityLimit(t *testing.T) {
	tr, _ := newTestTracker(t, 2)

	a, _ := tr.Submit(seg(0))
	if _, err := tr.Submit(seg(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Submit(seg(2)); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("err = %v, want ErrAtCapacity", err)
	}
	if tr.InFlight() != 2 {
		t.Fatalf("InFlight = %d, want 2", tr.InFlight())
	}

	// Rejection must not consume a sequence number.
	tr.Resolve(a.ID, Outcome{Status: StatusSucceeded})
	f, err := tr.Submit(seg(3))
	if err != nil {
		t.Fatal(err)
	}
	if f.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", f.Sequence)
	}
}

func TestTracker_InFlightNeverExceedsMax(t *testing.T) {
	const max = 3
	tr, _ := newTestTracker(t, max)

	var ids []string
	for i := range 50 {
		if i%4 == 3 && len(ids) > 0 {
			tr.Resolve(ids[0], Outcome{Status: StatusSucceeded})
			ids = ids[1:]
		}
		f, err := tr.Submit(seg(time.Duration(i)))
		if err == nil {
			ids = append(ids, f.ID)
		}
		if n := tr.InFlight(); n > max {
			t.Fatalf("step %d: InFlight = %d exceeds %d", i, n, max)
		}
	}
}

func TestTracker_ResolveIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t, 2)
	f, _ := tr.Submit(seg(0))

	res, ok := tr.Resolve(f.ID, Outcome{Status: StatusSucceeded, Audio: []byte("dub")})
	if !ok {
		t.Fatal("first resolve should succeed")
	}
	if res.Fragment.State != StateCompleted {
		t.Errorf("state = %v, want completed", res.Fragment.State)
	}
	if string(res.Outcome.Audio) != "dub" {
		t.Errorf("audio = %q, want dub", res.Outcome.Audio)
	}

	inFlight := tr.InFlight()
	if _, ok := tr.Resolve(f.ID, Outcome{Status: StatusFailed}); ok {
		t.Fatal("second resolve must be a no-op")
	}
	if tr.InFlight() != inFlight {
		t.Errorf("InFlight changed on duplicate resolve")
	}
	if _, ok := tr.Resolve("does-not-exist", Outcome{}); ok {
		t.Fatal("unknown id must be a no-op")
	}
}

func TestTracker_OutOfOrderResultsCorrelate(t *testing.T) {
	tr, _ := newTestTracker(t, 3)
	a, _ := tr.Submit(seg(0))
	b, _ := tr.Submit(seg(10 * time.Second))
	c, _ := tr.Submit(seg(20 * time.Second))

	for _, tc := range []struct {
		f     Fragment
		start time.Duration
	}{{c, 20 * time.Second}, {a, 0}, {b, 10 * time.Second}} {
		res, ok := tr.Resolve(tc.f.ID, Outcome{Status: StatusSucceeded})
		if !ok {
			t.Fatalf("resolve %s failed", tc.f.ID)
		}
		if res.Fragment.Segment.StartTime != tc.start {
			t.Errorf("fragment %s segment start = %v, want %v", tc.f.ID, res.Fragment.Segment.StartTime, tc.start)
		}
	}
}

func TestTracker_Acknowledge(t *testing.T) {
	tr, _ := newTestTracker(t, 1)
	f, _ := tr.Submit(seg(0))

	if !tr.Acknowledge(f.ID) {
		t.Fatal("ack of known fragment returned false")
	}
	got, _ := tr.Get(f.ID)
	if got.State != StateAcknowledged {
		t.Errorf("state = %v, want acknowledged", got.State)
	}
	if tr.Acknowledge("nope") {
		t.Error("ack of unknown fragment returned true")
	}
	// Acknowledged fragments still count toward capacity.
	if _, err := tr.Submit(seg(1)); !errors.Is(err, ErrAtCapacity) {
		t.Errorf("err = %v, want ErrAtCapacity", err)
	}
}

func TestTracker_SweepExpiresAfterTimeout(t *testing.T) {
	tr, clk := newTestTracker(t, 4)
	old, _ := tr.Submit(seg(0))
	clk.Advance(5 * time.Second)
	young, _ := tr.Submit(seg(1))
	tr.Acknowledge(old.ID)

	clk.Advance(3 * time.Second) // old is exactly 8s: not yet expired.
	if res := tr.Sweep(); len(res) != 0 {
		t.Fatalf("swept %d fragments at exactly the timeout, want 0", len(res))
	}

	clk.Advance(time.Millisecond)
	res := tr.Sweep()
	if len(res) != 1 {
		t.Fatalf("swept %d fragments, want 1", len(res))
	}
	if res[0].Fragment.ID != old.ID {
		t.Errorf("swept %s, want %s", res[0].Fragment.ID, old.ID)
	}
	if res[0].Outcome.Status != StatusTimedOut || res[0].Fragment.State != StateTimedOut {
		t.Errorf("got %v/%v, want timed_out", res[0].Outcome.Status, res[0].Fragment.State)
	}
	if res[0].Latency != 8*time.Second+time.Millisecond {
		t.Errorf("latency = %v", res[0].Latency)
	}

	// A late result for the expired fragment is a no-op.
	if _, ok := tr.Resolve(old.ID, Outcome{Status: StatusSucceeded}); ok {
		t.Error("late result after timeout must be a no-op")
	}
	if _, ok := tr.Get(young.ID); !ok {
		t.Error("young fragment must still be in flight")
	}
}

func TestTracker_ResolveAllInSequenceOrder(t *testing.T) {
	tr, _ := newTestTracker(t, 5)
	for i := range 5 {
		_, _ = tr.Submit(seg(time.Duration(i)))
	}

	res := tr.ResolveAll(Outcome{Status: StatusDisconnected})
	if len(res) != 5 {
		t.Fatalf("resolved %d, want 5", len(res))
	}
	for i, r := range res {
		if r.Fragment.Sequence != int64(i) {
			t.Errorf("resolution %d has sequence %d", i, r.Fragment.Sequence)
		}
		if r.Outcome.Status != StatusDisconnected {
			t.Errorf("status = %v, want disconnected", r.Outcome.Status)
		}
	}
	if tr.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", tr.InFlight())
	}
	if res := tr.ResolveAll(Outcome{Status: StatusAbandoned}); res != nil {
		t.Errorf("second ResolveAll returned %d resolutions", len(res))
	}
}

func TestTracker_BindResetsSequence(t *testing.T) {
	tr, _ := newTestTracker(t, 5)
	_, _ = tr.Submit(seg(0))
	_, _ = tr.Submit(seg(1))
	tr.ResolveAll(Outcome{Status: StatusDisconnected})

	tr.Bind(session.New("sess-2", 2, nil, 2))
	f, err := tr.Submit(seg(2))
	if err != nil {
		t.Fatal(err)
	}
	if f.Sequence != 0 || f.SessionID != "sess-2" || f.Epoch != 2 {
		t.Errorf("got seq=%d session=%s epoch=%d, want 0/sess-2/2", f.Sequence, f.SessionID, f.Epoch)
	}
	if tr.Capacity() != 2 {
		t.Errorf("Capacity = %d, want 2", tr.Capacity())
	}
}

func TestTracker_ConcurrentResolveAndSweep(t *testing.T) {
	tr, clk := newTestTracker(t, 100)
	var ids []string
	for i := range 100 {
		f, _ := tr.Submit(seg(time.Duration(i)))
		ids = append(ids, f.ID)
	}
	clk.Advance(9 * time.Second)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			if _, ok := tr.Resolve(id, Outcome{Status: StatusSucceeded}); ok {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}
	}()
	go func() {
		defer wg.Done()
		n := len(tr.Sweep())
		mu.Lock()
		resolved += n
		mu.Unlock()
	}()
	wg.Wait()

	if resolved != 100 {
		t.Errorf("resolved %d fragments, want exactly 100", resolved)
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusSucceeded, "succeeded"},
		{StatusFailed, "failed"},
		{StatusTimedOut, "timed_out"},
		{StatusDisconnected, "disconnected"},
		{StatusAbandoned, "abandoned"},
		{Status(42), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("Status(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
