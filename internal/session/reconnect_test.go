package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/streamdub/pkg/protocol"
	protomock "github.com/MrWong99/streamdub/pkg/protocol/mock"
)

// delayRecorder replaces the backoff wait and records requested delays.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) Sleep(ctx context.Context, delay time.Duration) error {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	return ctx.Err()
}

func (d *delayRecorder) Delays() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func readyConn(id string, maxInFlight int) *protomock.Conn {
	c := protomock.NewConn()
	c.OnSend = protomock.ReadyOnInit(id, maxInFlight)
	return c
}

func TestReconnector_Connect(t *testing.T) {
	t.Run("successful initial connection", func(t *testing.T) {
		conn := readyConn("sess-1", 3)
		d := &protomock.Dialer{Script: []protomock.DialResult{{Conn: conn}}}
		r := NewReconnector(ReconnectorConfig{
			Dialer: d,
			Init:   protocol.SessionConfig{StreamID: "stream-1"},
		})

		est, err := r.Connect(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if est.Conn != conn || r.Connection() != conn {
			t.Error("expected stored connection to match mock")
		}
		if est.Session.ID != "sess-1" || est.Session.MaxInFlight != 3 || est.Session.Epoch != 1 {
			t.Errorf("session = %+v", est.Session)
		}
		inits := conn.SentOfType(protocol.TypeSessionInit)
		if len(inits) != 1 || inits[0].Config.StreamID != "stream-1" {
			t.Errorf("session-init = %+v", inits)
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		d := &protomock.Dialer{DefaultErr: errors.New("refused")}
		r := NewReconnector(ReconnectorConfig{Dialer: d})

		if _, err := r.Connect(t.Context()); err == nil {
			t.Fatal("expected error, got nil")
		}
		if r.Connection() != nil {
			t.Error("expected nil connection after failure")
		}
	})
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Dialer: &protomock.Dialer{}})

	if r.maxAttempts != 5 {
		t.Errorf("expected default maxAttempts=5, got %d", r.maxAttempts)
	}
	if r.initialBackoff != 2*time.Second {
		t.Errorf("expected default initialBackoff=2s, got %v", r.initialBackoff)
	}
	if r.maxBackoff != 32*time.Second {
		t.Errorf("expected default maxBackoff=32s, got %v", r.maxBackoff)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 32 * time.Second}
	for i, w := range want {
		if got := r.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestReconnector_BackoffAndSequenceReset(t *testing.T) {
	first := readyConn("sess-1", 4)
	second := readyConn("sess-2", 2)
	d := &protomock.Dialer{Script: []protomock.DialResult{
		{Conn: first},
		{Err: errors.New("refused")},
		{Err: errors.New("refused")},
		{Conn: second},
	}}
	rec := &delayRecorder{}
	reconnected := make(chan Established, 1)
	var (
		mu       sync.Mutex
		attempts []error
	)

	r := NewReconnector(ReconnectorConfig{
		Dialer:      d,
		Sleep:       rec.Sleep,
		OnReconnect: func(e Established) { reconnected <- e },
		OnAttempt: func(_ int, _ time.Duration, err error) {
			mu.Lock()
			attempts = append(attempts, err)
			mu.Unlock()
		},
	})

	est, err := r.Connect(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	est.Session.NextSequence()
	est.Session.NextSequence()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	first.Drop(nil)
	r.NotifyDisconnect()

	var got Established
	select {
	case got = <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reconnection")
	}

	delays := rec.Delays()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	if got.Session.ID != "sess-2" || got.Session.Epoch != 2 {
		t.Errorf("session = %s epoch %d, want sess-2 epoch 2", got.Session.ID, got.Session.Epoch)
	}
	if seq := got.Session.PeekSequence(); seq != 0 {
		t.Errorf("next sequence = %d after reconnect, want 0", seq)
	}
	if r.Connection() != second {
		t.Error("current connection must be the new one")
	}
	if s := r.State(); s.Reconnecting || s.ConsecutiveDisconnects != 0 {
		t.Errorf("state after success = %+v, want cleared", s)
	}

	mu.Lock()
	if len(attempts) != 3 || attempts[0] == nil || attempts[1] == nil || attempts[2] != nil {
		t.Errorf("attempt results = %v", attempts)
	}
	mu.Unlock()

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run returned %v after cancel", err)
	}
}

func TestReconnector_Exhausted(t *testing.T) {
	d := &protomock.Dialer{
		Script:     []protomock.DialResult{{Conn: readyConn("sess-1", 1)}},
		DefaultErr: errors.New("refused"),
	}
	rec := &delayRecorder{}
	fatal := make(chan error, 1)
	r := NewReconnector(ReconnectorConfig{
		Dialer:  d,
		Sleep:   rec.Sleep,
		OnFatal: func(err error) { fatal <- err },
	})
	if _, err := r.Connect(t.Context()); err != nil {
		t.Fatal(err)
	}

	r.NotifyDisconnect()
	err := r.Run(t.Context())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run = %v, want ErrReconnectExhausted", err)
	}
	select {
	case ferr := <-fatal:
		if !errors.Is(ferr, ErrReconnectExhausted) {
			t.Errorf("OnFatal got %v", ferr)
		}
	default:
		t.Error("OnFatal was not called")
	}

	if got := len(rec.Delays()); got != 5 {
		t.Errorf("attempts = %d, want 5", got)
	}
	if d.Calls() != 6 {
		t.Errorf("dial calls = %d, want 6 (initial + 5)", d.Calls())
	}
	s := r.State()
	if !s.Terminal || !r.Terminal() {
		t.Error("expected terminal state")
	}
	if s.ConsecutiveDisconnects != 6 {
		t.Errorf("consecutive disconnects = %d, want 6", s.ConsecutiveDisconnects)
	}
}

func TestReconnector_HandshakeFailureCountsAsAttempt(t *testing.T) {
	rejecting := protomock.NewConn()
	rejecting.OnSend = func(c *protomock.Conn, m protocol.Message) {
		if m.Type == protocol.TypeSessionInit {
			c.Push(protocol.Message{Type: protocol.TypeError, Code: protocol.CodeResourceExhausted})
		}
	}
	d := &protomock.Dialer{Script: []protomock.DialResult{
		{Conn: readyConn("sess-1", 1)},
		{Conn: rejecting},
		{Conn: readyConn("sess-2", 1)},
	}}
	rec := &delayRecorder{}
	reconnected := make(chan Established, 1)
	r := NewReconnector(ReconnectorConfig{
		Dialer:      d,
		Sleep:       rec.Sleep,
		OnReconnect: func(e Established) { reconnected <- e },
	})
	if _, err := r.Connect(t.Context()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = r.Run(ctx) }()
	r.NotifyDisconnect()

	select {
	case e := <-reconnected:
		if e.Session.ID != "sess-2" {
			t.Errorf("session = %s, want sess-2", e.Session.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
	if closes := rejecting.Closes(); closes != 1 {
		t.Errorf("rejected conn closed %d times, want 1", closes)
	}
}

func TestReconnector_StopInterruptsBackoff(t *testing.T) {
	d := &protomock.Dialer{
		Script:     []protomock.DialResult{{Conn: readyConn("sess-1", 1)}},
		DefaultErr: errors.New("refused"),
	}
	r := NewReconnector(ReconnectorConfig{
		Dialer:         d,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
	})
	if _, err := r.Connect(t.Context()); err != nil {
		t.Fatal(err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(context.Background()) }()
	r.NotifyDisconnect()

	// Wait for the loop to enter the backoff wait.
	deadline := time.After(3 * time.Second)
	for r.State().Attempt != 1 {
		select {
		case <-deadline:
			t.Fatal("loop never started waiting")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run = %v after Stop, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not interrupt the backoff wait")
	}
	if d.Calls() != 1 {
		t.Errorf("dial calls = %d, want 1 (no attempt after stop)", d.Calls())
	}
	if err := r.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
