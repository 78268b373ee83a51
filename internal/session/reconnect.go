package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/streamdub/pkg/protocol"
)

// Default reconnection parameters. Attempt n waits InitialBackoff·2^(n-1),
// capped at MaxBackoff: 2s, 4s, 8s, 16s, 32s.
const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 32 * time.Second
)

// ErrReconnectExhausted is reported when every reconnection attempt failed.
// The worker is in a terminal state afterwards.
var ErrReconnectExhausted = errors.New("session: reconnection attempts exhausted")

// Established is a connection that completed the handshake.
type Established struct {
	Conn    protocol.Conn
	Session *Session
}

// ReconnectionState is a snapshot of the reconnection loop.
type ReconnectionState struct {
	// Reconnecting is true between a disconnect and the next established
	// session.
	Reconnecting bool

	// Attempt is the 1-based attempt currently waiting or dialling.
	Attempt int

	// NextDelay is the wait before the current attempt.
	NextDelay time.Duration

	// ConsecutiveDisconnects counts the drop and every failed attempt since
	// the last established session.
	ConsecutiveDisconnects int

	// Terminal is true once attempts were exhausted.
	Terminal bool
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dialer opens transport connections. Required.
	Dialer protocol.Dialer

	// Init is sent as the session-init payload on every handshake.
	Init protocol.SessionConfig

	// HandshakeTimeout bounds each handshake. Defaults to 10s if zero.
	HandshakeTimeout time.Duration

	// MaxAttempts is the number of reconnection attempts before giving up.
	// Defaults to 5 if zero.
	MaxAttempts int

	// InitialBackoff is the wait before the first attempt. Doubles each
	// attempt up to MaxBackoff. Defaults to 2s if zero.
	InitialBackoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 32s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func(Established)

	// OnAttempt is called after every reconnection attempt with its result
	// (err is nil on success). May be nil.
	OnAttempt func(attempt int, delay time.Duration, err error)

	// OnFatal is called once when attempts are exhausted. May be nil.
	OnFatal func(error)

	// Sleep waits for d or until ctx is done. Tests replace it to record
	// delays. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Reconnector owns the transport lifecycle. It performs the initial
// connection, then waits for [Reconnector.NotifyDisconnect] and re-establishes
// a fresh [Session] with exponential backoff.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dialer           protocol.Dialer
	init             protocol.SessionConfig
	handshakeTimeout time.Duration
	maxAttempts      int
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	onReconnect      func(Established)
	onAttempt        func(int, time.Duration, error)
	onFatal          func(error)
	sleep            func(context.Context, time.Duration) error

	mu           sync.Mutex
	conn         protocol.Conn
	epoch        int
	state        ReconnectionState
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Reconnector{
		dialer:           cfg.Dialer,
		init:             cfg.Init,
		handshakeTimeout: cfg.HandshakeTimeout,
		maxAttempts:      cfg.MaxAttempts,
		initialBackoff:   cfg.InitialBackoff,
		maxBackoff:       cfg.MaxBackoff,
		onReconnect:      cfg.OnReconnect,
		onAttempt:        cfg.OnAttempt,
		onFatal:          cfg.OnFatal,
		sleep:            cfg.Sleep,
		done:             make(chan struct{}),
		disconnected:     make(chan struct{}, 1),
	}
}

// Connect performs the initial connection and handshake. It does not retry:
// a worker that cannot reach the peer at startup fails fast.
func (r *Reconnector) Connect(ctx context.Context) (Established, error) {
	r.mu.Lock()
	epoch := r.epoch + 1
	r.mu.Unlock()

	est, err := r.establish(ctx, epoch)
	if err != nil {
		return Established{}, fmt.Errorf("session: initial connect: %w", err)
	}
	return est, nil
}

// Delay returns the wait before the given 1-based attempt.
func (r *Reconnector) Delay(attempt int) time.Duration {
	d := r.initialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	return min(d, r.maxBackoff)
}

// Run waits for disconnect notifications and reconnects. It returns nil when
// ctx is done or Stop is called, and [ErrReconnectExhausted] once every
// attempt of a reconnection cycle has failed.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-r.disconnected:
			if err := r.reconnect(ctx); err != nil {
				if errors.Is(err, ErrReconnectExhausted) {
					return err
				}
				return nil
			}
		}
	}
}

// NotifyDisconnect signals the monitor that the connection has been lost
// and reconnection should be attempted. Safe to call multiple times; only
// the first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring, interrupts any backoff wait and closes the current
// connection. Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connection returns the current connection. May return nil during
// reconnection.
func (r *Reconnector) Connection() protocol.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// State returns a snapshot of the reconnection loop.
func (r *Reconnector) State() ReconnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Terminal reports whether reconnection was exhausted.
func (r *Reconnector) Terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Terminal
}

// reconnect runs one reconnection cycle. Each attempt is preceded by its
// backoff delay; only ctx and Stop interrupt the wait.
func (r *Reconnector) reconnect(ctx context.Context) error {
	// Interrupt backoff waits on Stop as well as on ctx.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.mu.Lock()
	old := r.conn
	r.conn = nil
	r.state.Reconnecting = true
	r.state.ConsecutiveDisconnects++
	epoch := r.epoch + 1
	r.mu.Unlock()

	// Release the dropped connection's resources.
	if old != nil {
		_ = old.Close()
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		delay := r.Delay(attempt)

		r.mu.Lock()
		r.state.Attempt = attempt
		r.state.NextDelay = delay
		r.mu.Unlock()

		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"backoff", delay,
		)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}

		est, err := r.establish(ctx, epoch)
		if r.onAttempt != nil {
			r.onAttempt(attempt, delay, err)
		}
		if err == nil {
			r.mu.Lock()
			r.state = ReconnectionState{}
			r.mu.Unlock()

			slog.Info("reconnection successful",
				"attempt", attempt,
				"session_id", est.Session.ID,
				"epoch", est.Session.Epoch,
			)
			if r.onReconnect != nil {
				r.onReconnect(est)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		r.mu.Lock()
		r.state.ConsecutiveDisconnects++
		r.mu.Unlock()

		slog.Warn("reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)
	}

	r.mu.Lock()
	r.state.Reconnecting = false
	r.state.Terminal = true
	r.mu.Unlock()

	err := fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, r.maxAttempts, lastErr)
	slog.Error("reconnection failed after max attempts",
		"max_attempts", r.maxAttempts,
		"error", lastErr,
	)
	if r.onFatal != nil {
		r.onFatal(err)
	}
	return err
}

// establish dials and handshakes. On success the connection becomes current
// and the epoch advances.
func (r *Reconnector) establish(ctx context.Context, epoch int) (Established, error) {
	conn, err := r.dialer.Dial(ctx)
	if err != nil {
		return Established{}, err
	}
	sess, err := Handshake(ctx, conn, r.init, r.handshakeTimeout, epoch)
	if err != nil {
		_ = conn.Close()
		return Established{}, err
	}

	r.mu.Lock()
	r.conn = conn
	r.epoch = epoch
	r.mu.Unlock()

	return Established{Conn: conn, Session: sess}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
