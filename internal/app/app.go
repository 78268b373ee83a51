// Package app wires all streamdub subsystems into a running stream worker.
//
// The App struct owns the full lifecycle: New builds the transport, the audio
// collaborators, the reconnector and the orchestrator from the config, Run
// connects to the peer and drives every long-running goroutine, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSource, WithSink, WithDialer, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/streamdub/internal/config"
	"github.com/MrWong99/streamdub/internal/fragment"
	"github.com/MrWong99/streamdub/internal/health"
	"github.com/MrWong99/streamdub/internal/observe"
	"github.com/MrWong99/streamdub/internal/orchestrator"
	"github.com/MrWong99/streamdub/internal/resilience"
	"github.com/MrWong99/streamdub/internal/segmenter"
	"github.com/MrWong99/streamdub/internal/session"
	"github.com/MrWong99/streamdub/pkg/audio"
	"github.com/MrWong99/streamdub/pkg/protocol"
)

// serverShutdownTimeout bounds the graceful stop of the admin server.
const serverShutdownTimeout = 5 * time.Second

// ErrPeerDisconnected is reported by the readiness check while no peer
// session is active.
var ErrPeerDisconnected = errors.New("peer session not established")

// ErrReconnectTerminal is reported by the readiness check once reconnection
// attempts are exhausted.
var ErrReconnectTerminal = errors.New("reconnection attempts exhausted")

// runner is implemented by sources that need a goroutine of their own, such
// as [audio.PCMSource].
type runner interface {
	Run(ctx context.Context) error
}

// App owns all subsystem lifetimes of one stream worker.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Collaborators. Injected or built from cfg in New.
	source  audio.Source
	sink    audio.Sink
	dialer  protocol.Dialer
	watcher *config.Watcher
	sleep   func(context.Context, time.Duration) error

	// Subsystems. Initialised in New, torn down in Shutdown.
	rc             *session.Reconnector
	orch           *orchestrator.Orchestrator
	health         *health.Handler
	server         *http.Server
	ln             net.Listener
	metricsHandler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects the audio feed instead of reading PCM from
// cfg.Source.Path. A source with a Run(ctx) error method is run by [App.Run].
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithSink injects the output sink instead of writing to cfg.Sink.Path.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithDialer injects the peer transport instead of the websocket client.
func WithDialer(d protocol.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at cfg.Telemetry.MetricsPath on the admin
// server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithWatcher runs w alongside the worker so configuration changes are
// picked up while streaming.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithReconnectSleep replaces the backoff wait of the reconnector.
func WithReconnectSleep(fn func(context.Context, time.Duration) error) Option {
	return func(a *App) { a.sleep = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It opens the audio
// input and output and binds the admin listener, but does not contact the
// peer; that happens in [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audio collaborators ──────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Peer transport ───────────────────────────────────────────────
	if err := a.initDialer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 3. Reconnector + orchestrator ───────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Admin server ─────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init admin server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initAudio() error {
	if a.source == nil {
		r, err := openInput(a.cfg.Source.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, r.Close)
		a.source = audio.NewPCMSource(r, audio.PCMSourceConfig{
			SampleRate:    a.cfg.Source.SampleRate,
			ChunkDuration: a.cfg.Source.ChunkDuration,
			Realtime:      a.cfg.Source.Realtime,
		})
		slog.Info("reading pcm input", "path", a.cfg.Source.Path, "sample_rate", a.cfg.Source.SampleRate)
	}
	if a.sink == nil {
		w, err := openOutput(a.cfg.Sink.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, w.Close)
		a.sink = audio.NewWriterSink(w)
		slog.Info("writing dubbed output", "path", a.cfg.Sink.Path)
	}
	return nil
}

func (a *App) initDialer() error {
	if a.dialer != nil {
		return nil
	}
	codec, err := protocol.CodecByName(string(a.cfg.Peer.Codec))
	if err != nil {
		return err
	}
	a.dialer = protocol.NewClient(a.cfg.Peer.URL,
		protocol.WithCodec(codec),
		protocol.WithAPIKey(a.cfg.Peer.APIKey),
		protocol.WithSendTimeout(a.cfg.Peer.SendTimeout),
		protocol.WithSendQueue(a.cfg.Peer.SendQueue),
	)
	return nil
}

func (a *App) initPipeline() error {
	// The reconnector and the orchestrator reference each other through
	// callbacks; the closures read a.orch after both exist.
	a.rc = session.NewReconnector(session.ReconnectorConfig{
		Dialer: a.dialer,
		Init: protocol.SessionConfig{
			StreamID:       a.cfg.Peer.StreamID,
			SourceLanguage: a.cfg.Peer.SourceLanguage,
			TargetLanguage: a.cfg.Peer.TargetLanguage,
			Voice:          a.cfg.Peer.Voice,
			Codec:          a.cfg.Peer.AudioCodec,
		},
		HandshakeTimeout: a.cfg.Peer.HandshakeTimeout,
		MaxAttempts:      a.cfg.Reconnect.MaxAttempts,
		InitialBackoff:   a.cfg.Reconnect.InitialBackoff,
		MaxBackoff:       a.cfg.Reconnect.MaxBackoff,
		OnReconnect:      func(est session.Established) { a.orch.Reconnected(est) },
		OnFatal:          func(err error) { a.orch.Fatal(err) },
		OnAttempt: func(attempt int, delay time.Duration, err error) {
			a.metrics.RecordReconnectAttempt(context.Background(), err)
		},
		Sleep: a.sleep,
	})

	sc := a.cfg.Segmenter
	orch, err := orchestrator.New(orchestrator.Config{
		Source:      a.source,
		Sink:        a.sink,
		Reconnector: a.rc,
		Segmenter: segmenter.Config{
			SilenceThresholdDB: sc.SilenceThresholdDB,
			SilenceDuration:    sc.SilenceDuration,
			MinSegmentDuration: sc.MinSegmentDuration,
			MaxSegmentDuration: sc.MaxSegmentDuration,
			MaxBufferBytes:     sc.MaxBufferBytes,
			MaxInvalidLoudness: sc.MaxInvalidLoudness,
			StallTimeout:       sc.StallTimeout,
		},
		Tracker: fragment.Config{
			Timeout:       a.cfg.Tracker.FragmentTimeout,
			SweepInterval: a.cfg.Tracker.SweepInterval,
		},
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures: a.cfg.Breaker.MaxFailures,
			Cooldown:    a.cfg.Breaker.Cooldown,
		},
		LoudnessInterval:        a.cfg.Source.LoudnessInterval,
		MaxPending:              a.cfg.Tracker.MaxPending,
		ResetBreakerOnReconnect: a.cfg.Breaker.ResetOnReconnect,
		Metrics:                 a.metrics,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

func (a *App) initServer() error {
	a.health = health.New(
		health.WithCheckers(
			health.Checker{Name: "peer", Check: a.checkPeer},
			health.Checker{Name: "reconnect", Check: a.checkReconnect},
		),
		health.WithStatus(func() any { return a.Status() }),
	)

	mux := http.NewServeMux()
	a.health.Register(mux)
	metricsPath := a.cfg.Telemetry.MetricsPath
	if a.metricsHandler != nil {
		mux.Handle("GET "+metricsPath, a.metricsHandler)
	}
	handler := observe.Middleware(a.metrics,
		observe.WithQuietPaths("/healthz", "/readyz", metricsPath),
	)(mux)

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("admin server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the peer and blocks until the audio feed has ended and
// every fragment resolved, ctx is cancelled, or a fatal error occurs. The
// initial connection is not retried. Cancellation is a clean stop and
// returns nil.
func (a *App) Run(ctx context.Context) error {
	est, err := a.rc.Connect(ctx)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	slog.Info("peer session established",
		"session_id", est.Session.ID,
		"max_in_flight", est.Session.MaxInFlight,
	)

	// runCtx ends when the orchestrator is done, which stops every other
	// goroutine.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		defer func() { go audio.Drain(a.source.Chunks()) }()
		err := a.orch.Run(gctx, est)
		if stopErr := a.rc.Stop(); stopErr != nil {
			slog.Debug("app: closing peer connection", "err", stopErr)
		}
		return err
	})

	g.Go(func() error {
		return a.rc.Run(gctx)
	})

	if r, ok := a.source.(runner); ok {
		g.Go(func() error { return r.Run(gctx) })
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		err := a.serve()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: admin server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shCtx)
	})

	slog.Info("stream worker running", "stream_id", a.cfg.Peer.StreamID)
	return g.Wait()
}

func (a *App) serve() error {
	if tls := a.cfg.Server.TLS; tls != nil {
		return a.server.ServeTLS(a.ln, tls.CertFile, tls.KeyFile)
	}
	return a.server.Serve(a.ln)
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status is the /statusz document.
type Status struct {
	StreamID  string                    `json:"stream_id"`
	Pipeline  orchestrator.Status       `json:"pipeline"`
	Reconnect session.ReconnectionState `json:"reconnect"`
}

// Status returns a snapshot of the worker.
func (a *App) Status() Status {
	return Status{
		StreamID:  a.cfg.Peer.StreamID,
		Pipeline:  a.orch.Status(),
		Reconnect: a.rc.State(),
	}
}

// Addr returns the admin server's listen address.
func (a *App) Addr() net.Addr { return a.ln.Addr() }

func (a *App) checkPeer(context.Context) error {
	if !a.orch.Connected() {
		return ErrPeerDisconnected
	}
	return nil
}

func (a *App) checkReconnect(context.Context) error {
	if a.rc.Terminal() {
		return ErrReconnectTerminal
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the reconnector and releases the audio input, output and
// admin listener. It respects ctx's deadline; remaining closers are skipped
// once it expires. Safe to call multiple times.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if e := a.rc.Stop(); e != nil {
			slog.Debug("reconnector stop", "err", e)
		}
		if e := a.ln.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
			slog.Debug("admin listener close", "err", e)
		}
		var errs []error
		for i, fn := range a.closers {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				break
			}
			if e := fn(); e != nil {
				slog.Warn("closer error", "index", i, "err", e)
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return err
}

// closeAll releases whatever New opened before failing.
func (a *App) closeAll() {
	if a.ln != nil {
		_ = a.ln.Close()
	}
	for _, fn := range a.closers {
		_ = fn()
	}
}
