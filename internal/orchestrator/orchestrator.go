// Package orchestrator is the composition root of the stream worker. It merges
// the audio feed and the peer's event stream into a single event loop that
// segments audio, gates each segment through the circuit breaker, the
// backpressure controller and the fragment tracker, and pairs every segment
// with translated or original audio for the downstream [audio.Sink].
//
// All mutable state is owned by the goroutine running [Orchestrator.Run].
// Other goroutines interact only through [Orchestrator.Reconnected],
// [Orchestrator.Fatal] and [Orchestrator.Status].
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/streamdub/internal/backpressure"
	"github.com/MrWong99/streamdub/internal/fragment"
	"github.com/MrWong99/streamdub/internal/observe"
	"github.com/MrWong99/streamdub/internal/resilience"
	"github.com/MrWong99/streamdub/internal/segmenter"
	"github.com/MrWong99/streamdub/internal/session"
	"github.com/MrWong99/streamdub/pkg/audio"
	"github.com/MrWong99/streamdub/pkg/protocol"
)

// DefaultMaxPending bounds segments parked by a slow_down signal.
const DefaultMaxPending = 4

// ErrNotConfigured is returned by [New] when a required collaborator is nil.
var ErrNotConfigured = errors.New("orchestrator: missing required collaborator")

// DisconnectNotifier is told when the transport dropped unexpectedly.
// [session.Reconnector] implements it.
type DisconnectNotifier interface {
	NotifyDisconnect()
}

// Config holds the collaborators and tuning knobs of an [Orchestrator].
type Config struct {
	// Source delivers the live audio feed. Required. When its loudness
	// channel is nil, loudness is derived from the chunks with an
	// [audio.LoudnessMeter].
	Source audio.Source

	// Sink receives every output. Required.
	Sink audio.Sink

	// Reconnector is notified of transport loss. Required.
	Reconnector DisconnectNotifier

	Segmenter segmenter.Config
	Tracker   fragment.Config
	Breaker   resilience.CircuitBreakerConfig

	// LoudnessInterval is the meter window used when Source provides no
	// loudness channel. Default: [audio.DefaultLoudnessInterval].
	LoudnessInterval time.Duration

	// MaxPending bounds segments parked by a slow_down signal. Default: 4.
	MaxPending int

	// ResetBreakerOnReconnect closes the breaker whenever a new session is
	// established. By default breaker state carries over.
	ResetBreakerOnReconnect bool

	// Metrics receives instrument updates. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now overrides the clock for the tracker, the breaker and admission
	// decisions. Default: time.Now.
	Now func() time.Time
}

// Orchestrator runs the stream worker's event loop.
type Orchestrator struct {
	source      audio.Source
	sink        audio.Sink
	reconnector DisconnectNotifier
	metrics     *observe.Metrics
	now         func() time.Time
	maxPending  int
	resetOnNew  bool

	seg     *segmenter.Segmenter
	meter   *audio.LoudnessMeter
	tracker *fragment.Tracker
	breaker *resilience.CircuitBreaker
	bp      *backpressure.Controller

	reconnCh chan session.Established
	fatalCh  chan error
	events   chan peerEvent
	done     chan struct{}

	// Loop-owned state.
	conn       protocol.Conn
	sess       *session.Session
	connected  bool
	draining   bool
	probeID    string
	pending    []audio.Segment
	pendingT   *time.Timer
	spans      map[string]trace.Span
	forwarders sync.WaitGroup

	mu   sync.Mutex
	view view
}

// New creates an [Orchestrator]. Zero-value config fields are replaced with
// defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Source == nil || cfg.Sink == nil || cfg.Reconnector == nil {
		return nil, ErrNotConfigured
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &Orchestrator{
		source:      cfg.Source,
		sink:        cfg.Sink,
		reconnector: cfg.Reconnector,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		maxPending:  cfg.MaxPending,
		resetOnNew:  cfg.ResetBreakerOnReconnect,
		bp:          backpressure.New(),
		reconnCh:    make(chan session.Established, 1),
		fatalCh:     make(chan error, 1),
		events:      make(chan peerEvent, 64),
		done:        make(chan struct{}),
		spans:       make(map[string]trace.Span),
	}

	segCfg := cfg.Segmenter
	onDeferral, onInvalid := segCfg.OnDeferral, segCfg.OnInvalidLoudness
	segCfg.OnDeferral = func() {
		o.metrics.SegmentsDeferred.Add(context.Background(), 1)
		if onDeferral != nil {
			onDeferral()
		}
	}
	segCfg.OnInvalidLoudness = func(l audio.LoudnessSample) {
		o.metrics.LoudnessInvalid.Add(context.Background(), 1)
		if onInvalid != nil {
			onInvalid(l)
		}
	}
	o.seg = segmenter.New(segCfg)

	if cfg.Source.Loudness() == nil {
		o.meter = &audio.LoudnessMeter{Interval: cfg.LoudnessInterval}
	}

	trCfg := cfg.Tracker
	if trCfg.Now == nil {
		trCfg.Now = cfg.Now
	}
	o.tracker = fragment.NewTracker(trCfg)

	brCfg := cfg.Breaker
	if brCfg.Name == "" {
		brCfg.Name = "peer"
	}
	if brCfg.Now == nil {
		brCfg.Now = cfg.Now
	}
	onTransition := brCfg.OnTransition
	brCfg.OnTransition = func(from, to resilience.State) {
		o.metrics.RecordBreakerTransition(context.Background(), from.String(), to.String())
		if onTransition != nil {
			onTransition(from, to)
		}
	}
	o.breaker = resilience.NewCircuitBreaker(brCfg)
	o.publishView()

	return o, nil
}

// Reconnected hands a freshly established session to the event loop. It is
// meant as the [session.ReconnectorConfig] OnReconnect callback. If the loop
// has already exited, the connection is closed.
func (o *Orchestrator) Reconnected(est session.Established) {
	select {
	case o.reconnCh <- est:
	case <-o.done:
		_ = est.Conn.Close()
	}
}

// Fatal stops the event loop with err. It is meant as the
// [session.ReconnectorConfig] OnFatal callback.
func (o *Orchestrator) Fatal(err error) {
	select {
	case o.fatalCh <- err:
	case <-o.done:
	}
}

// Breaker returns the circuit breaker guarding the peer.
func (o *Orchestrator) Breaker() *resilience.CircuitBreaker { return o.breaker }

// Run drives the event loop on the initial established session until the
// audio feed ends and every fragment has resolved, ctx is cancelled, or a
// fatal condition occurs. It returns nil on end of stream and on
// cancellation. Segmentation malfunctions and exhausted reconnection are
// returned as errors.
func (o *Orchestrator) Run(ctx context.Context, initial session.Established) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		if o.conn != nil {
			_ = o.conn.Close()
		}
		o.forwarders.Wait()
		close(o.done)
	}()

	o.install(ctx, initial)

	sweep := time.NewTicker(o.tracker.SweepInterval())
	defer sweep.Stop()

	chunks := o.source.Chunks()
	loudness := o.source.Loudness()

	for {
		var pendingC <-chan time.Time
		if o.pendingT != nil {
			pendingC = o.pendingT.C
		}

		select {
		case <-ctx.Done():
			o.shutdown(ctx, audio.FallbackShutdown)
			return nil

		case err := <-o.fatalCh:
			o.shutdown(ctx, audio.FallbackDisconnected)
			return fmt.Errorf("orchestrator: %w", err)

		case c, ok := <-chunks:
			if !ok {
				chunks, loudness = nil, nil
				o.endOfStream(ctx)
				break
			}
			if err := o.onChunk(ctx, c); err != nil {
				o.shutdown(ctx, audio.FallbackShutdown)
				return fmt.Errorf("orchestrator: %w", err)
			}

		case l, ok := <-loudness:
			if !ok {
				loudness = nil
				break
			}
			if err := o.onLoudness(ctx, l); err != nil {
				o.shutdown(ctx, audio.FallbackShutdown)
				return fmt.Errorf("orchestrator: %w", err)
			}

		case ev := <-o.events:
			o.onPeerEvent(ctx, ev)

		case est := <-o.reconnCh:
			o.install(ctx, est)

		case <-sweep.C:
			o.onSweep(ctx)

		case <-pendingC:
			o.pendingT = nil
			o.regatePending(ctx)
		}

		o.publishView()
		if o.draining && o.tracker.InFlight() == 0 && len(o.pending) == 0 {
			slog.Info("orchestrator: stream ended, all fragments resolved")
			return nil
		}
	}
}

// install makes est the current session: it rebinds the tracker, starts the
// event forwarder and emits an epoch marker.
func (o *Orchestrator) install(ctx context.Context, est session.Established) {
	if o.conn != nil && o.conn != est.Conn {
		_ = o.conn.Close()
	}
	o.conn = est.Conn
	o.sess = est.Session
	o.connected = true
	o.tracker.Bind(est.Session)
	o.bp.Reset()

	if est.Session.Epoch > 1 && o.resetOnNew {
		o.breaker.Reset()
		o.probeID = ""
	}

	o.forwarders.Add(1)
	go o.forward(ctx, est.Conn, est.Session.Epoch)

	slog.Info("orchestrator: session active",
		"session_id", est.Session.ID,
		"epoch", est.Session.Epoch,
		"max_in_flight", est.Session.MaxInFlight,
		"breaker", o.breaker.State().String(),
	)
	o.emit(ctx, audio.Output{
		Kind:      audio.OutputEpochStart,
		SessionID: est.Session.ID,
		Epoch:     est.Session.Epoch,
		Sequence:  -1,
	})
}

func (o *Orchestrator) onChunk(ctx context.Context, c audio.Chunk) error {
	segs, err := o.seg.PushChunk(c)
	if err != nil {
		return err
	}
	o.dispatchAll(ctx, segs)

	if o.meter != nil {
		for _, l := range o.meter.Measure(c) {
			if err := o.onLoudness(ctx, l); err != nil {
				return err
			}
		}
	}
	st := o.seg.Stats()
	o.metrics.RecordSegmenterLevel(ctx, st.AccumulatedDuration.Seconds(), st.AccumulatedBytes)
	return nil
}

func (o *Orchestrator) onLoudness(ctx context.Context, l audio.LoudnessSample) error {
	segs, err := o.seg.PushLoudness(l)
	if err != nil {
		return err
	}
	o.dispatchAll(ctx, segs)
	return nil
}

func (o *Orchestrator) dispatchAll(ctx context.Context, segs []audio.Segment) {
	for _, s := range segs {
		o.metrics.RecordSegment(ctx, string(s.Trigger))
		slog.Debug("orchestrator: segment emitted",
			"trigger", s.Trigger,
			"start", s.StartTime,
			"duration", s.Duration,
			"bytes", len(s.Data),
		)
		o.dispatch(ctx, s)
	}
}

// endOfStream flushes the segmenter and switches to draining: Run returns
// once nothing is in flight or parked.
func (o *Orchestrator) endOfStream(ctx context.Context) {
	slog.Info("orchestrator: audio feed ended")
	if s, ok := o.seg.Flush(); ok {
		o.dispatchAll(ctx, []audio.Segment{s})
	}
	o.draining = true
}

// shutdown abandons in-flight fragments without publishing them and publishes
// parked segments and the flushed remainder with original audio.
func (o *Orchestrator) shutdown(ctx context.Context, reason audio.FallbackReason) {
	emitCtx := context.WithoutCancel(ctx)

	abandoned := o.tracker.ResolveAll(fragment.Outcome{Status: fragment.StatusAbandoned})
	for _, r := range abandoned {
		o.endSpan(r, errors.New("abandoned"))
	}
	if len(abandoned) > 0 {
		slog.Info("orchestrator: abandoned in-flight fragments", "count", len(abandoned))
	}

	o.flushPending(emitCtx, reason)

	if s, ok := o.seg.Flush(); ok {
		o.metrics.RecordSegment(emitCtx, string(s.Trigger))
		o.fallback(emitCtx, s, reason)
	}
	o.connected = false
	o.publishView()
}

// emit hands out to the sink. Sink failures are logged; the loop never stops
// because of them.
func (o *Orchestrator) emit(ctx context.Context, out audio.Output) {
	if err := o.sink.Emit(ctx, out); err != nil {
		slog.Warn("orchestrator: sink rejected output",
			"kind", out.Kind.String(),
			"start", out.Segment.StartTime,
			"err", err,
		)
	}
}

// fallback publishes seg with its original audio.
func (o *Orchestrator) fallback(ctx context.Context, seg audio.Segment, reason audio.FallbackReason) {
	out := audio.Fallback(seg, reason)
	if o.sess != nil {
		out.SessionID = o.sess.ID
		out.Epoch = o.sess.Epoch
	}
	o.metrics.RecordFallback(ctx, string(reason))
	o.emit(ctx, out)
}
