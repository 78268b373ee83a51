package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/streamdub/internal/fragment"
	"github.com/MrWong99/streamdub/internal/observe"
	"github.com/MrWong99/streamdub/internal/resilience"
	"github.com/MrWong99/streamdub/pkg/audio"
	"github.com/MrWong99/streamdub/pkg/protocol"
)

// gateResult is the verdict of one pass through the admission gates.
type gateResult int

const (
	gateSent gateResult = iota
	gateFallback
	gateWait
)

// dispatch routes a new segment. While segments are parked, new ones queue
// behind them so the peer sees segments in stream order.
func (o *Orchestrator) dispatch(ctx context.Context, seg audio.Segment) {
	if len(o.pending) > 0 && o.connected {
		o.park(ctx, seg, 0)
		return
	}
	if res, wait := o.gate(ctx, seg); res == gateWait {
		o.park(ctx, seg, wait)
	}
}

// gate runs seg through connected → breaker → backpressure → tracker and
// sends it. Every denial except a slow_down wait publishes the segment with
// its original audio before returning.
func (o *Orchestrator) gate(ctx context.Context, seg audio.Segment) (gateResult, time.Duration) {
	if !o.connected {
		o.fallback(ctx, seg, audio.FallbackDisconnected)
		return gateFallback, 0
	}

	if !o.breaker.Allow() {
		o.fallback(ctx, seg, audio.FallbackBreakerOpen)
		return gateFallback, 0
	}
	probe := o.breaker.State() == resilience.StateHalfOpen

	now := o.now()
	d := o.bp.Admit(now)
	if !d.Allowed {
		o.releaseProbe(probe)
		o.fallback(ctx, seg, audio.FallbackBackpressure)
		return gateFallback, 0
	}
	if d.Wait > 0 {
		o.releaseProbe(probe)
		return gateWait, d.Wait
	}

	f, err := o.tracker.Submit(seg)
	if err != nil {
		o.releaseProbe(probe)
		reason := audio.FallbackAtCapacity
		if errors.Is(err, fragment.ErrNoSession) {
			reason = audio.FallbackDisconnected
		}
		o.fallback(ctx, seg, reason)
		return gateFallback, 0
	}

	span := observe.StartFragmentSpan(ctx, f.ID, f.Sequence, f.Epoch)
	msg := protocol.FragmentSend(f.ID, f.Sequence, seg.Data, seg.StartTime)
	if err := o.conn.Send(ctx, msg); err != nil {
		// Closed or backed-up transport. A dropped connection reconnects
		// through the closed event stream. Transport errors never count
		// against the breaker.
		o.releaseProbe(probe)
		span.RecordError(err)
		span.End()
		o.tracker.Resolve(f.ID, fragment.Outcome{Status: fragment.StatusFailed, Message: err.Error()})
		slog.Warn("orchestrator: fragment send failed",
			"fragment_id", f.ID,
			"sequence", f.Sequence,
			"err", err,
		)
		o.fallbackFragment(ctx, f, audio.FallbackSendError)
		return gateFallback, 0
	}

	o.spans[f.ID] = span
	o.bp.MarkSent(now)
	if probe {
		o.probeID = f.ID
		slog.Info("orchestrator: half-open probe sent", "fragment_id", f.ID)
	}
	o.metrics.FragmentsSent.Add(ctx, 1)
	o.recordInFlight(ctx)
	slog.Debug("orchestrator: fragment sent",
		"fragment_id", f.ID,
		"sequence", f.Sequence,
		"epoch", f.Epoch,
	)
	return gateSent, 0
}

func (o *Orchestrator) releaseProbe(held bool) {
	if held {
		o.breaker.ReleaseProbe()
	}
}

// park queues seg until the slow_down spacing allows another send. A full
// queue publishes the segment with original audio instead.
func (o *Orchestrator) park(ctx context.Context, seg audio.Segment, wait time.Duration) {
	if len(o.pending) >= o.maxPending {
		slog.Warn("orchestrator: pending queue full",
			"max_pending", o.maxPending,
			"start", seg.StartTime,
		)
		o.fallback(ctx, seg, audio.FallbackBackpressure)
		return
	}
	o.pending = append(o.pending, seg)
	if o.pendingT == nil && wait > 0 {
		o.pendingT = time.NewTimer(wait)
	}
}

// regatePending re-runs parked segments through the gates in order, stopping
// at the first one that must wait again.
func (o *Orchestrator) regatePending(ctx context.Context) {
	for len(o.pending) > 0 {
		seg := o.pending[0]
		res, wait := o.gate(ctx, seg)
		if res == gateWait {
			o.stopPendingTimer()
			o.pendingT = time.NewTimer(wait)
			return
		}
		o.pending = o.pending[1:]
	}
	o.pending = nil
}

func (o *Orchestrator) stopPendingTimer() {
	if o.pendingT != nil {
		o.pendingT.Stop()
		o.pendingT = nil
	}
}

// flushPending publishes every parked segment with original audio.
func (o *Orchestrator) flushPending(ctx context.Context, reason audio.FallbackReason) {
	o.stopPendingTimer()
	for _, seg := range o.pending {
		o.fallback(ctx, seg, reason)
	}
	o.pending = nil
}

// fallbackFragment publishes a fragment's segment with original audio,
// keeping its session coordinates.
func (o *Orchestrator) fallbackFragment(ctx context.Context, f fragment.Fragment, reason audio.FallbackReason) {
	out := audio.Fallback(f.Segment, reason)
	out.SessionID = f.SessionID
	out.Epoch = f.Epoch
	out.Sequence = f.Sequence
	o.metrics.RecordFallback(ctx, string(reason))
	o.emit(ctx, out)
}
