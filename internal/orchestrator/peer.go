package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/streamdub/internal/backpressure"
	"github.com/MrWong99/streamdub/internal/fragment"
	"github.com/MrWong99/streamdub/internal/resilience"
	"github.com/MrWong99/streamdub/pkg/audio"
	"github.com/MrWong99/streamdub/pkg/protocol"
)

// errTimedOut marks fragment spans that hit the tracker timeout.
var errTimedOut = errors.New("fragment timed out")

// peerEvent is one inbound message, or the end of the stream, tagged with the
// epoch of the connection it came from.
type peerEvent struct {
	epoch  int
	msg    protocol.Message
	closed bool
	err    error
}

// forward copies conn's events into the loop until the connection ends.
func (o *Orchestrator) forward(ctx context.Context, conn protocol.Conn, epoch int) {
	defer o.forwarders.Done()
	for m := range conn.Events() {
		select {
		case o.events <- peerEvent{epoch: epoch, msg: m}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case o.events <- peerEvent{epoch: epoch, closed: true, err: conn.Err()}:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) onPeerEvent(ctx context.Context, ev peerEvent) {
	if o.sess == nil || ev.epoch != o.sess.Epoch {
		slog.Debug("orchestrator: dropping event from stale session",
			"event_epoch", ev.epoch,
			"type", ev.msg.Type,
		)
		return
	}
	if ev.closed {
		if ev.err == nil {
			// Locally closed.
			return
		}
		o.onDisconnect(ctx, ev.err)
		return
	}

	m := ev.msg
	switch m.Type {
	case protocol.TypeFragmentAck:
		o.tracker.Acknowledge(m.FragmentID)

	case protocol.TypeFragmentResult:
		o.onResult(ctx, m)

	case protocol.TypeBackpressure:
		o.onBackpressure(ctx, m)

	case protocol.TypeError:
		o.onPeerError(ctx, m)

	default:
		slog.Debug("orchestrator: ignoring unexpected message", "type", m.Type)
	}
}

func (o *Orchestrator) onResult(ctx context.Context, m protocol.Message) {
	switch m.Status {
	case protocol.StatusSuccess:
		r, ok := o.tracker.Resolve(m.FragmentID, fragment.Outcome{
			Status: fragment.StatusSucceeded,
			Audio:  m.Audio,
		})
		if !ok {
			return
		}
		o.recordInFlight(ctx)
		o.recordOutcome(r.Fragment.ID, resilience.Success)
		o.metrics.FragmentsSucceeded.Add(ctx, 1)
		o.metrics.FragmentRoundTrip.Record(ctx, r.Latency.Seconds())
		o.endSpan(r, nil)
		o.emit(ctx, audio.Output{
			Kind:       audio.OutputSegment,
			Segment:    r.Fragment.Segment,
			Audio:      m.Audio,
			Translated: true,
			SessionID:  r.Fragment.SessionID,
			Epoch:      r.Fragment.Epoch,
			Sequence:   r.Fragment.Sequence,
		})

	case protocol.StatusFailed:
		var detail protocol.ErrorDetail
		if m.Error != nil {
			detail = *m.Error
		}
		r, ok := o.tracker.Resolve(m.FragmentID, fragment.Outcome{
			Status:    fragment.StatusFailed,
			Code:      string(detail.Code),
			Message:   detail.Message,
			Retryable: detail.Retryable,
		})
		if !ok {
			return
		}
		o.recordInFlight(ctx)
		o.failed(ctx, r, detail.Code, detail.Message, detail.Retryable)

	default:
		slog.Warn("orchestrator: fragment result with unknown status",
			"fragment_id", m.FragmentID,
			"status", m.Status,
		)
	}
}

// failed applies a peer-reported fragment failure.
func (o *Orchestrator) failed(ctx context.Context, r fragment.Resolution, code protocol.Code, msg string, retryable bool) {
	outcome := resilience.ClassifyCode(code, retryable)
	o.recordOutcome(r.Fragment.ID, outcome)
	o.metrics.RecordFragmentFailed(ctx, outcome == resilience.RetryableFailure)
	o.endSpan(r, fmt.Errorf("%s: %s", code, msg))
	slog.Warn("orchestrator: fragment failed",
		"fragment_id", r.Fragment.ID,
		"sequence", r.Fragment.Sequence,
		"code", code,
		"message", msg,
		"outcome", outcome.String(),
	)
	o.fallbackFragment(ctx, r.Fragment, audio.FallbackFailed)
}

func (o *Orchestrator) onBackpressure(ctx context.Context, m protocol.Message) {
	sig := backpressure.FromMessage(m)
	o.bp.Update(sig)
	o.metrics.RecordBackpressure(ctx, sig.Action.String())
	slog.Info("orchestrator: backpressure signal",
		"action", sig.Action.String(),
		"severity", sig.Severity.String(),
		"delay", sig.RecommendedDelay,
	)
	if sig.Action == backpressure.ActionNone && len(o.pending) > 0 {
		o.stopPendingTimer()
		o.regatePending(ctx)
	}
}

// onPeerError handles an error message. One that names an in-flight fragment
// fails that fragment and is classified by its code. Anything else is
// unsolicited and reaches the breaker only when the peer flagged it
// retryable.
func (o *Orchestrator) onPeerError(ctx context.Context, m protocol.Message) {
	if m.FragmentID != "" {
		if r, ok := o.tracker.Resolve(m.FragmentID, fragment.Outcome{
			Status:    fragment.StatusFailed,
			Code:      string(m.Code),
			Message:   m.Reason,
			Retryable: m.Retryable,
		}); ok {
			o.recordInFlight(ctx)
			o.failed(ctx, r, m.Code, m.Reason, m.Retryable)
			return
		}
	}

	o.metrics.RecordPeerError(ctx, string(m.Code), m.Retryable)
	if m.Retryable {
		o.recordOutcome("", resilience.RetryableFailure)
		slog.Warn("orchestrator: peer reported retryable error",
			"code", m.Code,
			"message", m.Reason,
		)
		return
	}
	slog.Error("orchestrator: peer reported non-retryable error",
		"code", m.Code,
		"message", m.Reason,
	)
}

// onDisconnect falls back every in-flight and parked segment and asks the
// reconnector for a new session. The breaker is left untouched.
func (o *Orchestrator) onDisconnect(ctx context.Context, cause error) {
	slog.Warn("orchestrator: peer connection lost",
		"session_id", o.sess.ID,
		"epoch", o.sess.Epoch,
		"in_flight", o.tracker.InFlight(),
		"err", cause,
	)
	o.connected = false
	o.conn = nil

	for _, r := range o.tracker.ResolveAll(fragment.Outcome{Status: fragment.StatusDisconnected}) {
		if r.Fragment.ID == o.probeID {
			o.breaker.ReleaseProbe()
			o.probeID = ""
		}
		o.endSpan(r, cause)
		o.fallbackFragment(ctx, r.Fragment, audio.FallbackDisconnected)
	}
	o.metrics.FragmentsInFlight.Record(ctx, 0)
	o.flushPending(ctx, audio.FallbackDisconnected)
	o.tracker.Bind(nil)
	o.reconnector.NotifyDisconnect()
}

func (o *Orchestrator) onSweep(ctx context.Context) {
	for _, r := range o.tracker.Sweep() {
		o.recordInFlight(ctx)
		o.recordOutcome(r.Fragment.ID, resilience.RetryableFailure)
		o.metrics.FragmentsTimedOut.Add(ctx, 1)
		o.endSpan(r, errTimedOut)
		slog.Warn("orchestrator: fragment timed out",
			"fragment_id", r.Fragment.ID,
			"sequence", r.Fragment.Sequence,
			"age", r.Latency,
			"breaker", o.breaker.State().String(),
		)
		o.fallbackFragment(ctx, r.Fragment, audio.FallbackTimeout)
	}
}

// recordOutcome feeds the breaker. While half-open, only the probe's own
// outcome counts; late results of earlier fragments are ignored.
func (o *Orchestrator) recordOutcome(fragmentID string, outcome resilience.Outcome) {
	isProbe := fragmentID != "" && fragmentID == o.probeID
	if o.breaker.State() == resilience.StateHalfOpen && !isProbe {
		return
	}
	if isProbe {
		o.probeID = ""
	}
	o.breaker.Record(outcome)
}

func (o *Orchestrator) recordInFlight(ctx context.Context) {
	o.metrics.FragmentsInFlight.Record(ctx, int64(o.tracker.InFlight()))
}

func (o *Orchestrator) endSpan(r fragment.Resolution, err error) {
	span, ok := o.spans[r.Fragment.ID]
	if !ok {
		return
	}
	delete(o.spans, r.Fragment.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, r.Outcome.Status.String())
	}
	span.End()
}
