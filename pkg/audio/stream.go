// Package audio defines the media-side types and collaborator interfaces of the
// stream worker.
//
// The two primary abstractions are:
//
//   - [Source]: the capture/demux side. It delivers raw [Chunk] values and,
//     on a separate channel, periodic [LoudnessSample] measurements.
//   - [Sink]: the mux/publish side. It receives one [Output] per emitted
//     segment, carrying either translated or original (fallback) audio.
//
// The media pipeline normally implements both outside this module.
// [PCMSource] and [WriterSink] adapt raw PCM streams for standalone use.
package audio

import (
	"context"
)

// Source delivers the live audio feed.
//
// Both channels are closed by the implementation when the stream ends. A
// Source that has no analyser of its own may return a nil loudness channel;
// callers then derive loudness with a [LoudnessMeter].
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Chunks returns the channel of raw audio chunks in presentation order.
	Chunks() <-chan Chunk

	// Loudness returns the channel of periodic loudness measurements, or nil.
	Loudness() <-chan LoudnessSample
}

// OutputKind distinguishes segment payloads from session boundary markers.
type OutputKind int

const (
	// OutputSegment carries one segment paired with its resolved audio.
	OutputSegment OutputKind = iota

	// OutputEpochStart marks the beginning of a new peer session. Sequence
	// numbers on subsequent outputs restart at zero.
	OutputEpochStart
)

// String returns the human-readable name of the kind.
func (k OutputKind) String() string {
	switch k {
	case OutputSegment:
		return "segment"
	case OutputEpochStart:
		return "epoch_start"
	default:
		return "unknown"
	}
}

// FallbackReason explains why an [Output] carries original audio.
type FallbackReason string

const (
	FallbackNone         FallbackReason = ""
	FallbackBreakerOpen  FallbackReason = "breaker_open"
	FallbackBackpressure FallbackReason = "backpressure"
	FallbackAtCapacity   FallbackReason = "at_capacity"
	FallbackDisconnected FallbackReason = "disconnected"
	FallbackTimeout      FallbackReason = "timeout"
	FallbackFailed       FallbackReason = "failed"
	FallbackSendError    FallbackReason = "send_error"
	FallbackShutdown     FallbackReason = "shutdown"
)

// Output is the unit handed to the downstream muxer.
type Output struct {
	Kind OutputKind

	// Segment is the original segment. Zero for epoch markers.
	Segment Segment

	// Audio is the audio to publish for Segment: the translated audio when
	// Translated is true, otherwise Segment.Data.
	Audio []byte

	// Translated reports whether Audio came from the remote peer.
	Translated bool

	// Fallback is set when Translated is false.
	Fallback FallbackReason

	// SessionID and Epoch identify the peer session the segment was sent on.
	// Epoch increments on every successful (re)connection.
	SessionID string
	Epoch     int

	// Sequence is the per-session sequence number, or -1 when the segment
	// never reached the wire.
	Sequence int64
}

// Sink accepts orchestrator output. Emit must not block for long: it is
// called from the orchestrator's event loop.
type Sink interface {
	Emit(ctx context.Context, out Output) error
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ctx context.Context, out Output) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, out Output) error {
	return f(ctx, out)
}

// Fallback builds an [Output] that pairs seg with its own audio.
func Fallback(seg Segment, reason FallbackReason) Output {
	return Output{
		Kind:     OutputSegment,
		Segment:  seg,
		Audio:    seg.Data,
		Fallback: reason,
		Sequence: -1,
	}
}
