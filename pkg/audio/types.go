package audio

import "time"

// Chunk is a slice of raw audio delivered by the media collaborator. Chunks are
// the atomic unit of audio input; the segmenter concatenates them into
// [Segment] values.
type Chunk struct {
	// Data holds the encoded or PCM audio bytes. The segmenter treats it as
	// opaque.
	Data []byte

	// Timestamp is the presentation timestamp of the chunk, relative to stream
	// start.
	Timestamp time.Duration

	// Duration is the playback length of Data.
	Duration time.Duration
}

// LoudnessSample is a periodic RMS loudness measurement produced by an audio
// analyser running alongside the capture pipeline.
type LoudnessSample struct {
	// DB is the measured loudness in dBFS. Valid values lie in [-100, 0].
	DB float64

	// Timestamp is the stream time the measurement refers to.
	Timestamp time.Duration
}

// Trigger names the condition that caused a [Segment] to be emitted.
type Trigger string

const (
	// TriggerSilence fires when a pause of at least the configured silence
	// duration follows enough accumulated audio.
	TriggerSilence Trigger = "silence"

	// TriggerMaxDuration fires when the accumulator reaches the maximum
	// segment duration.
	TriggerMaxDuration Trigger = "max_duration"

	// TriggerMemoryLimit fires when the accumulator reaches its byte ceiling.
	TriggerMemoryLimit Trigger = "memory_limit"

	// TriggerEOS fires when the stream ends with enough audio buffered.
	TriggerEOS Trigger = "eos"
)

// Segment is a speech-bounded run of audio emitted by the segmenter. A Segment
// is immutable once emitted.
type Segment struct {
	// Data is the concatenation of every chunk in the segment.
	Data []byte

	// StartTime is the timestamp of the first chunk, relative to stream start.
	StartTime time.Duration

	// Duration is the cumulative duration of the chunks.
	Duration time.Duration

	// Trigger records why the segment was emitted.
	Trigger Trigger
}

// End returns the stream time at which the segment ends.
func (s Segment) End() time.Duration {
	return s.StartTime + s.Duration
}
