// Package segmenter turns a continuous audio feed into speech-bounded segments.
//
// The [Segmenter] is a pure state machine driven entirely by stream time: it
// never reads the wall clock. Raw chunks are appended to an accumulator via
// [Segmenter.PushChunk]; periodic loudness measurements fed through
// [Segmenter.PushLoudness] drive the voice-activity states:
//
//	               loudness < threshold
//	Accumulating ───────────────────────▶ InSilence
//	     ▲                                   │
//	     │ loudness ≥ threshold              │ silence ≥ SilenceDuration
//	     └───────────────────────────────────┤   and buffered ≥ MinSegment
//	                                         ▼
//	                                   emit "silence"
//
// Byte and duration ceilings force emission regardless of state. A Segmenter
// is not safe for concurrent use; the orchestrator owns it from a single
// goroutine.
package segmenter

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/streamdub/pkg/audio"
)

// Loudness values outside this range indicate a broken analyser.
const (
	MinLoudnessDB = -100.0
	MaxLoudnessDB = 0.0
)

// ErrSegmentation is the parent of every fatal segmentation error. Callers
// use errors.Is(err, ErrSegmentation) to classify the failure as an upstream
// malfunction that must not be retried.
var ErrSegmentation = errors.New("segmentation malfunction")

var (
	// ErrInvalidLoudness is returned after too many consecutive out-of-range
	// loudness samples.
	ErrInvalidLoudness = fmt.Errorf("%w: loudness analyser produced invalid samples", ErrSegmentation)

	// ErrAnalyzerStalled is returned when audio keeps flowing but no valid
	// loudness sample has arrived within the stall timeout.
	ErrAnalyzerStalled = fmt.Errorf("%w: loudness analyser stalled", ErrSegmentation)
)

// State is the voice-activity state of a [Segmenter].
type State int

const (
	// StateAccumulating is the default state: audio is buffered and no
	// silence run is in progress.
	StateAccumulating State = iota

	// StateInSilence means the most recent valid loudness sample was below
	// the silence threshold.
	StateInSilence
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateInSilence:
		return "in_silence"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Segmenter]. Zero-value fields are replaced
// with defaults by [New].
type Config struct {
	// SilenceThresholdDB is the loudness below which audio counts as silence.
	// Default: -50.
	SilenceThresholdDB float64

	// SilenceDuration is how long silence must last before a segment is cut.
	// Default: 1s.
	SilenceDuration time.Duration

	// MinSegmentDuration is the shortest segment emitted on silence or end of
	// stream. Default: 1s.
	MinSegmentDuration time.Duration

	// MaxSegmentDuration forces emission once reached. Default: 15s.
	MaxSegmentDuration time.Duration

	// MaxBufferBytes forces emission once the accumulator holds this many
	// bytes. Default: 10 MiB.
	MaxBufferBytes int

	// MaxInvalidLoudness is the number of consecutive invalid loudness samples
	// tolerated before [ErrInvalidLoudness]. Default: 10.
	MaxInvalidLoudness int

	// StallTimeout is the stream-time gap without a valid loudness sample after
	// which [ErrAnalyzerStalled] is raised. Default: 5s.
	StallTimeout time.Duration

	// OnDeferral, if set, is called when a silence run completes but the
	// accumulator is still shorter than MinSegmentDuration.
	OnDeferral func()

	// OnInvalidLoudness, if set, is called for every discarded sample.
	OnInvalidLoudness func(audio.LoudnessSample)
}

// Defaults.
const (
	DefaultSilenceThresholdDB = -50.0
	DefaultSilenceDuration    = 1 * time.Second
	DefaultMinSegment         = 1 * time.Second
	DefaultMaxSegment         = 15 * time.Second
	DefaultMaxBufferBytes     = 10 << 20
	DefaultMaxInvalid         = 10
	DefaultStallTimeout       = 5 * time.Second
)

// Stats is a point-in-time view of the accumulator, used for gauges.
type Stats struct {
	State               State
	AccumulatedBytes    int
	AccumulatedDuration time.Duration
	Deferrals           int
	InvalidStreak       int
}

// Segmenter implements the voice-activity segmentation state machine.
type Segmenter struct {
	cfg Config

	state        State
	silenceStart time.Duration
	deferred     bool

	buf     []byte
	start   time.Duration
	dur     time.Duration
	hasData bool

	invalidStreak int
	lastValid     time.Duration
	haveValid     bool
	firstChunk    time.Duration
	sawChunk      bool
	deferrals     int

	fatal error
}

// New creates a [Segmenter]. Zero-value config fields are replaced with
// defaults.
func New(cfg Config) *Segmenter {
	if cfg.SilenceThresholdDB == 0 {
		cfg.SilenceThresholdDB = DefaultSilenceThresholdDB
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = DefaultSilenceDuration
	}
	if cfg.MinSegmentDuration <= 0 {
		cfg.MinSegmentDuration = DefaultMinSegment
	}
	if cfg.MaxSegmentDuration <= 0 {
		cfg.MaxSegmentDuration = DefaultMaxSegment
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if cfg.MaxInvalidLoudness <= 0 {
		cfg.MaxInvalidLoudness = DefaultMaxInvalid
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	return &Segmenter{cfg: cfg, state: StateAccumulating}
}

// Config returns the effective configuration after defaults.
func (s *Segmenter) Config() Config { return s.cfg }

// State returns the current voice-activity state.
func (s *Segmenter) State() State { return s.state }

// Stats returns a snapshot of the accumulator.
func (s *Segmenter) Stats() Stats {
	return Stats{
		State:               s.state,
		AccumulatedBytes:    len(s.buf),
		AccumulatedDuration: s.dur,
		Deferrals:           s.deferrals,
		InvalidStreak:       s.invalidStreak,
	}
}

// PushChunk appends c to the accumulator and returns any segments forced out
// by the duration or memory ceilings. Once a fatal error has been returned,
// every later call returns it again.
func (s *Segmenter) PushChunk(c audio.Chunk) ([]audio.Segment, error) {
	if s.fatal != nil {
		return nil, s.fatal
	}

	if !s.sawChunk {
		s.sawChunk = true
		s.firstChunk = c.Timestamp
	}
	ref := s.firstChunk
	if s.haveValid {
		ref = s.lastValid
	}
	if gap := c.Timestamp - ref; gap > s.cfg.StallTimeout {
		s.fatal = ErrAnalyzerStalled
		slog.Error("segmenter: no valid loudness sample",
			"gap", gap,
			"stall_timeout", s.cfg.StallTimeout,
		)
		return nil, s.fatal
	}

	var out []audio.Segment

	// Cut before appending when the chunk would overshoot the ceiling, so that
	// duration never exceeds MaxSegmentDuration.
	if s.hasData && s.dur+c.Duration > s.cfg.MaxSegmentDuration {
		out = append(out, s.emit(audio.TriggerMaxDuration))
	}

	if !s.hasData {
		s.start = c.Timestamp
		s.hasData = true
	}
	s.buf = append(s.buf, c.Data...)
	s.dur += c.Duration

	switch {
	case len(s.buf) >= s.cfg.MaxBufferBytes:
		out = append(out, s.emit(audio.TriggerMemoryLimit))
	case s.dur >= s.cfg.MaxSegmentDuration:
		if s.dur > s.cfg.MaxSegmentDuration {
			slog.Warn("segmenter: single chunk exceeds max segment duration",
				"chunk_duration", c.Duration,
				"max", s.cfg.MaxSegmentDuration,
			)
		}
		out = append(out, s.emit(audio.TriggerMaxDuration))
	}
	return out, nil
}

// PushLoudness feeds one loudness measurement into the state machine and
// returns the segment cut by a completed silence run, if any.
func (s *Segmenter) PushLoudness(l audio.LoudnessSample) ([]audio.Segment, error) {
	if s.fatal != nil {
		return nil, s.fatal
	}

	if math.IsNaN(l.DB) || l.DB < MinLoudnessDB || l.DB > MaxLoudnessDB {
		s.invalidStreak++
		if s.cfg.OnInvalidLoudness != nil {
			s.cfg.OnInvalidLoudness(l)
		}
		slog.Warn("segmenter: discarding invalid loudness sample",
			"db", l.DB,
			"timestamp", l.Timestamp,
			"streak", s.invalidStreak,
		)
		if s.invalidStreak >= s.cfg.MaxInvalidLoudness {
			s.fatal = ErrInvalidLoudness
			return nil, s.fatal
		}
		return nil, nil
	}

	s.invalidStreak = 0
	s.lastValid = l.Timestamp
	s.haveValid = true

	if l.DB >= s.cfg.SilenceThresholdDB {
		if s.state == StateInSilence {
			s.state = StateAccumulating
			s.deferred = false
		}
		return nil, nil
	}

	switch s.state {
	case StateAccumulating:
		s.state = StateInSilence
		s.silenceStart = l.Timestamp
		s.deferred = false
		return nil, nil

	case StateInSilence:
		if l.Timestamp-s.silenceStart < s.cfg.SilenceDuration {
			return nil, nil
		}
		if s.hasData && s.dur >= s.cfg.MinSegmentDuration {
			return []audio.Segment{s.emit(audio.TriggerSilence)}, nil
		}
		if !s.deferred {
			s.deferred = true
			s.deferrals++
			if s.cfg.OnDeferral != nil {
				s.cfg.OnDeferral()
			}
			slog.Debug("segmenter: silence reached but segment too short, deferring",
				"accumulated", s.dur,
				"min", s.cfg.MinSegmentDuration,
			)
		}
	}
	return nil, nil
}

// Flush ends the stream. It returns the remaining audio as an end-of-stream
// segment when it is at least MinSegmentDuration long; shorter remainders are
// discarded. The segmenter is reset and may be reused.
func (s *Segmenter) Flush() (audio.Segment, bool) {
	if !s.hasData || s.dur < s.cfg.MinSegmentDuration {
		if s.hasData {
			slog.Debug("segmenter: discarding short remainder at end of stream",
				"accumulated", s.dur,
			)
		}
		s.reset()
		return audio.Segment{}, false
	}
	return s.emit(audio.TriggerEOS), true
}

// emit hands out the accumulator as a segment and resets to Accumulating.
func (s *Segmenter) emit(trigger audio.Trigger) audio.Segment {
	seg := audio.Segment{
		Data:      s.buf,
		StartTime: s.start,
		Duration:  s.dur,
		Trigger:   trigger,
	}
	s.reset()
	return seg
}

// reset clears the accumulator. The buffer is not reused because the emitted
// segment still references it.
func (s *Segmenter) reset() {
	s.buf = nil
	s.start = 0
	s.dur = 0
	s.hasData = false
	s.state = StateAccumulating
	s.deferred = false
}
