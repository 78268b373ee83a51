package audio

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// SilenceFloorDB is the lowest loudness value reported by [LoudnessDB]. Digital
// silence maps here instead of -Inf.
const SilenceFloorDB = -100.0

// RMS returns the root-mean-square amplitude of little-endian int16 PCM,
// normalised to [0, 1]. A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// LoudnessDB converts the RMS of int16 PCM to dBFS, clamped to
// [SilenceFloorDB, 0].
func LoudnessDB(pcm []byte) float64 {
	rms := RMS(pcm)
	if rms <= 0 {
		return SilenceFloorDB
	}
	db := 20 * math.Log10(rms)
	if db < SilenceFloorDB {
		return SilenceFloorDB
	}
	if db > 0 {
		return 0
	}
	return db
}

// LoudnessMeter derives periodic [LoudnessSample] values from PCM16 chunks.
// It stands in for an external analyser when a [Source] provides none.
//
// The meter windows audio by stream time: every Interval of chunk duration it
// emits one sample measured over the chunks in that window.
// Create one per stream; not designed for shared use across goroutines.
type LoudnessMeter struct {
	Interval time.Duration

	window      []byte
	windowStart time.Duration
	windowLen   time.Duration
	started     bool
	warnOdd     sync.Once
}

// DefaultLoudnessInterval is the analyser interval used when
// LoudnessMeter.Interval is zero.
const DefaultLoudnessInterval = 100 * time.Millisecond

// Measure feeds c into the meter and returns any samples whose window closed.
func (m *LoudnessMeter) Measure(c Chunk) []LoudnessSample {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultLoudnessInterval
	}
	if len(c.Data)%2 != 0 {
		m.warnOdd.Do(func() {
			slog.Warn("loudness meter: odd byte count in PCM data", "bytes", len(c.Data))
		})
	}
	if !m.started {
		m.windowStart = c.Timestamp
		m.started = true
	}
	m.window = append(m.window, c.Data...)
	m.windowLen += c.Duration

	var out []LoudnessSample
	if m.windowLen >= interval {
		out = append(out, LoudnessSample{
			DB:        LoudnessDB(m.window),
			Timestamp: m.windowStart + m.windowLen,
		})
		m.window = m.window[:0]
		m.windowStart += m.windowLen
		m.windowLen = 0
	}
	return out
}
