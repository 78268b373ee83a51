package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Defaults for [PCMSource].
const (
	DefaultSampleRate    = 16000
	DefaultChunkDuration = 20 * time.Millisecond
)

// PCMSourceConfig configures a [PCMSource].
type PCMSourceConfig struct {
	// SampleRate of the mono PCM16 input in Hz. Default: 16000.
	SampleRate int

	// ChunkDuration is the playback length of each chunk. Default: 20ms.
	ChunkDuration time.Duration

	// Realtime paces chunk delivery to wall-clock time.
	Realtime bool

	// Buffer is the chunk channel capacity. Default: 16.
	Buffer int
}

// PCMSource reads raw mono little-endian PCM16 from an [io.Reader] and
// delivers it as fixed-length chunks. It has no analyser of its own; its
// loudness channel is nil.
type PCMSource struct {
	r          io.Reader
	chunkBytes int
	bytesPerMS float64
	chunkDur   time.Duration
	realtime   bool
	chunks     chan Chunk
	once       sync.Once
}

// NewPCMSource creates a [PCMSource] reading from r. Call [PCMSource.Run] to
// start delivery.
func NewPCMSource(r io.Reader, cfg PCMSourceConfig) *PCMSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = DefaultChunkDuration
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	samples := int(int64(cfg.SampleRate) * int64(cfg.ChunkDuration) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return &PCMSource{
		r:          r,
		chunkBytes: samples * 2,
		bytesPerMS: float64(cfg.SampleRate*2) / 1000,
		chunkDur:   cfg.ChunkDuration,
		realtime:   cfg.Realtime,
		chunks:     make(chan Chunk, cfg.Buffer),
	}
}

// Chunks implements [Source].
func (s *PCMSource) Chunks() <-chan Chunk { return s.chunks }

// Loudness implements [Source]. It always returns nil.
func (s *PCMSource) Loudness() <-chan LoudnessSample { return nil }

// Run reads r until EOF or ctx is done and closes the chunk channel. A short
// final read is delivered with a proportionally shorter duration. Read
// failures other than EOF are returned.
func (s *PCMSource) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.chunks) })

	start := time.Now()
	var ts time.Duration
	for {
		buf := make([]byte, s.chunkBytes)
		n, err := io.ReadFull(s.r, buf)
		n -= n % 2
		if n > 0 {
			c := Chunk{
				Data:      buf[:n],
				Timestamp: ts,
				Duration:  s.chunkDur,
			}
			if n < s.chunkBytes {
				c.Duration = time.Duration(float64(n) / s.bytesPerMS * float64(time.Millisecond))
			}
			if s.realtime {
				if err := sleepUntil(ctx, start.Add(ts)); err != nil {
					return nil
				}
			}
			select {
			case s.chunks <- c:
			case <-ctx.Done():
				return nil
			}
			ts += c.Duration
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			slog.Info("pcm source: end of input", "duration", ts)
			return nil
		default:
			return fmt.Errorf("audio: read pcm: %w", err)
		}
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Source = (*PCMSource)(nil)

// WriterSink writes the published audio of every segment to an [io.Writer]
// in emission order. Epoch markers are logged, not written.
type WriterSink struct {
	mu         sync.Mutex
	w          io.Writer
	segments   int
	translated int
}

// NewWriterSink creates a [WriterSink] on w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit implements [Sink].
func (s *WriterSink) Emit(_ context.Context, out Output) error {
	if out.Kind == OutputEpochStart {
		slog.Info("sink: new peer session",
			"session_id", out.SessionID,
			"epoch", out.Epoch,
		)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(out.Audio); err != nil {
		return fmt.Errorf("audio: write output: %w", err)
	}
	s.segments++
	if out.Translated {
		s.translated++
	}
	return nil
}

// Counts returns the number of segments written and how many of them carried
// translated audio.
func (s *WriterSink) Counts() (segments, translated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments, s.translated
}

var _ Sink = (*WriterSink)(nil)
