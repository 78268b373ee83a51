// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. Sink records every emitted output so
// that tests can assert on them; Source exposes buffered channels the test
// writes to directly.
//
// Typical usage:
//
//	src := mock.NewSource(64)
//	sink := &mock.Sink{}
//	src.ChunkCh <- audio.Chunk{...}
//	close(src.ChunkCh)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/streamdub/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Tests push values into
// ChunkCh and LoudnessCh and close them to signal end of stream.
type Source struct {
	ChunkCh    chan audio.Chunk
	LoudnessCh chan audio.LoudnessSample
}

// NewSource returns a Source with both channels buffered to size.
func NewSource(size int) *Source {
	return &Source{
		ChunkCh:    make(chan audio.Chunk, size),
		LoudnessCh: make(chan audio.LoudnessSample, size),
	}
}

// Chunks implements [audio.Source].
func (s *Source) Chunks() <-chan audio.Chunk { return s.ChunkCh }

// Loudness implements [audio.Source]. Returns nil when LoudnessCh is nil.
func (s *Source) Loudness() <-chan audio.LoudnessSample {
	if s.LoudnessCh == nil {
		return nil
	}
	return s.LoudnessCh
}

var _ audio.Source = (*Source)(nil)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// EmitErr, if non-nil, is returned by every Emit call.
	EmitErr error

	// Outputs records every emitted output in order.
	Outputs []audio.Output

	notify chan struct{}
}

// Emit records out and returns EmitErr.
func (s *Sink) Emit(_ context.Context, out audio.Output) error {
	s.mu.Lock()
	s.Outputs = append(s.Outputs, out)
	ch := s.notify
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return s.EmitErr
}

// Notify returns a channel that receives a value (best effort) after every
// Emit. Useful for tests that wait for asynchronous output.
func (s *Sink) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{}, 1)
	}
	return s.notify
}

// Snapshot returns a copy of the recorded outputs.
func (s *Sink) Snapshot() []audio.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Output, len(s.Outputs))
	copy(out, s.Outputs)
	return out
}

// Segments returns only the segment outputs, skipping epoch markers.
func (s *Sink) Segments() []audio.Output {
	var out []audio.Output
	for _, o := range s.Snapshot() {
		if o.Kind == audio.OutputSegment {
			out = append(out, o)
		}
	}
	return out
}

var _ audio.Sink = (*Sink)(nil)
