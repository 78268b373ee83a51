// Package session models a connection epoch with the remote translation peer
// and owns the transport lifecycle: the session-init handshake and the
// [Reconnector] that re-establishes a fresh [Session] after the transport drops.
package session

import (
	"time"
)

// Session is one continuous, authenticated connection epoch with the remote
// peer. A Session is never resumed: every successful (re)connection creates a
// new one whose sequence numbering starts at zero.
//
// Session is not safe for concurrent use; it is owned by the orchestrator's
// event loop (and read by the fragment tracker under that loop).
type Session struct {
	// ID is the peer-assigned session identifier.
	ID string

	// MaxInFlight is the peer-advertised concurrency limit.
	MaxInFlight int

	// Capabilities lists optional features advertised by the peer.
	Capabilities []string

	// Epoch counts sessions established by this worker, starting at 1.
	Epoch int

	// EstablishedAt records when the handshake completed.
	EstablishedAt time.Time

	nextSequence int64
}

// New creates a Session with sequence numbering at zero.
func New(id string, maxInFlight int, capabilities []string, epoch int) *Session {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Session{
		ID:            id,
		MaxInFlight:   maxInFlight,
		Capabilities:  capabilities,
		Epoch:         epoch,
		EstablishedAt: time.Now(),
	}
}

// NextSequence returns the next sequence number and advances the counter.
func (s *Session) NextSequence() int64 {
	n := s.nextSequence
	s.nextSequence++
	return n
}

// PeekSequence returns the sequence number the next fragment will receive.
func (s *Session) PeekSequence() int64 {
	return s.nextSequence
}

// HasCapability reports whether the peer advertised name.
func (s *Session) HasCapability(name string) bool {
	for _, c := range s.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
