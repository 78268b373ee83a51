// Package protocol implements the event-stream wire protocol spoken between
// the stream worker and the remote speech-translation peer.
//
// Every frame is one [Message] envelope discriminated by [Message.Type]. The
// worker sends session-init and fragment-send; the peer answers with
// session-ready, fragment-ack and fragment-result, and may push backpressure
// and error messages at any time.
//
// Frames are encoded by a [Codec] (JSON text frames or msgpack binary
// frames) and carried over a WebSocket by [Client]. Durations travel as
// integer milliseconds.
package protocol

import (
	"time"
)

// Type discriminates wire messages.
type Type string

const (
	TypeSessionInit    Type = "session-init"
	TypeSessionReady   Type = "session-ready"
	TypeFragmentSend   Type = "fragment-send"
	TypeFragmentAck    Type = "fragment-ack"
	TypeFragmentResult Type = "fragment-result"
	TypeBackpressure   Type = "backpressure"
	TypeError          Type = "error"
)

// Result statuses carried by fragment-result.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// AckQueued is the only status the peer sends with fragment-ack.
const AckQueued = "queued"

// Backpressure actions and severities as they appear on the wire.
const (
	ActionNone     = "none"
	ActionSlowDown = "slow_down"
	ActionPause    = "pause"

	SeverityNone   = "none"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// SessionConfig is the payload of session-init.
type SessionConfig struct {
	StreamID       string `json:"stream_id,omitempty" msgpack:"stream_id,omitempty"`
	SourceLanguage string `json:"source_language,omitempty" msgpack:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty" msgpack:"target_language,omitempty"`
	Voice          string `json:"voice,omitempty" msgpack:"voice,omitempty"`
	Codec          string `json:"codec,omitempty" msgpack:"codec,omitempty"`
}

// ErrorDetail describes a failed fragment-result.
type ErrorDetail struct {
	Code      Code   `json:"code" msgpack:"code"`
	Message   string `json:"message,omitempty" msgpack:"message,omitempty"`
	Retryable bool   `json:"retryable" msgpack:"retryable"`
}

// Message is the envelope for every frame. Only the fields relevant to Type
// are populated.
type Message struct {
	Type Type `json:"type" msgpack:"type"`

	// session-init
	Config *SessionConfig `json:"config,omitempty" msgpack:"config,omitempty"`

	// session-ready
	SessionID    string   `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	MaxInFlight  int      `json:"max_in_flight,omitempty" msgpack:"max_in_flight,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" msgpack:"capabilities,omitempty"`

	// fragment-send, fragment-ack, fragment-result
	FragmentID  string `json:"fragment_id,omitempty" msgpack:"fragment_id,omitempty"`
	Sequence    int64  `json:"sequence_number,omitempty" msgpack:"sequence_number,omitempty"`
	Audio       []byte `json:"audio,omitempty" msgpack:"audio,omitempty"`
	TimestampMS int64  `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Status      string `json:"status,omitempty" msgpack:"status,omitempty"`

	// fragment-result with status failed
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// backpressure; Severity is shared with error
	Severity           string `json:"severity,omitempty" msgpack:"severity,omitempty"`
	Action             string `json:"action,omitempty" msgpack:"action,omitempty"`
	RecommendedDelayMS int64  `json:"recommended_delay,omitempty" msgpack:"recommended_delay,omitempty"`

	// error
	Code      Code   `json:"code,omitempty" msgpack:"code,omitempty"`
	Reason    string `json:"message,omitempty" msgpack:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty" msgpack:"retryable,omitempty"`
}

// Outbound payloads. Contract fields carry no omitempty so that zero values,
// such as the first sequence number of a session, stay on the wire.
type (
	sessionInitFrame struct {
		Type   Type          `json:"type" msgpack:"type"`
		Config SessionConfig `json:"config" msgpack:"config"`
	}

	fragmentSendFrame struct {
		Type        Type   `json:"type" msgpack:"type"`
		FragmentID  string `json:"fragment_id" msgpack:"fragment_id"`
		Sequence    int64  `json:"sequence_number" msgpack:"sequence_number"`
		Audio       []byte `json:"audio" msgpack:"audio"`
		TimestampMS int64  `json:"timestamp" msgpack:"timestamp"`
	}

	errorFrame struct {
		Type       Type   `json:"type" msgpack:"type"`
		FragmentID string `json:"fragment_id,omitempty" msgpack:"fragment_id,omitempty"`
		Code       Code   `json:"code" msgpack:"code"`
		Reason     string `json:"message" msgpack:"message"`
		Severity   string `json:"severity,omitempty" msgpack:"severity,omitempty"`
		Retryable  bool   `json:"retryable" msgpack:"retryable"`
	}
)

// frame returns the value a codec encodes for m. Types without a dedicated
// payload are encoded as the envelope itself.
func (m Message) frame() any {
	switch m.Type {
	case TypeSessionInit:
		f := sessionInitFrame{Type: m.Type}
		if m.Config != nil {
			f.Config = *m.Config
		}
		return f
	case TypeFragmentSend:
		return fragmentSendFrame{
			Type:        m.Type,
			FragmentID:  m.FragmentID,
			Sequence:    m.Sequence,
			Audio:       m.Audio,
			TimestampMS: m.TimestampMS,
		}
	case TypeError:
		return errorFrame{
			Type:       m.Type,
			FragmentID: m.FragmentID,
			Code:       m.Code,
			Reason:     m.Reason,
			Severity:   m.Severity,
			Retryable:  m.Retryable,
		}
	default:
		return m
	}
}

// SessionInit builds a session-init message.
func SessionInit(cfg SessionConfig) Message {
	return Message{Type: TypeSessionInit, Config: &cfg}
}

// FragmentSend builds a fragment-send message.
func FragmentSend(id string, seq int64, audio []byte, ts time.Duration) Message {
	return Message{
		Type:        TypeFragmentSend,
		FragmentID:  id,
		Sequence:    seq,
		Audio:       audio,
		TimestampMS: ts.Milliseconds(),
	}
}

// RecommendedDelay returns the backpressure delay as a duration.
func (m Message) RecommendedDelay() time.Duration {
	return time.Duration(m.RecommendedDelayMS) * time.Millisecond
}

// Timestamp returns the fragment timestamp as a duration.
func (m Message) Timestamp() time.Duration {
	return time.Duration(m.TimestampMS) * time.Millisecond
}
