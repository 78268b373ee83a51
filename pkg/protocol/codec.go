package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes [Message] frames.
type Codec interface {
	// Name is the identifier used in configuration ("json", "msgpack").
	Name() string

	// Binary reports whether frames are binary rather than text.
	Binary() bool

	Marshal(m Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
}

// JSON encodes frames as JSON text. Audio is base64 encoded.
type JSON struct{}

// Name implements [Codec].
func (JSON) Name() string { return "json" }

// Binary implements [Codec].
func (JSON) Binary() bool { return false }

// Marshal implements [Codec].
func (JSON) Marshal(m Message) ([]byte, error) {
	data, err := json.Marshal(m.frame())
	if err != nil {
		return nil, fmt.Errorf("protocol: json marshal %s: %w", m.Type, err)
	}
	return data, nil
}

// Unmarshal implements [Codec].
func (JSON) Unmarshal(data []byte, m *Message) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("protocol: json unmarshal: %w", err)
	}
	return nil
}

// Msgpack encodes frames as msgpack binary. Audio travels as native bin.
type Msgpack struct{}

// Name implements [Codec].
func (Msgpack) Name() string { return "msgpack" }

// Binary implements [Codec].
func (Msgpack) Binary() bool { return true }

// Marshal implements [Codec].
func (Msgpack) Marshal(m Message) ([]byte, error) {
	data, err := msgpack.Marshal(m.frame())
	if err != nil {
		return nil, fmt.Errorf("protocol: msgpack marshal %s: %w", m.Type, err)
	}
	return data, nil
}

// Unmarshal implements [Codec].
func (Msgpack) Unmarshal(data []byte, m *Message) error {
	if err := msgpack.Unmarshal(data, m); err != nil {
		return fmt.Errorf("protocol: msgpack unmarshal: %w", err)
	}
	return nil
}

// CodecByName returns the codec registered under name. An empty name selects
// JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown codec %q", name)
	}
}
