// Package mock provides test doubles for the protocol package interfaces.
//
// Use Conn to script inbound peer messages and inspect what the worker sent.
// Use Dialer to hand out a scripted sequence of connections and dial errors.
//
// Example:
//
//	conn := mock.NewConn()
//	conn.OnSend = mock.ReadyOnInit("sess-1", 4)
//	d := &mock.Dialer{Script: []mock.DialResult{{Conn: conn}}}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/streamdub/pkg/protocol"
)

var (
	_ protocol.Conn   = (*Conn)(nil)
	_ protocol.Dialer = (*Dialer)(nil)
)

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock implementation of [protocol.Conn].
type Conn struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// OnSend, if set, is called after every successful Send with the lock
	// released. It may call Push to script a reply.
	OnSend func(c *Conn, m protocol.Message)

	// Sent records every message passed to Send in order.
	Sent []protocol.Message

	// CloseCalls counts Close invocations.
	CloseCalls int

	events chan protocol.Message
	err    error
	ended  bool
	notify chan struct{}
}

// NewConn returns a Conn with a buffered event channel.
func NewConn() *Conn {
	return &Conn{events: make(chan protocol.Message, 64)}
}

// Send records m and returns SendErr.
func (c *Conn) Send(_ context.Context, m protocol.Message) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return protocol.ErrClosed
	}
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return err
	}
	c.Sent = append(c.Sent, m)
	hook := c.OnSend
	ch := c.notify
	c.mu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	if hook != nil {
		hook(c, m)
	}
	return nil
}

// Events implements [protocol.Conn].
func (c *Conn) Events() <-chan protocol.Message { return c.events }

// Err implements [protocol.Conn].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection without an error.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CloseCalls++
	c.mu.Unlock()
	c.end(nil)
	return nil
}

// Push delivers m as an inbound message. It is a no-op after the connection
// ended.
func (c *Conn) Push(m protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.events <- m
}

// Drop simulates an unexpected transport loss with err.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = errors.New("mock: connection reset")
	}
	c.end(err)
}

func (c *Conn) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.events)
}

// SentMessages returns a copy of the recorded messages.
func (c *Conn) SentMessages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.Sent))
	copy(out, c.Sent)
	return out
}

// SentOfType returns the recorded messages of type t.
func (c *Conn) SentOfType(t protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, m := range c.SentMessages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Closes returns the number of Close invocations.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCalls
}

// NotifySend returns a channel that receives a value (best effort) after
// every successful Send.
func (c *Conn) NotifySend() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notify == nil {
		c.notify = make(chan struct{}, 16)
	}
	return c.notify
}

// ReadyOnInit returns an OnSend hook that answers session-init with a
// session-ready carrying sessionID and maxInFlight.
func ReadyOnInit(sessionID string, maxInFlight int) func(*Conn, protocol.Message) {
	return func(c *Conn, m protocol.Message) {
		if m.Type != protocol.TypeSessionInit {
			return
		}
		c.Push(protocol.Message{
			Type:        protocol.TypeSessionReady,
			SessionID:   sessionID,
			MaxInFlight: maxInFlight,
		})
	}
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// DialResult is one scripted outcome of Dialer.Dial.
type DialResult struct {
	Conn *Conn
	Err  error
}

// Dialer is a mock implementation of [protocol.Dialer]. Each Dial consumes
// the next Script entry; once Script is exhausted, Dial returns DefaultErr or,
// if that is nil, a fresh Conn built by NewConn with ReadyOnInit.
type Dialer struct {
	mu sync.Mutex

	Script     []DialResult
	DefaultErr error

	// DialCalls counts Dial invocations.
	DialCalls int
}

// Dial implements [protocol.Dialer].
func (d *Dialer) Dial(ctx context.Context) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls++
	if len(d.Script) > 0 {
		r := d.Script[0]
		d.Script = d.Script[1:]
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Conn, nil
	}
	if d.DefaultErr != nil {
		return nil, d.DefaultErr
	}
	c := NewConn()
	c.OnSend = ReadyOnInit("mock-session", 4)
	return c, nil
}

// Calls returns the number of Dial invocations.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DialCalls
}
