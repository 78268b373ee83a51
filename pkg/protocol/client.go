package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	_ Dialer = (*Client)(nil)
	_ Conn   = (*wsConn)(nil)
)

const (
	defaultSendTimeout = 5 * time.Second
	defaultSendQueue   = 64
	defaultEventBuffer = 64
	defaultReadLimit   = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithCodec selects the frame codec. Default: [JSON].
func WithCodec(c Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithAPIKey sets the bearer token sent on the upgrade request.
func WithAPIKey(key string) Option {
	return func(cl *Client) { cl.apiKey = key }
}

// WithSendTimeout bounds each write. A write that exceeds it drops the
// connection. Default: 5s.
func WithSendTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.sendTimeout = d }
}

// WithSendQueue sets how many encoded frames may wait for the writer before
// Send returns [ErrSendQueueFull]. Default: 64.
func WithSendQueue(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.sendQueue = n
		}
	}
}

// WithHTTPClient overrides the HTTP client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(cl *Client) { cl.httpClient = hc }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client dials WebSocket connections to the peer.
type Client struct {
	url         string
	apiKey      string
	codec       Codec
	sendTimeout time.Duration
	sendQueue   int
	httpClient  *http.Client
}

// NewClient creates a Client for the peer at url (ws:// or wss://).
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		codec:       JSON{},
		sendTimeout: defaultSendTimeout,
		sendQueue:   defaultSendQueue,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Codec returns the configured codec.
func (c *Client) Codec() Codec { return c.codec }

// Dial opens a new connection and starts its receive and write loops.
func (c *Client) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	header.Set("X-Stream-Codec", c.codec.Name())

	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: dial: %w", err)
	}
	ws.SetReadLimit(defaultReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &wsConn{
		ws:          ws,
		codec:       c.codec,
		sendTimeout: c.sendTimeout,
		events:      make(chan Message, defaultEventBuffer),
		out:         make(chan outFrame, c.sendQueue),
		ctx:         connCtx,
		cancel:      cancel,
	}
	go conn.receiveLoop()
	go conn.writeLoop()
	return conn, nil
}

// ── wsConn ─────────────────────────────────────────────────────────────────────

// outFrame is one encoded message waiting for the writer.
type outFrame struct {
	typ  websocket.MessageType
	data []byte
	kind Type
}

type wsConn struct {
	ws          *websocket.Conn
	codec       Codec
	sendTimeout time.Duration
	events      chan Message
	out         chan outFrame

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Send implements [Conn]. It encodes m and queues it for the writer without
// waiting on the network. A full queue yields [ErrSendQueueFull]; write
// failures surface later through Events and Err.
func (c *wsConn) Send(ctx context.Context, m Message) error {
	c.mu.Lock()
	if c.closed || c.errVal != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	data, err := c.codec.Marshal(m)
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if c.codec.Binary() {
		typ = websocket.MessageBinary
	}

	select {
	case c.out <- outFrame{typ: typ, data: data, kind: m.Type}:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s", ErrSendQueueFull, m.Type)
	}
}

// Events implements [Conn].
func (c *wsConn) Events() <-chan Message { return c.events }

// Err implements [Conn].
func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close implements [Conn].
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "worker shutting down")
	return nil
}

// receiveLoop reads frames until the connection ends. It owns events and
// closes it on exit.
func (c *wsConn) receiveLoop() {
	defer c.closeOnce.Do(func() { close(c.events) })

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			local := c.closed
			c.mu.Unlock()
			if local || c.ctx.Err() != nil {
				return
			}
			c.setErr(fmt.Errorf("protocol: read: %w", err))
			c.cancel()
			return
		}

		var m Message
		if err := c.codec.Unmarshal(data, &m); err != nil {
			slog.Warn("protocol: dropping undecodable frame", "err", err, "bytes", len(data))
			continue
		}

		select {
		case c.events <- m:
		case <-c.ctx.Done():
			return
		}
	}
}

// writeLoop drains out in order. A failed or timed-out write ends the
// connection, which the receive loop then reports through Events.
func (c *wsConn) writeLoop() {
	for {
		var f outFrame
		select {
		case f = <-c.out:
		case <-c.ctx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.sendTimeout)
		err := c.ws.Write(ctx, f.typ, f.data)
		cancel()
		if err == nil {
			continue
		}

		c.mu.Lock()
		local := c.closed
		c.mu.Unlock()
		if local || c.ctx.Err() != nil {
			return
		}
		slog.Warn("protocol: write failed, dropping connection", "type", f.kind, "err", err)
		c.setErr(fmt.Errorf("protocol: send %s: %w", f.kind, err))
		c.cancel()
		c.ws.CloseNow()
		return
	}
}

func (c *wsConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}
