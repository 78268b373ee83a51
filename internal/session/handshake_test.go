package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/streamdub/pkg/protocol"
	protomock "github.com/MrWong99/streamdub/pkg/protocol/mock"
)

func TestHandshake(t *testing.T) {
	tests := []struct {
		name    string
		reply   func(c *protomock.Conn)
		timeout time.Duration
		wantErr error
		wantID  string
	}{
		{
			name: "ready after unrelated traffic",
			reply: func(c *protomock.Conn) {
				c.Push(protocol.Message{Type: protocol.TypeBackpressure, Action: protocol.ActionNone})
				c.Push(protocol.Message{Type: protocol.TypeSessionReady, SessionID: "s-1", MaxInFlight: 3, Capabilities: []string{"voice_clone"}})
			},
			wantID: "s-1",
		},
		{
			name: "rejected",
			reply: func(c *protomock.Conn) {
				c.Push(protocol.Message{Type: protocol.TypeError, Code: protocol.CodeAuthFailed, Reason: "bad key"})
			},
			wantErr: ErrHandshakeRejected,
		},
		{
			name: "ready without id",
			reply: func(c *protomock.Conn) {
				c.Push(protocol.Message{Type: protocol.TypeSessionReady})
			},
			wantErr: ErrHandshakeRejected,
		},
		{
			name:    "no answer",
			reply:   func(*protomock.Conn) {},
			timeout: 20 * time.Millisecond,
			wantErr: ErrHandshakeTimeout,
		},
		{
			name:    "closed before ready",
			reply:   func(c *protomock.Conn) { c.Drop(errors.New("reset")) },
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := protomock.NewConn()
			conn.OnSend = func(c *protomock.Conn, m protocol.Message) {
				if m.Type == protocol.TypeSessionInit {
					tt.reply(c)
				}
			}

			sess, err := Handshake(t.Context(), conn, protocol.SessionConfig{StreamID: "x"}, tt.timeout, 3)
			switch {
			case tt.wantID != "":
				if err != nil {
					t.Fatalf("Handshake: %v", err)
				}
				if sess.ID != tt.wantID || sess.Epoch != 3 || sess.PeekSequence() != 0 {
					t.Errorf("session = %+v", sess)
				}
				if !sess.HasCapability("voice_clone") {
					t.Error("capability not recorded")
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			default:
				if err == nil {
					t.Fatal("expected error")
				}
			}
		})
	}
}

func TestHandshake_SendFailure(t *testing.T) {
	conn := protomock.NewConn()
	conn.SendErr = protocol.ErrClosed
	if _, err := Handshake(t.Context(), conn, protocol.SessionConfig{}, time.Second, 1); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestHandshake_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	conn := protomock.NewConn()
	if _, err := Handshake(ctx, conn, protocol.SessionConfig{}, time.Second, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSession_Sequence(t *testing.T) {
	s := New("id", 0, nil, 1)
	if s.MaxInFlight != 1 {
		t.Errorf("MaxInFlight = %d, want 1 for non-positive input", s.MaxInFlight)
	}
	for want := int64(0); want < 3; want++ {
		if got := s.NextSequence(); got != want {
			t.Fatalf("NextSequence = %d, want %d", got, want)
		}
	}
	if s.PeekSequence() != 3 {
		t.Errorf("PeekSequence = %d, want 3", s.PeekSequence())
	}
}
