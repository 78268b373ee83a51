package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/streamdub/internal/observe"
	"github.com/MrWong99/streamdub/pkg/protocol"
)

// DefaultHandshakeTimeout bounds the wait for session-ready.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrHandshakeTimeout is returned when session-ready does not arrive in
	// time.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")

	// ErrHandshakeRejected is returned when the peer answers session-init
	// with an error message.
	ErrHandshakeRejected = errors.New("session: handshake rejected")
)

// Handshake sends session-init on conn and waits for session-ready. The
// returned Session starts its sequence numbering at zero. Messages other than
// session-ready and error are logged and dropped.
func Handshake(ctx context.Context, conn protocol.Conn, init protocol.SessionConfig, timeout time.Duration, epoch int) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, span := observe.StartSpan(ctx, "session.handshake")
	defer span.End()
	span.SetAttributes(attribute.Int("session.epoch", epoch))

	sess, err := handshake(ctx, conn, init, timeout, epoch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Int("session.max_in_flight", sess.MaxInFlight),
	)
	return sess, nil
}

func handshake(ctx context.Context, conn protocol.Conn, init protocol.SessionConfig, timeout time.Duration, epoch int) (*Session, error) {
	if err := conn.Send(ctx, protocol.SessionInit(init)); err != nil {
		return nil, fmt.Errorf("session: send session-init: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrHandshakeTimeout
		case m, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil {
					return nil, fmt.Errorf("session: awaiting session-ready: %w", err)
				}
				return nil, fmt.Errorf("session: awaiting session-ready: %w", protocol.ErrClosed)
			}
			switch m.Type {
			case protocol.TypeSessionReady:
				if m.SessionID == "" {
					return nil, fmt.Errorf("%w: session-ready without session_id", ErrHandshakeRejected)
				}
				observe.Logger(ctx).Info("session established",
					"session_id", m.SessionID,
					"max_in_flight", m.MaxInFlight,
					"capabilities", m.Capabilities,
					"epoch", epoch,
				)
				return New(m.SessionID, m.MaxInFlight, m.Capabilities, epoch), nil
			case protocol.TypeError:
				return nil, fmt.Errorf("%w: %s: %s", ErrHandshakeRejected, m.Code, m.Reason)
			default:
				slog.Debug("session: ignoring message before session-ready", "type", m.Type)
			}
		}
	}
}
