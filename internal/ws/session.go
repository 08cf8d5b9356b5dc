// Package ws implements the WebSocket push session used by the connection
// registry.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
	"github.com/pinehouse-stays/guest-messaging/pkg/logger"
)

// ErrSessionClosed is returned by Send once the session is gone.
var ErrSessionClosed = errors.New("session closed")

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// InboundFrame is a client-to-server control frame. Chat content itself
// travels over HTTP; the socket only carries keepalive and typing state.
type InboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Typing         bool   `json:"typing,omitempty"`
}

// Session wraps one WebSocket connection. Outbound envelopes are queued on
// a buffered channel drained by a single writer goroutine, so Send never
// writes to the connection concurrently.
type Session struct {
	id       string
	identity string
	admin    bool

	conn   *websocket.Conn
	send   chan *model.Envelope
	done   chan struct{}
	closed sync.Once

	idleTimeout time.Duration
	logger      *logger.Logger
}

// NewSession creates a session over an upgraded connection.
func NewSession(conn *websocket.Conn, identity string, admin bool, idleTimeout time.Duration, log *logger.Logger) *Session {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Session{
		id:          uuid.New().String(),
		identity:    identity,
		admin:       admin,
		conn:        conn,
		send:        make(chan *model.Envelope, sendBuffer),
		done:        make(chan struct{}),
		idleTimeout: idleTimeout,
		logger:      log,
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Identity() string { return s.identity }
func (s *Session) Admin() bool      { return s.admin }

// Send queues an envelope for the writer goroutine. It fails when the
// session is closed, the queue stays full past the context deadline, or
// the context is cancelled.
func (s *Session) Send(ctx context.Context, env *model.Envelope) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- env:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	s.closed.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}

// WritePump drains the send queue onto the connection and keeps it alive
// with pings. Runs until the session closes or a write fails.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case env := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// ReadPump consumes inbound frames until the client disconnects or stays
// idle past the timeout, invoking onFrame for each parsed frame. Returns
// when the connection is gone; the caller unregisters afterwards.
func (s *Session) ReadPump(onFrame func(InboundFrame)) {
	defer s.Close()

	s.conn.SetReadLimit(4096)
	s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error",
					zap.String("session_id", s.id),
					zap.Error(err),
				)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			s.Send(context.Background(), model.NewEnvelope(model.EnvelopePong, s.identity, nil))
			continue
		}
		if onFrame != nil {
			onFrame(frame)
		}
	}
}
