package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"entitlement-api/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// WebSocketSession adapts a websocket connection to Session. The caller must
// keep a reader running on conn (CloseRead) so pings get answered.
type WebSocketSession struct {
	id        string
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocketSession(conn *websocket.Conn) *WebSocketSession {
	return &WebSocketSession{
		id:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
}

func (s *WebSocketSession) ID() string { return s.id }

func (s *WebSocketSession) Send(ctx context.Context, msg models.StreamMessage) error {
	if err := wsjson.Write(ctx, s.conn, msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Heartbeat pings the peer, then writes a heartbeat message.
func (s *WebSocketSession) Heartbeat(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("websocket ping: %w", err)
	}
	return s.Send(ctx, models.StreamMessage{Type: models.StreamHeartbeat, Timestamp: time.Now().UTC()})
}

func (s *WebSocketSession) Close(reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, reason)
		close(s.done)
	})
}

// Done is closed once the session is closed.
func (s *WebSocketSession) Done() <-chan struct{} {
	return s.done
}
