package api

import (
	"entitlement-api/internal/models"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// Stream upgrades to a websocket and keeps it registered until either side
// closes. Unlock, revoke and heartbeat messages are written by the registry.
func (h *Handler) Stream(c *gin.Context) {
	userID := c.Param("userId")

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.allowedOrigins,
	})
	if err != nil {
		// Accept has already written the error response.
		logging.Warnf("Stream upgrade failed for user %s: %v", userID, err)
		return
	}

	// CloseRead answers pings and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(c.Request.Context())

	session := services.NewWebSocketSession(conn)
	h.sessions.Register(userID, session)
	defer func() {
		h.sessions.Unregister(userID, session.ID())
		session.Close("session ended")
	}()

	ready := models.StreamMessage{Type: models.StreamReady, UserID: userID, Timestamp: h.now().UTC()}
	if err := session.Send(ctx, ready); err != nil {
		logging.Warnf("Stream session %s for user %s failed on ready: %v", session.ID(), userID, err)
		return
	}

	select {
	case <-ctx.Done():
	case <-session.Done():
	}
	logging.Infof("Stream session %s for user %s closed", session.ID(), userID)
}
