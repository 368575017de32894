package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"semaphore/internal/protocol"
	"semaphore/pkg/auth"
	"semaphore/pkg/logging"
)

// HandleUpgrade serves the /ws and /app endpoints. Authentication runs
// before the upgrade; capacity rejection happens after it so the client
// receives the 1008 close code.
func (h *Hub) HandleUpgrade(c *gin.Context) {
	if !h.admission.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	userID := ""
	if h.cfg.Auth.Enabled {
		token := auth.TokenFromRequest(c.Request, h.cfg.Auth.CookieName)
		claims, err := auth.ValidateJWT(token, []byte(h.cfg.Auth.JWTSecret))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		userID = claims.UserID
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	if err := h.load.AdmitConnection(h.table.Len(), h.registry.ChannelCount()); err != nil {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "server at capacity")
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.CloseMessage, message)
		ws.Close()
		return
	}

	conn := newConn(ws, uuid.New().String(), userID)
	h.table.Add(conn)
	if h.m != nil {
		h.m.ActiveConnections.WithLabelValues().Inc()
	}
	h.logger.WithFields(logging.Fields{
		"socket_id": conn.ID,
		"user_id":   userID,
		"remote":    conn.RemoteAddr,
	}).Info("Connection established")

	if h.relay != nil {
		go h.storeConnectionState(conn)
	}

	pingPeriod := h.cfg.Connection.IdleTimeout * 9 / 10
	go conn.writePump(pingPeriod, h.cfg.Connection.SendPings, h.logger)

	// first frame on the wire, before any subscription traffic
	h.deliver(conn, protocol.NewConnectionEstablished(conn.ID, int(h.cfg.Heartbeat.Interval.Seconds())), true)

	go h.readPump(conn)
}

func (h *Hub) storeConnectionState(conn *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snapshot := map[string]interface{}{
		"socket_id":    conn.ID,
		"user_id":      conn.UserID,
		"server_id":    h.serverID,
		"connected_at": conn.ConnectedAt.UnixMilli(),
	}
	if err := h.relay.StoreConnection(ctx, conn.ID, snapshot); err != nil {
		h.logger.WithError(err).Debug("Failed to store connection state")
	}
}

// readPump consumes inbound frames until the socket dies. A panic while
// handling a frame closes this one connection with 1011 and never escapes.
func (h *Hub) readPump(conn *Conn) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logging.Fields{
				"socket_id": conn.ID,
				"panic":     r,
			}).Error("Frame handler panicked")
			conn.close(websocket.CloseInternalServerErr, "internal error")
		}
		h.dropConnection(conn)
	}()

	// the transport cap sits above the application payload limit so
	// oversized frames surface as a PayloadTooLarge error, not a 1009
	readLimit := int64(h.cfg.Connection.MaxPayloadLength)
	if readLimit <= 0 {
		readLimit = int64(2 * h.cfg.Security.MaxPayloadSize)
	}
	conn.ws.SetReadLimit(readLimit)

	idle := h.cfg.Connection.IdleTimeout
	if idle > 0 {
		conn.ws.SetReadDeadline(time.Now().Add(idle))
		conn.ws.SetPongHandler(func(string) error {
			conn.ws.SetReadDeadline(time.Now().Add(idle))
			return nil
		})
	}

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if idle > 0 {
			conn.ws.SetReadDeadline(time.Now().Add(idle))
		}
		h.handleFrame(conn, data)
	}
}

// dropConnection tears down all state belonging to a socket. Idempotent;
// the table removal decides who wins.
func (h *Hub) dropConnection(conn *Conn) {
	if !h.table.Remove(conn.ID) {
		return
	}
	conn.close(websocket.CloseNormalClosure, "")

	if h.m != nil {
		h.m.ActiveConnections.WithLabelValues().Dec()
	}

	for _, result := range h.registry.UnsubscribeAll(conn.ID) {
		if result.Removed {
			h.afterUnsubscribe(conn.ID, result)
		}
	}
	h.tracker.RemoveAll(conn.ID)

	if h.relay != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.relay.RemoveConnection(ctx, conn.ID); err != nil {
				h.logger.WithError(err).Debug("Failed to remove connection state")
			}
		}()
	}

	h.logger.WithField("socket_id", conn.ID).Info("Connection closed")
}
