package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terminal-bench/crisisdispatch/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// sessionStream upgrades the connection and bridges the session's fan-out
// frames onto the socket. Inbound frames carry typing indicators only;
// messages go through the REST endpoint so idempotency keys apply.
func (g *Gateway) sessionStream(c *gin.Context) {
	sessionID, claims, ok := g.sessionScope(c)
	if !ok {
		return
	}

	sub, err := g.sessions.Subscribe(sessionID, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		return
	}

	done := make(chan struct{})
	go g.streamWriter(conn, sub, done)
	g.streamReader(conn, sessionID, claims, done)
}

func (g *Gateway) streamWriter(conn *websocket.Conn, sub *session.Subscriber, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.Frames:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

type inboundFrame struct {
	Type string `json:"type"`
}

func (g *Gateway) streamReader(conn *websocket.Conn, sessionID uuid.UUID, claims *Claims, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	_, senderID := senderFrom(claims)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == session.FrameTyping {
			g.sessions.NotifyTyping(sessionID, senderID)
		}
	}
}
