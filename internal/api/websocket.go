package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"broker-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relay pushes streamed ticks and order updates from the bus.
func (s *Server) relay(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.deps.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	ticks, unsubTicks := s.deps.Bus.Subscribe(events.EventTick, 100)
	defer unsubTicks()
	updates, unsubUpdates := s.deps.Bus.Subscribe(events.EventOrderUpdate, 100)
	defer unsubUpdates()

	// Reader goroutine notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var msg any
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case v, ok := <-ticks:
			if !ok {
				return
			}
			msg = gin.H{"type": "tick", "data": v}
		case v, ok := <-updates:
			if !ok {
				return
			}
			msg = gin.H{"type": "order_update", "data": v}
		}
		if err := conn.WriteJSON(msg); err != nil {
			s.log.WithError(err).Debug("ws write failed")
			return
		}
	}
}
