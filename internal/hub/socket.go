package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Idle sockets are pinged at pingPeriod and reaped when no pong arrives
	// within idleTimeout.
	idleTimeout = 60 * time.Second
	pingPeriod  = idleTimeout * 9 / 10
	writeWait   = 10 * time.Second

	maxInboundBytes = 32 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// TLS + key/cookie auth gate the upgrade; origin is not a trust boundary
	// for LAN clients pinning a self-signed cert.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeSocket upgrades the request and runs the subscriber until either side
// closes. Inbound frames are discarded (the WebSocket surface is outbound
// fan-out; commands arrive over REST) but still drive pong handling.
func (h *Hub) ServeSocket(w http.ResponseWriter, r *http.Request, class Class, ownerID string, log zerolog.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	sub := h.Subscribe(class, ownerID)
	defer h.Unsubscribe(sub)

	go readPump(conn, sub, h)
	writePump(conn, sub, log)
}

func readPump(conn *websocket.Conn, sub *Subscriber, h *Hub) {
	defer h.Unsubscribe(sub)
	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

func writePump(conn *websocket.Conn, sub *Subscriber, log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.Out():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow_consumer"),
				time.Now().Add(writeWait))
			return
		}
	}
}
