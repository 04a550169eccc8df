package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"uwbgateway/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebsocket subscribes the client to the hub and pumps envelopes to it
// until either side goes away.
func (h *handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sub := h.opts.Hub.Subscribe()
	defer h.opts.Hub.Unsubscribe(sub)

	log := h.log.With("subscriber", sub.ID, "remote", r.RemoteAddr)
	log.Info("websocket client connected")

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := h.opts.Clock.Ticker(h.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-disconnected:
			log.Info("websocket client disconnected")
			return
		case env, ok := <-sub.C():
			if !ok {
				h.writeClose(conn)
				log.Info("websocket subscription closed")
				return
			}
			if err := h.writeEnvelope(conn, env); err != nil {
				log.Info("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Info("websocket ping failed", "error", err)
				return
			}
		}
	}
}

func (h *handler) writeEnvelope(conn *websocket.Conn, env broadcast.Envelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (h *handler) writeClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.opts.WriteTimeout))
}
