package progress

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades r to a WebSocket connection and streams sessionID's
// progress events to it until the connection closes or the bus unregisters
// the subscriber, with periodic pings and per-write deadlines.
func ServeWS(bus *Bus, sessionID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := bus.Subscribe(sessionID)
	defer bus.Unsubscribe(sub)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case event, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return nil
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Warn().Str("session_id", sessionID).Err(err).Msg("progress: websocket write failed, closing")
				return err
			}
			if event.Type == EventComplete || event.Type == EventError {
				return nil
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
