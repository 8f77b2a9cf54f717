package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parietal-data/decode.stream/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from the same origin in production; dev
	// servers connect cross-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// handleStream upgrades to a websocket and relays decode outputs and
// health events as they are published. A client that stops reading
// misses events rather than stalling the pipeline; its subscriber
// buffer drops on overflow.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("websocket upgrade failed: %v", err)
		return
	}

	id, events := s.store.Subscribe()
	defer s.store.Unsubscribe(id)
	defer conn.Close()

	monitoring.Logf("websocket client %s connected from %s", id, r.RemoteAddr)

	// Reader goroutine: we never expect client messages, but reading is
	// required to process close frames and detect dropped connections.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				monitoring.Logf("websocket client %s write failed: %v", id, err)
				return
			}
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
