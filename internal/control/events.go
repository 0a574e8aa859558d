package control

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon binds to loopback; local UIs connect from file:// or
	// arbitrary dev origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// handleEvents streams status snapshots over a websocket. The current
// snapshot is sent immediately so late subscribers do not wait for the next
// change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events_upgrade_failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	updates, cancel := s.player.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			return false
		}
		return true
	}

	if !write(s.player.Status()) {
		return
	}
	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return
			}
			if !write(st) {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
