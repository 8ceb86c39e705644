package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Operators hit this endpoint from the same origin the API is served
	// behind; cross-origin embedding isn't a supported use case.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const livePingInterval = 25 * time.Second

// handleLive upgrades to a WebSocket and streams hostID's live bus,
// replaying the buffered prefix before following new messages.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}

	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Int64("host_id", hostID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.bus.Subscribe(hostID)
	defer unsubscribe()

	ticker := time.NewTicker(livePingInterval)
	defer ticker.Stop()

	// Discard anything the client sends; its only purpose is to let
	// conn.Close propagate when the client disconnects.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
