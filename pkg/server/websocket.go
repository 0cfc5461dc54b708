package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// viewerWebSocket upgrades a browser connection and hands it to the hub
// for the duration of the session.
func (s *DreamServer) viewerWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("viewer websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.hub.ServeViewer(conn)
}

// producerWebSocket upgrades the GPU worker connection. Authentication
// happens after the upgrade so rejections carry a WebSocket close code the
// worker can distinguish (4001 bad token, 4000 duplicate producer).
func (s *DreamServer) producerWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("producer websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.hub.ServeProducer(conn, r.Header.Get("Authorization"))
}
