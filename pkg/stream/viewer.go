package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Viewer wraps one connected socket. The mutex serializes writes (gorilla
// connections allow a single writer); every write carries a deadline so a
// half-open peer fails instead of blocking the hub.
type Viewer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newViewer(conn *websocket.Conn) *Viewer {
	return &Viewer{
		id:   uuid.NewString(),
		conn: conn,
	}
}

// ID is an observability handle only; viewer identity is the socket.
func (v *Viewer) ID() string {
	return v.id
}

func (v *Viewer) sendBinary(data []byte, timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(timeout))
	return v.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (v *Viewer) sendJSON(payload any, timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(timeout))
	return v.conn.WriteJSON(payload)
}

func (v *Viewer) close(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = v.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = v.conn.Close()
}
