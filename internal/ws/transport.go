package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport adapts a raw WebSocket connection to the collab.Transport
// interface. The write mutex serializes outbound frames from concurrent
// broadcasts, and the write deadline bounds how long a slow consumer can
// stall a room's fan-out: a connection that cannot drain within the deadline
// gets a write error and is evicted.
type Transport struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewTransport wraps an upgraded connection. A zero writeTimeout disables the
// deadline.
func NewTransport(conn net.Conn, writeTimeout time.Duration) *Transport {
	return &Transport{conn: conn, writeTimeout: writeTimeout}
}

// Write sends a WebSocket text frame.
func (t *Transport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	err := wsutil.WriteServerMessage(t.conn, ws.OpText, data)
	// Clear the deadline so it does not affect later writes.
	_ = t.conn.SetWriteDeadline(time.Time{})
	return err
}

// Close sends a best-effort close frame and closes the underlying connection.
// Closing also unblocks a reader waiting on the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(1 * time.Second))
	_ = ws.WriteFrame(t.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	return t.conn.Close()
}
