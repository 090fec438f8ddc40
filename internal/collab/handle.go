// Package collab implements the room-based collaboration broadcaster for
// journal entries: room membership, presence tracking, bounded history
// replay, serialize-once fan-out, and heartbeat-based eviction. The Manager
// façade is the only entry point for the transport layer and for upstream
// services announcing highlight or comment mutations.
package collab

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the outbound half of one client connection. Implementations
// must be safe for concurrent use and should bound how long a single Write
// may block; a Write error marks the connection dead and triggers eviction.
type Transport interface {
	Write(data []byte) error
	Close() error
}

// colorPalette is the fixed set of cursor/highlight colors assigned to users.
// Assignment is derived from the user ID, so a user keeps the same color
// across reconnects.
var colorPalette = []string{
	"#F87171", // red
	"#FB923C", // orange
	"#FBBF24", // amber
	"#34D399", // emerald
	"#2DD4BF", // teal
	"#60A5FA", // blue
	"#A78BFA", // violet
	"#F472B6", // pink
}

// ColorForUser returns the palette color for a user ID, stable across
// reconnects of the same user.
func ColorForUser(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

// ConnectionHandle wraps one live client connection together with its
// per-connection ephemeral state. Identity fields are immutable for the
// handle's lifetime; activity state is guarded by the handle's own mutex so
// presence snapshots never read half-written values.
type ConnectionHandle struct {
	id          string
	userID      string
	displayName string
	color       string
	transport   Transport

	mu            sync.Mutex
	isTyping      bool
	cursor        int
	hasCursor     bool
	lastHeartbeat time.Time
}

// NewConnectionHandle constructs a handle with a fresh connection ID and the
// user's palette color. The handle is not yet a member of any room.
func NewConnectionHandle(userID, displayName string, transport Transport) *ConnectionHandle {
	return &ConnectionHandle{
		id:            uuid.New().String(),
		userID:        userID,
		displayName:   displayName,
		color:         ColorForUser(userID),
		transport:     transport,
		lastHeartbeat: time.Now(),
	}
}

// ID returns the connection's unique identifier. IDs are never reused.
func (h *ConnectionHandle) ID() string { return h.id }

// UserID returns the authenticated user this connection belongs to.
func (h *ConnectionHandle) UserID() string { return h.userID }

// DisplayName returns the user's display name as resolved upstream.
func (h *ConnectionHandle) DisplayName() string { return h.displayName }

// Color returns the user's assigned palette color.
func (h *ConnectionHandle) Color() string { return h.color }

// Typing reports whether the user is currently typing.
func (h *ConnectionHandle) Typing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isTyping
}

// Cursor returns the user's last reported cursor position. The second return
// value is false if no cursor position has been reported yet.
func (h *ConnectionHandle) Cursor() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor, h.hasCursor
}

// LastHeartbeat returns the time of the last heartbeat or inbound activity.
func (h *ConnectionHandle) LastHeartbeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHeartbeat
}

func (h *ConnectionHandle) setTyping(typing bool) {
	h.mu.Lock()
	h.isTyping = typing
	h.mu.Unlock()
}

func (h *ConnectionHandle) setCursor(position int) {
	h.mu.Lock()
	h.cursor = position
	h.hasCursor = true
	h.mu.Unlock()
}

// touch records inbound activity. Any message from the client, not only an
// explicit HEARTBEAT, proves the connection alive.
func (h *ConnectionHandle) touch(now time.Time) {
	h.mu.Lock()
	h.lastHeartbeat = now
	h.mu.Unlock()
}

// write sends a serialized message over the connection's transport.
func (h *ConnectionHandle) write(data []byte) error {
	return h.transport.Write(data)
}

// close closes the underlying transport.
func (h *ConnectionHandle) close() error {
	return h.transport.Close()
}
