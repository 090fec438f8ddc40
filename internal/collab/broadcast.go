package collab

import (
	"time"

	"github.com/inkwell/collab-server/internal/metrics"
	"github.com/inkwell/collab-server/internal/protocol"
)

// BroadcastEngine is the fan-out primitive: it serializes a message once and
// writes it to every connection in a room. A broadcast runs to completion
// under the room's lock, history append included, which is what gives each
// room FIFO delivery; there is no ordering between rooms.
type BroadcastEngine struct {
	registry *RoomRegistry
}

// NewBroadcastEngine creates an engine fanning out over the given registry.
func NewBroadcastEngine(registry *RoomRegistry) *BroadcastEngine {
	return &BroadcastEngine{registry: registry}
}

// Broadcast builds the wire envelope, appends it to the room's history, and
// writes it to every member. A write failure never aborts delivery to the
// rest of the room; the failed handles are returned so the caller can tear
// them down through the normal disconnect path. Returns ErrRoomNotFound when
// the room has no members.
func (e *BroadcastEngine) Broadcast(roomKey, msgType string, payload interface{}, senderID, correlationID string) ([]*ConnectionHandle, error) {
	return e.send(roomKey, msgType, payload, senderID, correlationID, true)
}

// BroadcastTransient behaves like Broadcast but skips the history append.
// Presence events go through here: a replayed roster would be stale by the
// time a late joiner saw it, and the joiner receives a fresh one anyway.
func (e *BroadcastEngine) BroadcastTransient(roomKey, msgType string, payload interface{}, senderID, correlationID string) ([]*ConnectionHandle, error) {
	return e.send(roomKey, msgType, payload, senderID, correlationID, false)
}

func (e *BroadcastEngine) send(roomKey, msgType string, payload interface{}, senderID, correlationID string, record bool) ([]*ConnectionHandle, error) {
	rm := e.registry.room(roomKey)
	if rm == nil {
		return nil, ErrRoomNotFound
	}

	data, err := protocol.NewMessage(msgType, payload, senderID, correlationID)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	rm.mu.Lock()
	if record {
		rm.history.Append(data)
	}

	// Delivery to everyone in the room, including the sender's own
	// connection. Failed writers are collected and torn down after the loop
	// so one dead connection cannot abort the rest of the fan-out.
	var failed []*ConnectionHandle
	for _, member := range rm.members {
		if err := member.write(data); err != nil {
			failed = append(failed, member)
		}
	}
	rm.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues(msgType).Inc()
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())

	return failed, nil
}
