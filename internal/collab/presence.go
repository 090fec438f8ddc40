package collab

import (
	"time"

	"github.com/inkwell/collab-server/internal/protocol"
)

// PresenceTracker derives the "who is here and what are they doing" view of a
// room from the registry's live handles. It never broadcasts on its own; the
// Manager decides which mutations are worth announcing.
type PresenceTracker struct {
	registry *RoomRegistry
}

// NewPresenceTracker creates a tracker reading from the given registry.
func NewPresenceTracker(registry *RoomRegistry) *PresenceTracker {
	return &PresenceTracker{registry: registry}
}

// Snapshot returns the presence roster for a room in join order, oldest
// member first.
func (p *PresenceTracker) Snapshot(roomKey string) []protocol.ActiveUser {
	members := p.registry.MembersOf(roomKey)
	users := make([]protocol.ActiveUser, 0, len(members))
	for _, h := range members {
		u := protocol.ActiveUser{
			UserID:        h.UserID(),
			DisplayName:   h.DisplayName(),
			Color:         h.Color(),
			IsTyping:      h.Typing(),
			LastHeartbeat: h.LastHeartbeat().UTC().Format(time.RFC3339),
		}
		if pos, ok := h.Cursor(); ok {
			u.CursorPosition = &pos
		}
		users = append(users, u)
	}
	return users
}

// BuildPresenceEvent wraps the current roster plus the triggering actor and
// event kind into a USER_PRESENCE payload.
func (p *PresenceTracker) BuildPresenceEvent(roomKey, actorUserID, actorName, kind string) protocol.PresencePayload {
	users := p.Snapshot(roomKey)
	return protocol.PresencePayload{
		ActiveUsers: users,
		TotalCount:  len(users),
		Event:       kind,
		UserID:      actorUserID,
		UserName:    actorName,
	}
}

// SetTyping updates the typing flag for a connection. It returns false when
// the connection is no longer a member of any room.
func (p *PresenceTracker) SetTyping(connID string, typing bool) bool {
	h := p.registry.Lookup(connID)
	if h == nil {
		return false
	}
	h.setTyping(typing)
	return true
}

// SetCursor updates the cursor position for a connection. Cursor moves update
// state silently; they are pulled with the next presence event rather than
// pushed on every keystroke.
func (p *PresenceTracker) SetCursor(connID string, position int) bool {
	h := p.registry.Lookup(connID)
	if h == nil {
		return false
	}
	h.setCursor(position)
	return true
}
