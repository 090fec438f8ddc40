package collab

import (
	"errors"
	"sync"
)

// ErrAlreadyJoined is returned by Join when a connection attempts to enter a
// room while still a member of one. A connection belongs to at most one room.
var ErrAlreadyJoined = errors.New("collab: connection already joined to a room")

// ErrRoomNotFound is returned when an operation targets a room that has no
// members. Rooms exist only while at least one connection is joined.
var ErrRoomNotFound = errors.New("collab: room not found")

// room owns the membership list and history buffer for one journal entry.
// Each room carries its own mutex so fan-out and presence mutation in one
// room never contend with other rooms.
type room struct {
	key string

	mu      sync.Mutex
	members []*ConnectionHandle // join order
	history *HistoryBuffer
}

// snapshotMembers returns a copy of the membership in join order.
func (r *room) snapshotMembers() []*ConnectionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ConnectionHandle, len(r.members))
	copy(out, r.members)
	return out
}

// RoomRegistry maps journal-entry keys to their rooms and tracks which room
// each connection belongs to. Rooms are created on first join and destroyed,
// history included, when the last member leaves.
type RoomRegistry struct {
	historySize int

	mu     sync.RWMutex
	rooms  map[string]*room
	byConn map[string]*room // connection ID -> room
}

// NewRoomRegistry creates an empty registry. historySize bounds the per-room
// replay buffer; zero or negative selects DefaultHistorySize.
func NewRoomRegistry(historySize int) *RoomRegistry {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &RoomRegistry{
		historySize: historySize,
		rooms:       make(map[string]*room),
		byConn:      make(map[string]*room),
	}
}

// Join inserts the handle into the room's member set, creating the room if
// absent. It fails with ErrAlreadyJoined if the connection is already a
// member of any room.
func (reg *RoomRegistry) Join(roomKey string, h *ConnectionHandle) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.byConn[h.ID()]; ok {
		return ErrAlreadyJoined
	}

	rm, ok := reg.rooms[roomKey]
	if !ok {
		rm = &room{key: roomKey, history: NewHistoryBuffer(reg.historySize)}
		reg.rooms[roomKey] = rm
	}

	rm.mu.Lock()
	rm.members = append(rm.members, h)
	rm.mu.Unlock()

	reg.byConn[h.ID()] = rm
	return nil
}

// Leave removes the connection from its room, whichever it is, and returns
// the room key along with whether the connection was actually removed. It is
// a no-op when the connection is not a member anywhere: an explicit close and
// a heartbeat sweep may race to remove the same handle, and both paths must
// be idempotent. When the last member leaves, the room and its history are
// deleted.
func (reg *RoomRegistry) Leave(h *ConnectionHandle) (string, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.byConn[h.ID()]
	if !ok {
		return "", false
	}
	delete(reg.byConn, h.ID())

	rm.mu.Lock()
	for i, member := range rm.members {
		if member.ID() == h.ID() {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(reg.rooms, rm.key)
	}
	return rm.key, true
}

// room returns the live room for a key, or nil if it does not exist.
func (reg *RoomRegistry) room(roomKey string) *room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[roomKey]
}

// MembersOf returns a snapshot of the room's current members in join order.
// The slice is a copy; it does not track later joins or leaves.
func (reg *RoomRegistry) MembersOf(roomKey string) []*ConnectionHandle {
	rm := reg.room(roomKey)
	if rm == nil {
		return nil
	}
	return rm.snapshotMembers()
}

// Lookup returns the handle for a connection ID, or nil if the connection is
// not a member of any room.
func (reg *RoomRegistry) Lookup(connID string) *ConnectionHandle {
	reg.mu.RLock()
	rm := reg.byConn[connID]
	reg.mu.RUnlock()
	if rm == nil {
		return nil
	}

	for _, member := range rm.snapshotMembers() {
		if member.ID() == connID {
			return member
		}
	}
	return nil
}

// RoomKeyOf returns the key of the room the connection is joined to.
func (reg *RoomRegistry) RoomKeyOf(connID string) (string, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rm, ok := reg.byConn[connID]
	if !ok {
		return "", false
	}
	return rm.key, true
}

// Recent returns up to the last limit serialized messages for a room in
// chronological order. It returns an empty slice for an unknown room, which
// includes rooms whose history was dropped when their last member left.
func (reg *RoomRegistry) Recent(roomKey string, limit int) [][]byte {
	rm := reg.room(roomKey)
	if rm == nil {
		return [][]byte{}
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.history.Recent(limit)
}

// RoomCount returns the number of live rooms.
func (reg *RoomRegistry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// TotalConnections returns the number of connections across all rooms.
func (reg *RoomRegistry) TotalConnections() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.byConn)
}

// AllMembers returns a snapshot of every connection in every room. Used by
// the heartbeat sweep.
func (reg *RoomRegistry) AllMembers() []*ConnectionHandle {
	reg.mu.RLock()
	rooms := make([]*room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		rooms = append(rooms, rm)
	}
	reg.mu.RUnlock()

	var out []*ConnectionHandle
	for _, rm := range rooms {
		out = append(out, rm.snapshotMembers()...)
	}
	return out
}
