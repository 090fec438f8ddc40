package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/inkwell/collab-server/internal/metrics"
	"github.com/inkwell/collab-server/internal/protocol"
	"github.com/inkwell/collab-server/internal/session"
)

// DefaultReplayLimit is the number of history entries replayed to a newly
// joined connection.
const DefaultReplayLimit = 100

// Config holds tunable parameters for the collaboration manager.
type Config struct {
	HistorySize       int           // serialized messages retained per room
	ReplayLimit       int           // history entries replayed on connect
	HeartbeatInterval time.Duration // expected client heartbeat cadence
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:       DefaultHistorySize,
		ReplayLimit:       DefaultReplayLimit,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// Manager is the collaboration façade composing the registry, presence
// tracker, broadcast engine, and heartbeat reaper. The transport layer calls
// Connect/Disconnect/HandleClientEvent; upstream CRUD services call Broadcast
// after persisting a highlight or comment mutation. The manager is an
// explicitly constructed instance owned by the host application; Start and
// Stop control the heartbeat sweep ticker.
type Manager struct {
	cfg      Config
	registry *RoomRegistry
	presence *PresenceTracker
	engine   *BroadcastEngine
	reaper   *HeartbeatReaper
	sessions *session.Store // optional connection mirror, may be nil

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager constructs a manager. sessions may be nil, in which case no
// connection records are mirrored to Redis.
func NewManager(cfg Config, sessions *session.Store) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = DefaultReplayLimit
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	registry := NewRoomRegistry(cfg.HistorySize)
	return &Manager{
		cfg:      cfg,
		registry: registry,
		presence: NewPresenceTracker(registry),
		engine:   NewBroadcastEngine(registry),
		reaper:   NewHeartbeatReaper(registry, cfg.HeartbeatInterval),
		sessions: sessions,
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat sweep ticker. It returns immediately; the
// goroutine exits when Stop is called.
func (m *Manager) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.SweepStale(time.Now())
			}
		}
	}()
}

// Stop halts the heartbeat sweep ticker. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Connect admits a new connection into the room for a journal entry. The
// (userID, displayName) pair arrives already resolved by the upstream auth
// layer. The new connection alone receives a CONNECTION_CONFIRMED message
// carrying the recent history; the whole room, joiner included, then receives
// a "joined" presence event so the joiner sees itself in the shared roster.
func (m *Manager) Connect(roomKey, userID, displayName string, transport Transport) (*ConnectionHandle, error) {
	if roomKey == "" || userID == "" {
		return nil, fmt.Errorf("collab: connect requires a room key and user id")
	}

	h := NewConnectionHandle(userID, displayName, transport)
	if err := m.registry.Join(roomKey, h); err != nil {
		return nil, err
	}
	m.updateGauges()
	m.sessionCreate(h, roomKey)

	log.Printf("collab: connected conn=%s user=%s room=%s (rooms=%d conns=%d)",
		h.ID(), userID, roomKey, m.registry.RoomCount(), m.registry.TotalConnections())

	if err := m.sendConnectionConfirmed(roomKey, h); err != nil {
		log.Printf("collab: confirmation write failed conn=%s user=%s: %v", h.ID(), userID, err)
		m.teardown(h, metrics.ReasonWriteFailed)
		return nil, err
	}

	m.broadcastPresence(roomKey, userID, displayName, protocol.PresenceJoined)
	return h, nil
}

// sendConnectionConfirmed replays recent room history to the new connection.
func (m *Manager) sendConnectionConfirmed(roomKey string, h *ConnectionHandle) error {
	recent := m.registry.Recent(roomKey, m.cfg.ReplayLimit)
	history := make([]json.RawMessage, len(recent))
	for i, raw := range recent {
		history[i] = json.RawMessage(raw)
	}

	data, err := protocol.NewMessage(protocol.TypeConnectionConfirmed, protocol.ConnectionConfirmedPayload{
		JournalEntryID: roomKey,
		MessageHistory: history,
		ServerTime:     time.Now().UTC().Format(time.RFC3339),
	}, "", "")
	if err != nil {
		return err
	}
	return h.write(data)
}

// Disconnect tears a connection down: leave the room, close the transport,
// and announce a "left" presence event to the remaining members. Idempotent;
// safe to call concurrently with a heartbeat sweep for the same handle.
func (m *Manager) Disconnect(h *ConnectionHandle) {
	m.teardown(h, metrics.ReasonClosed)
}

// teardown is the single disconnect path shared by explicit closes, write
// failures, and heartbeat eviction. Returns false if the connection was
// already gone.
func (m *Manager) teardown(h *ConnectionHandle, reason string) bool {
	roomKey, removed := m.registry.Leave(h)
	if !removed {
		return false
	}

	_ = h.close()
	m.updateGauges()
	metrics.EvictionsTotal.WithLabelValues(reason).Inc()
	m.sessionDelete(h)

	log.Printf("collab: disconnected conn=%s user=%s room=%s reason=%s (rooms=%d conns=%d)",
		h.ID(), h.UserID(), roomKey, reason, m.registry.RoomCount(), m.registry.TotalConnections())

	// The room may already be gone if this was its last member; the presence
	// broadcast then finds no room and is a no-op.
	m.broadcastPresence(roomKey, h.UserID(), h.DisplayName(), protocol.PresenceLeft)
	return true
}

// Broadcast fans a server-originated or CRUD-forwarded message out to every
// connection in the room and records it in the room's replay history. An
// empty correlationID gets a generated one. Returns ErrRoomNotFound when
// nobody is viewing the journal entry.
func (m *Manager) Broadcast(roomKey, msgType string, payload interface{}, senderID, correlationID string) error {
	failed, err := m.engine.Broadcast(roomKey, msgType, payload, senderID, correlationID)
	if err != nil {
		return err
	}
	m.evictFailed(failed)
	return nil
}

// broadcastPresence builds and fans out a USER_PRESENCE event. Presence
// events are transient: they are not recorded in the replay history.
func (m *Manager) broadcastPresence(roomKey, actorUserID, actorName, kind string) {
	payload := m.presence.BuildPresenceEvent(roomKey, actorUserID, actorName, kind)
	failed, err := m.engine.BroadcastTransient(roomKey, protocol.TypeUserPresence, payload, "", "")
	if err != nil {
		if !errors.Is(err, ErrRoomNotFound) {
			log.Printf("collab: presence broadcast failed room=%s: %v", roomKey, err)
		}
		return
	}
	m.evictFailed(failed)
}

// evictFailed tears down connections whose broadcast write failed, through
// the same path as an explicit disconnect. A dead connection is
// indistinguishable from a voluntary leave once its write fails.
func (m *Manager) evictFailed(failed []*ConnectionHandle) {
	for _, h := range failed {
		log.Printf("collab: write failed conn=%s user=%s, evicting", h.ID(), h.UserID())
		m.teardown(h, metrics.ReasonWriteFailed)
	}
}

// HandleClientEvent dispatches one inbound client message. Malformed input
// and unrecognized types are logged and ignored; the connection stays alive.
func (m *Manager) HandleClientEvent(h *ConnectionHandle, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("collab: malformed message conn=%s: %v", h.ID(), err)
		return
	}

	// Any inbound frame counts as liveness.
	h.touch(time.Now())

	switch msg.Type {
	case protocol.TypeHeartbeat:
		// Liveness only; no broadcast, heartbeats must not spam the room.
		m.sessionTouch(h)

	case protocol.TypeTypingStart:
		m.setTypingAndAnnounce(h, true)

	case protocol.TypeTypingStop:
		m.setTypingAndAnnounce(h, false)

	case protocol.TypeCursorMove:
		p, err := msg.CursorPayload()
		if err != nil {
			log.Printf("collab: bad cursor payload conn=%s: %v", h.ID(), err)
			return
		}
		// Cursor state updates silently; it rides along on the next
		// presence event instead of forcing one per keystroke.
		m.presence.SetCursor(h.ID(), p.Position)

	default:
		log.Printf("collab: ignoring message type=%q conn=%s", msg.Type, h.ID())
	}
}

// Heartbeat records client liveness without broadcasting.
func (m *Manager) Heartbeat(h *ConnectionHandle) {
	h.touch(time.Now())
	m.sessionTouch(h)
}

func (m *Manager) setTypingAndAnnounce(h *ConnectionHandle, typing bool) {
	if !m.presence.SetTyping(h.ID(), typing) {
		return // already disconnected
	}
	roomKey, ok := m.registry.RoomKeyOf(h.ID())
	if !ok {
		return
	}
	m.broadcastPresence(roomKey, h.UserID(), h.DisplayName(), protocol.PresenceUpdate)
}

// SweepStale evicts every connection whose last heartbeat is older than the
// reaper timeout, through the normal disconnect path. Returns the IDs of the
// connections actually evicted; a connection already removed by a racing
// disconnect is not counted twice.
func (m *Manager) SweepStale(now time.Time) []string {
	evicted := []string{}
	for _, h := range m.reaper.Stale(now) {
		log.Printf("collab: heartbeat timeout conn=%s user=%s last_activity=%s ago",
			h.ID(), h.UserID(), now.Sub(h.LastHeartbeat()).Round(time.Second))
		if m.teardown(h, metrics.ReasonHeartbeatTimeout) {
			evicted = append(evicted, h.ID())
		}
	}
	return evicted
}

// Presence exposes the presence tracker for read-only snapshot use.
func (m *Manager) Presence() *PresenceTracker {
	return m.presence
}

// RoomCount returns the number of live rooms.
func (m *Manager) RoomCount() int {
	return m.registry.RoomCount()
}

// TotalConnections returns the number of connections across all rooms.
func (m *Manager) TotalConnections() int {
	return m.registry.TotalConnections()
}

// Recent returns up to the last limit serialized messages for a room.
func (m *Manager) Recent(roomKey string, limit int) [][]byte {
	return m.registry.Recent(roomKey, limit)
}

func (m *Manager) updateGauges() {
	metrics.ActiveRooms.Set(float64(m.registry.RoomCount()))
	metrics.ActiveConnections.Set(float64(m.registry.TotalConnections()))
}

// ---------------------------------------------------------------------------
// Session mirror plumbing (nil-safe; Redis is optional)
// ---------------------------------------------------------------------------

func (m *Manager) sessionCreate(h *ConnectionHandle, roomKey string) {
	if m.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.sessions.Create(ctx, h.ID(), h.UserID(), h.DisplayName(), roomKey); err != nil {
		log.Printf("collab: failed to mirror connection %s to redis: %v", h.ID(), err)
	}
}

func (m *Manager) sessionTouch(h *ConnectionHandle) {
	if m.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.sessions.Touch(ctx, h.ID()); err != nil {
		log.Printf("collab: failed to refresh connection record %s: %v", h.ID(), err)
	}
}

func (m *Manager) sessionDelete(h *ConnectionHandle) {
	if m.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.sessions.Delete(ctx, h.ID()); err != nil {
		log.Printf("collab: failed to delete connection record %s: %v", h.ID(), err)
	}
}
