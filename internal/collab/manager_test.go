package collab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/inkwell/collab-server/internal/protocol"
)

func newTestManager() *Manager {
	return NewManager(DefaultConfig(), nil)
}

func connect(t *testing.T, m *Manager, roomKey, userID, displayName string) (*ConnectionHandle, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	h, err := m.Connect(roomKey, userID, displayName, ft)
	if err != nil {
		t.Fatalf("connect %s into %s: %v", userID, roomKey, err)
	}
	return h, ft
}

func clientEvent(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.NewMessage(msgType, payload, "client", "")
	if err != nil {
		t.Fatalf("build %s event: %v", msgType, err)
	}
	return data
}

func presencePayload(t *testing.T, msg protocol.Message) protocol.PresencePayload {
	t.Helper()
	var p protocol.PresencePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("decode presence payload: %v", err)
	}
	return p
}

func confirmedPayload(t *testing.T, msg protocol.Message) protocol.ConnectionConfirmedPayload {
	t.Helper()
	var p protocol.ConnectionConfirmedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("decode confirmation payload: %v", err)
	}
	return p
}

func TestConnectConfirmsThenAnnounces(t *testing.T) {
	m := newTestManager()

	_, ftA := connect(t, m, "j1", "u1", "Ada")

	msgs := ftA.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("expected confirmation + joined presence, got %d frames", len(msgs))
	}

	if msgs[0].Type != protocol.TypeConnectionConfirmed {
		t.Fatalf("first frame must be %s, got %s", protocol.TypeConnectionConfirmed, msgs[0].Type)
	}
	conf := confirmedPayload(t, msgs[0])
	if conf.JournalEntryID != "j1" {
		t.Errorf("expected journalEntryId j1, got %q", conf.JournalEntryID)
	}
	if len(conf.MessageHistory) != 0 {
		t.Errorf("fresh room should replay no history, got %d entries", len(conf.MessageHistory))
	}
	if _, err := time.Parse(time.RFC3339, conf.ServerTime); err != nil {
		t.Errorf("serverTime not RFC3339: %v", err)
	}

	if msgs[1].Type != protocol.TypeUserPresence {
		t.Fatalf("second frame must be %s, got %s", protocol.TypeUserPresence, msgs[1].Type)
	}
	pres := presencePayload(t, msgs[1])
	if pres.Event != protocol.PresenceJoined || pres.TotalCount != 1 {
		t.Errorf("expected joined event with total 1, got %+v", pres)
	}
	if pres.UserID != "u1" || pres.UserName != "Ada" {
		t.Errorf("actor attribution lost: %+v", pres)
	}
	// The joiner sees its own join confirmed in the shared roster.
	if len(pres.ActiveUsers) != 1 || pres.ActiveUsers[0].UserID != "u1" {
		t.Errorf("joiner missing from its own presence roster: %+v", pres.ActiveUsers)
	}
}

func TestSecondJoinVisibleToExistingMembers(t *testing.T) {
	m := newTestManager()

	_, ftA := connect(t, m, "j1", "u1", "Ada")
	ftA.reset()

	connect(t, m, "j1", "u2", "Grace")

	joined := ftA.messagesOfType(t, protocol.TypeUserPresence)
	if len(joined) != 1 {
		t.Fatalf("expected exactly one presence frame for A, got %d", len(joined))
	}
	pres := presencePayload(t, joined[0])
	if pres.Event != protocol.PresenceJoined || pres.TotalCount != 2 {
		t.Errorf("expected joined event with total 2, got %+v", pres)
	}
	if len(pres.ActiveUsers) != 2 || pres.ActiveUsers[0].UserID != "u1" || pres.ActiveUsers[1].UserID != "u2" {
		t.Errorf("roster not in join order: %+v", pres.ActiveUsers)
	}
}

func TestLateJoinerReplaysHistoryInOrder(t *testing.T) {
	m := newTestManager()

	connect(t, m, "j1", "u1", "Ada")

	for i := 0; i < 3; i++ {
		if err := m.Broadcast("j1", protocol.TypeNewHighlight, map[string]int{"n": i}, "u2", ""); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}

	_, ftC := connect(t, m, "j1", "u3", "Carol")

	conf := confirmedPayload(t, ftC.messages(t)[0])
	// Presence events are transient; the replay carries exactly the three
	// highlight broadcasts, oldest first.
	if len(conf.MessageHistory) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(conf.MessageHistory))
	}
	for i, raw := range conf.MessageHistory {
		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("replayed entry %d: %v", i, err)
		}
		if msg.Type != protocol.TypeNewHighlight {
			t.Errorf("entry %d: expected %s, got %s", i, protocol.TypeNewHighlight, msg.Type)
		}
		var p struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			t.Fatalf("entry %d payload: %v", i, err)
		}
		if p.N != i {
			t.Errorf("entry %d out of order: n=%d", i, p.N)
		}
	}
}

func TestTypingStartBroadcastsUpdate(t *testing.T) {
	m := newTestManager()

	hA, ftA := connect(t, m, "j1", "u1", "Ada")
	_, ftB := connect(t, m, "j1", "u2", "Grace")
	ftA.reset()
	ftB.reset()

	m.HandleClientEvent(hA, clientEvent(t, protocol.TypeTypingStart, nil))

	msgs := ftB.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one frame for B, got %d", len(msgs))
	}
	pres := presencePayload(t, msgs[0])
	if pres.Event != protocol.PresenceUpdate {
		t.Errorf("expected update event, got %q", pres.Event)
	}
	var typing *protocol.ActiveUser
	for i := range pres.ActiveUsers {
		if pres.ActiveUsers[i].UserID == "u1" {
			typing = &pres.ActiveUsers[i]
		}
	}
	if typing == nil || !typing.IsTyping {
		t.Errorf("u1 should appear typing in the roster: %+v", pres.ActiveUsers)
	}

	// A cursor move that follows updates state silently.
	m.HandleClientEvent(hA, clientEvent(t, protocol.TypeCursorMove, protocol.CursorMovePayload{Position: 17}))
	if got := len(ftB.messages(t)); got != 1 {
		t.Fatalf("cursor move must not broadcast, B now has %d frames", got)
	}
	users := m.Presence().Snapshot("j1")
	if users[0].CursorPosition == nil || *users[0].CursorPosition != 17 {
		t.Errorf("cursor position not recorded: %+v", users[0])
	}

	m.HandleClientEvent(hA, clientEvent(t, protocol.TypeTypingStop, nil))
	msgs = ftB.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("typing stop should broadcast, B has %d frames", len(msgs))
	}
	pres = presencePayload(t, msgs[1])
	if pres.ActiveUsers[0].IsTyping {
		t.Errorf("u1 should no longer be typing")
	}
	// The silently recorded cursor rides along on the next presence event.
	if pres.ActiveUsers[0].CursorPosition == nil || *pres.ActiveUsers[0].CursorPosition != 17 {
		t.Errorf("cursor position missing from presence event: %+v", pres.ActiveUsers[0])
	}
}

func TestHeartbeatIsSilent(t *testing.T) {
	m := newTestManager()

	hA, ftA := connect(t, m, "j1", "u1", "Ada")
	_, ftB := connect(t, m, "j1", "u2", "Grace")
	ftA.reset()
	ftB.reset()

	before := hA.LastHeartbeat()
	time.Sleep(10 * time.Millisecond)
	m.HandleClientEvent(hA, clientEvent(t, protocol.TypeHeartbeat, nil))

	if !hA.LastHeartbeat().After(before) {
		t.Errorf("heartbeat did not refresh liveness")
	}
	if len(ftA.messages(t)) != 0 || len(ftB.messages(t)) != 0 {
		t.Errorf("heartbeat must not broadcast")
	}
}

func TestMalformedAndUnknownEventsIgnored(t *testing.T) {
	m := newTestManager()

	hA, ftA := connect(t, m, "j1", "u1", "Ada")
	ftA.reset()

	m.HandleClientEvent(hA, []byte("{not json"))
	m.HandleClientEvent(hA, []byte(`{"payload":{}}`))
	m.HandleClientEvent(hA, clientEvent(t, "SELF_DESTRUCT", nil))

	if len(ftA.messages(t)) != 0 {
		t.Errorf("bad input must not produce frames")
	}
	if m.TotalConnections() != 1 {
		t.Errorf("bad input must not kill the connection")
	}
}

func TestDisconnectAnnouncesLeftOnce(t *testing.T) {
	m := newTestManager()

	hA, ftA := connect(t, m, "j1", "u1", "Ada")
	_, ftB := connect(t, m, "j1", "u2", "Grace")
	ftB.reset()

	m.Disconnect(hA)
	m.Disconnect(hA) // racing close paths must be idempotent

	if !ftA.isClosed() {
		t.Errorf("transport should be closed on disconnect")
	}
	if m.TotalConnections() != 1 {
		t.Errorf("expected 1 remaining connection, got %d", m.TotalConnections())
	}

	msgs := ftB.messagesOfType(t, protocol.TypeUserPresence)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one left event, got %d", len(msgs))
	}
	pres := presencePayload(t, msgs[0])
	if pres.Event != protocol.PresenceLeft || pres.TotalCount != 1 || pres.UserID != "u1" {
		t.Errorf("unexpected left event: %+v", pres)
	}
}

func TestWriteFailureEvictsThroughDisconnectPath(t *testing.T) {
	m := newTestManager()

	_, ftA := connect(t, m, "j1", "u1", "Ada")
	_, ftB := connect(t, m, "j1", "u2", "Grace")
	_, ftC := connect(t, m, "j1", "u3", "Carol")
	ftA.reset()
	ftC.reset()
	ftB.setFail(true)

	if err := m.Broadcast("j1", protocol.TypeUpdateHighlight, map[string]string{"id": "h1"}, "u1", ""); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if m.TotalConnections() != 2 {
		t.Fatalf("failing connection should be removed, got %d members", m.TotalConnections())
	}
	if !ftB.isClosed() {
		t.Errorf("failed transport should be closed")
	}

	for name, ft := range map[string]*fakeTransport{"A": ftA, "C": ftC} {
		if got := len(ft.messagesOfType(t, protocol.TypeUpdateHighlight)); got != 1 {
			t.Errorf("%s: expected the highlight despite B failing, got %d", name, got)
		}
		left := ft.messagesOfType(t, protocol.TypeUserPresence)
		if len(left) != 1 || presencePayload(t, left[0]).Event != protocol.PresenceLeft {
			t.Errorf("%s: expected a left event for the evicted member", name)
		}
	}
}

func TestSweepStaleEvictsOnce(t *testing.T) {
	m := newTestManager()

	hA, _ := connect(t, m, "j1", "u1", "Ada")
	_, ftB := connect(t, m, "j1", "u2", "Grace")
	ftB.reset()

	now := time.Now()
	hA.touch(now.Add(-10 * time.Minute))

	evicted := m.SweepStale(now)
	if len(evicted) != 1 || evicted[0] != hA.ID() {
		t.Fatalf("expected A evicted, got %v", evicted)
	}
	if m.TotalConnections() != 1 {
		t.Errorf("expected 1 connection after sweep, got %d", m.TotalConnections())
	}
	if got := len(ftB.messagesOfType(t, protocol.TypeUserPresence)); got != 1 {
		t.Errorf("expected one left event for B, got %d", got)
	}

	// An immediate second sweep finds nothing new.
	if evicted := m.SweepStale(now); len(evicted) != 0 {
		t.Fatalf("second sweep must evict nothing, got %v", evicted)
	}
}

func TestRoomGCOnLastDisconnect(t *testing.T) {
	m := newTestManager()

	hA, _ := connect(t, m, "j1", "u1", "Ada")
	if err := m.Broadcast("j1", protocol.TypeNewComment, map[string]string{"id": "c1"}, "u1", ""); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	m.Disconnect(hA)

	if m.RoomCount() != 0 {
		t.Errorf("expected room destroyed, got %d rooms", m.RoomCount())
	}
	if got := len(m.Recent("j1", 100)); got != 0 {
		t.Errorf("expected history dropped with the room, got %d entries", got)
	}
}

func TestBroadcastEchoesToSender(t *testing.T) {
	m := newTestManager()

	_, ftA := connect(t, m, "j1", "u1", "Ada")
	ftA.reset()

	// Delivery is at-least-once to every member, the sender's own
	// connection included.
	if err := m.Broadcast("j1", protocol.TypeNewHighlight, map[string]string{"id": "h1"}, "u1", "corr-1"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	msgs := ftA.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("sender should receive its own broadcast, got %d frames", len(msgs))
	}
	if msgs[0].CorrelationID != "corr-1" {
		t.Errorf("supplied correlation id must be preserved, got %q", msgs[0].CorrelationID)
	}
}

func TestConnectRequiresIdentityAndRoom(t *testing.T) {
	m := newTestManager()

	if _, err := m.Connect("", "u1", "Ada", &fakeTransport{}); err == nil {
		t.Errorf("expected error for empty room key")
	}
	if _, err := m.Connect("j1", "", "", &fakeTransport{}); err == nil {
		t.Errorf("expected error for empty user id")
	}
	if m.RoomCount() != 0 {
		t.Errorf("rejected connects must not create rooms")
	}
}
