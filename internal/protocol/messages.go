// Package protocol defines the collaboration wire messages exchanged between
// clients viewing a journal entry and the broadcaster. Every message, in both
// directions, is a JSON envelope with a type discriminator, an opaque payload,
// an RFC 3339 timestamp, the attributed sender, and a correlation ID.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeHeartbeat   = "HEARTBEAT"
	TypeTypingStart = "TYPING_START"
	TypeTypingStop  = "TYPING_STOP"
	TypeCursorMove  = "CURSOR_MOVE"
)

// Server -> Client message types. The highlight and comment types are
// forwarded verbatim from the CRUD layer after it persists a mutation; the
// broadcaster never inspects their payloads.
const (
	TypeConnectionConfirmed = "CONNECTION_CONFIRMED"
	TypeNewHighlight        = "NEW_HIGHLIGHT"
	TypeUpdateHighlight     = "UPDATE_HIGHLIGHT"
	TypeDeleteHighlight     = "DELETE_HIGHLIGHT"
	TypeNewComment          = "NEW_COMMENT"
	TypeUpdateComment       = "UPDATE_COMMENT"
	TypeDeleteComment       = "DELETE_COMMENT"
	TypeUserPresence        = "USER_PRESENCE"
)

// Presence event kinds carried inside a USER_PRESENCE payload.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
	PresenceUpdate = "update"
)

// IsClientType reports whether t is a recognized client->server message type.
func IsClientType(t string) bool {
	switch t {
	case TypeHeartbeat, TypeTypingStart, TypeTypingStop, TypeCursorMove:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Message is the shared wire envelope. UserID is empty for server-originated
// messages. CorrelationID is generated when the producer does not supply one;
// it is carried on the wire but not used for deduplication.
type Message struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     string          `json:"timestamp"`
	UserID        string          `json:"userId"`
	CorrelationID string          `json:"correlationId"`
}

// NewMessage builds and serializes a wire envelope. The payload is marshaled
// in place; a zero correlationID is replaced with a fresh UUID and the
// timestamp is set to the current UTC time.
func NewMessage(msgType string, payload interface{}, userID, correlationID string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", msgType, err)
	}

	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	msg := Message{
		Type:          msgType,
		Payload:       raw,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UserID:        userID,
		CorrelationID: correlationID,
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q envelope: %w", msgType, err)
	}
	return out, nil
}

// ParseClientMessage parses raw frame bytes into the envelope and verifies the
// type discriminator is present. It does not reject unknown types; the caller
// decides whether an unrecognized type is ignored or answered.
func ParseClientMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Payload structs
// ---------------------------------------------------------------------------

// CursorMovePayload is the payload of a CURSOR_MOVE client message.
type CursorMovePayload struct {
	Position int `json:"position"`
}

// CursorPayload decodes the message payload as a CURSOR_MOVE position.
func (m Message) CursorPayload() (CursorMovePayload, error) {
	var p CursorMovePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return CursorMovePayload{}, fmt.Errorf("protocol: failed to decode cursor payload: %w", err)
	}
	return p, nil
}

// ConnectionConfirmedPayload is sent to a newly joined connection only. The
// history entries are previously serialized envelopes replayed verbatim.
type ConnectionConfirmedPayload struct {
	JournalEntryID string            `json:"journalEntryId"`
	MessageHistory []json.RawMessage `json:"messageHistory"`
	ServerTime     string            `json:"serverTime"`
}

// ActiveUser is one entry of the presence roster for a room.
type ActiveUser struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	Color          string `json:"color"`
	IsTyping       bool   `json:"isTyping"`
	CursorPosition *int   `json:"cursorPosition"`
	LastHeartbeat  string `json:"lastHeartbeat"`
}

// PresencePayload is the payload of a USER_PRESENCE broadcast: the full
// roster plus the actor and event kind that triggered it.
type PresencePayload struct {
	ActiveUsers []ActiveUser `json:"activeUsers"`
	TotalCount  int          `json:"totalCount"`
	Event       string       `json:"event"`
	UserID      string       `json:"userId"`
	UserName    string       `json:"userName"`
}
