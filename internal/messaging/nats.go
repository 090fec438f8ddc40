// Package messaging bridges CRUD service announcements into the broadcaster
// over NATS. After persisting a highlight or comment mutation, a CRUD service
// publishes an Announcement on collab.events.<journalEntryId>; the bridge
// forwards it to the room as a broadcast. This is an inbound announcement
// channel only; rooms are never fanned out across nodes.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectEvents is the subject prefix for CRUD announcements; the journal
// entry ID is the final token.
const SubjectEvents = "collab.events"

// Announcement is the payload CRUD services publish after a mutation.
type Announcement struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	UserID        string          `json:"userId"`
	CorrelationID string          `json:"correlationId"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "collab-server",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Client wraps the NATS connection used for the announcement bridge.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Client{conn: nc}, nil
}

// PublishAnnouncement publishes a CRUD announcement for a journal entry.
// Exposed for CRUD services built on this module; the broadcaster itself only
// consumes.
func (c *Client) PublishAnnouncement(journalEntryID string, a Announcement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("nats: marshal announcement: %w", err)
	}
	return c.conn.Publish(SubjectEvents+"."+journalEntryID, data)
}

// SubscribeAnnouncements registers a handler for every CRUD announcement. The
// handler receives the journal entry ID parsed from the subject; messages
// that fail to decode are logged and dropped.
func (c *Client) SubscribeAnnouncements(handler func(journalEntryID string, a Announcement)) error {
	sub, err := c.conn.Subscribe(SubjectEvents+".>", func(msg *nats.Msg) {
		journalEntryID := strings.TrimPrefix(msg.Subject, SubjectEvents+".")

		var a Announcement
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			log.Printf("[nats] malformed announcement on %s: %v", msg.Subject, err)
			return
		}
		if a.Type == "" {
			log.Printf("[nats] announcement without type on %s, dropping", msg.Subject)
			return
		}
		handler(journalEntryID, a)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s.>: %w", SubjectEvents, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = nil

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
