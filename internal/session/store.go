// Package session mirrors live connection records into Redis so operators can
// see which users are connected to which journal entries across server
// instances. The broadcaster itself never reads these records on the hot
// path; they are written around the connect/heartbeat/disconnect lifecycle
// and expire on their own if a server dies without cleaning up.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for all connection hashes.
	ConnPrefix = "collab:conn:"

	// ConnTTL is the time-to-live for connection keys. Heartbeats refresh
	// it, so a record outliving its TTL means the owning server is gone.
	ConnTTL = 10 * time.Minute
)

// Record is the per-connection state mirrored into Redis.
type Record struct {
	ID             string `redis:"id"`
	UserID         string `redis:"user_id"`
	DisplayName    string `redis:"display_name"`
	JournalEntryID string `redis:"journal_entry_id"`
	Server         string `redis:"server"`
	ConnectedAt    int64  `redis:"connected_at"`
	LastHeartbeat  int64  `redis:"last_heartbeat"`
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and returns a store tagged with this server
// instance's name.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create writes a fresh connection record with the TTL applied.
func (s *Store) Create(ctx context.Context, connID, userID, displayName, journalEntryID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":               connID,
		"user_id":          userID,
		"display_name":     displayName,
		"journal_entry_id": journalEntryID,
		"server":           s.serverName,
		"connected_at":     now,
		"last_heartbeat":   now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch updates the record's heartbeat timestamp and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_heartbeat", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	key := ConnPrefix + connID
	var record Record
	err := s.client.HGetAll(ctx, key).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.ID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// Delete removes a connection record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
