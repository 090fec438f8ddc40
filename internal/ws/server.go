// Package ws is the transport layer of the collaboration broadcaster. It
// upgrades HTTP connections to WebSocket, runs one read goroutine per
// connection, and exposes the health, metrics, and internal announce routes
// the rest of the deployment talks to.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/inkwell/collab-server/internal/collab"
	"github.com/inkwell/collab-server/internal/metrics"
	"github.com/inkwell/collab-server/internal/protocol"
	"github.com/inkwell/collab-server/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total joined connections
	ReadTimeout    time.Duration // idle limit per read; zero relies on the heartbeat reaper alone
	WriteTimeout   time.Duration // per-frame write deadline during fan-out
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    0,
		WriteTimeout:   5 * time.Second,
	}
}

// Server accepts WebSocket connections for journal-entry rooms and feeds
// inbound client events to the collaboration manager. Identity arrives
// already resolved by the upstream auth layer via the X-User-Id and
// X-Display-Name headers (query parameters as a fallback for local tooling).
type Server struct {
	config     ServerConfig
	manager    *collab.Manager
	limiter    *ratelimit.Limiter // nil when Redis is not configured
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a Server on top of the given manager. limiter may be nil.
func NewServer(config ServerConfig, manager *collab.Manager, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:  config,
		manager: manager,
		limiter: limiter,
	}
}

// Handler returns the server's route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/internal/broadcast", s.handleBroadcast)
	return mux
}

// Start begins accepting connections and blocks on ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	log.Printf("ws: server listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection, admits it
// into the journal entry's room, and starts the per-connection read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	journalEntryID := r.URL.Query().Get("journalEntryId")
	if journalEntryID == "" {
		http.Error(w, "journalEntryId required", http.StatusBadRequest)
		return
	}

	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	displayName := r.Header.Get("X-Display-Name")
	if displayName == "" {
		displayName = r.URL.Query().Get("displayName")
	}
	if userID == "" {
		http.Error(w, "unresolved identity", http.StatusBadRequest)
		return
	}
	if displayName == "" {
		displayName = userID
	}

	if s.manager.TotalConnections() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	transport := NewTransport(conn, s.config.WriteTimeout)
	handle, err := s.manager.Connect(journalEntryID, userID, displayName, transport)
	if err != nil {
		log.Printf("ws: connect rejected user=%s room=%s: %v", userID, journalEntryID, err)
		_ = transport.Close()
		return
	}

	go s.readLoop(handle, conn)
}

// readLoop reads client frames until the connection dies. Control frames are
// answered inside wsutil; a read error of any kind, including the transport
// being closed by an eviction elsewhere, funnels into the same disconnect
// path as a client-initiated close.
func (s *Server) readLoop(handle *collab.ConnectionHandle, conn net.Conn) {
	defer s.manager.Disconnect(handle)

	for {
		if s.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) {
				log.Printf("ws: read ended conn=%s: %v", handle.ID(), err)
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if len(data) == 0 {
			continue
		}

		if s.limiter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			allowed, _ := s.limiter.Allow(ctx, handle.ID(), ratelimit.RuleEvent)
			cancel()
			if !allowed {
				log.Printf("ws: event rate limit exceeded conn=%s, dropping frame", handle.ID())
				continue
			}
		}

		s.manager.HandleClientEvent(handle, data)
	}
}

// handleHealth responds with the aggregate room and connection counts as JSON
// for operational monitoring and load balancer health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Rooms       int    `json:"rooms"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Rooms:       s.manager.RoomCount(),
		Connections: s.manager.TotalConnections(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// broadcastRequest is the body of POST /internal/broadcast, the narrow
// interface the CRUD layer calls after persisting a mutation.
type broadcastRequest struct {
	JournalEntryID string          `json:"journalEntryId"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	UserID         string          `json:"userId"`
	CorrelationID  string          `json:"correlationId"`
}

// handleBroadcast forwards a CRUD announcement into the target room.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.JournalEntryID == "" || req.Type == "" || protocol.IsClientType(req.Type) {
		http.Error(w, "invalid journalEntryId or type", http.StatusBadRequest)
		return
	}

	err := s.manager.Broadcast(req.JournalEntryID, req.Type, req.Payload, req.UserID, req.CorrelationID)
	if errors.Is(err, collab.ErrRoomNotFound) {
		http.Error(w, "no connections for journal entry", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "broadcast failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}` + "\n"))
}

// Shutdown stops accepting new connections and shuts the HTTP server down.
// Live WebSocket connections are torn down by the manager's owner.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ws: http shutdown error: %w", err)
	}
	return nil
}
