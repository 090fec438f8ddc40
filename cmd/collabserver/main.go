package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/inkwell/collab-server/internal/collab"
	"github.com/inkwell/collab-server/internal/messaging"
	"github.com/inkwell/collab-server/internal/ratelimit"
	"github.com/inkwell/collab-server/internal/session"
	"github.com/inkwell/collab-server/internal/ws"
)

func main() {
	serverConfig := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		serverConfig.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			serverConfig.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			serverConfig.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			serverConfig.WriteTimeout = d
		}
	}

	collabConfig := collab.DefaultConfig()
	if v := os.Getenv("HISTORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			collabConfig.HistorySize = n
		}
	}
	if v := os.Getenv("REPLAY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			collabConfig.ReplayLimit = n
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			collabConfig.HeartbeatInterval = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "collab-1"
	}

	// --- Redis (optional: connection mirror + rate limiting) ---
	var sessionStore *session.Store
	var limiter *ratelimit.Limiter
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		var err error
		sessionStore, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	// --- NATS (optional: CRUD announcement bridge) ---
	var natsClient *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName
		var err error
		natsClient, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	log.Printf("collab broadcaster starting")
	log.Printf("  listen_addr:        %s", serverConfig.ListenAddr)
	log.Printf("  max_connections:    %d", serverConfig.MaxConnections)
	log.Printf("  write_timeout:      %s", serverConfig.WriteTimeout)
	log.Printf("  history_size:       %d", collabConfig.HistorySize)
	log.Printf("  replay_limit:       %d", collabConfig.ReplayLimit)
	log.Printf("  heartbeat_interval: %s", collabConfig.HeartbeatInterval)
	log.Printf("  server_name:        %s", serverName)

	manager := collab.NewManager(collabConfig, sessionStore)
	manager.Start()

	if natsClient != nil {
		err := natsClient.SubscribeAnnouncements(func(journalEntryID string, a messaging.Announcement) {
			if err := manager.Broadcast(journalEntryID, a.Type, a.Payload, a.UserID, a.CorrelationID); err != nil {
				// Nobody viewing the entry is the common case; drop quietly.
				if err != collab.ErrRoomNotFound {
					log.Printf("announcement broadcast failed room=%s: %v", journalEntryID, err)
				}
			}
		})
		if err != nil {
			log.Fatalf("failed to subscribe to announcements: %v", err)
		}
	}

	server := ws.NewServer(serverConfig, manager, limiter)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		manager.Stop()
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
