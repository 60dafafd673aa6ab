package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/playa/presence/internal/config"
	"github.com/playa/presence/internal/messaging"
	"github.com/playa/presence/internal/ratelimit"
	"github.com/playa/presence/internal/relay"
	"github.com/playa/presence/internal/session"
	"github.com/playa/presence/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}

	serverConfig := ws.DefaultServerConfig()
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		serverConfig.ListenAddr = addr
	}
	serverConfig.WorkerPoolSize = config.IntOrDefault("WORKER_POOL_SIZE", serverConfig.WorkerPoolSize)
	serverConfig.MaxConnections = config.IntOrDefault("MAX_CONNECTIONS", serverConfig.MaxConnections)
	serverConfig.ReadTimeout = config.DurationOrDefault("READ_TIMEOUT", serverConfig.ReadTimeout)
	serverConfig.WriteTimeout = config.DurationOrDefault("WRITE_TIMEOUT", serverConfig.WriteTimeout)

	hubConfig := relay.DefaultConfig()
	hubConfig.FlushInterval = config.DurationOrDefault("FLUSH_INTERVAL", hubConfig.FlushInterval)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "playa-relay"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	sessionStore, err := session.NewStore(cfg.Redis.Addr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	log.Printf("Playa relay starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  flush_interval:  %s", hubConfig.FlushInterval)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  instance_id:     %s", hubConfig.InstanceID)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)
	server.SetLimiter(ratelimit.NewLimiter(sessionStore.Client()))

	hub := relay.NewHub(hubConfig, server, natsClient, sessionStore)
	hub.Register(dispatcher)

	if err := natsClient.SubscribeRelayUpdates(hub.HandleRemote); err != nil {
		log.Fatalf("failed to subscribe to relay updates: %v", err)
	}

	server.SetOnDisconnect(func(conn *ws.Connection) {
		// The user's last state stays in the hub; clients drop it once its
		// heartbeat ages past their idle window.
		log.Printf("[relay] disconnect conn=%s uid=%s", conn.ID, conn.UID())
	})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancel()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
