package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/playa/presence/internal/agent"
	"github.com/playa/presence/internal/config"
	"github.com/playa/presence/internal/messaging"
	"github.com/playa/presence/internal/metrics"
	"github.com/playa/presence/internal/moderation"
	"github.com/playa/presence/internal/presence"
	"github.com/playa/presence/internal/ratelimit"
	"github.com/playa/presence/internal/relayclient"
	"github.com/playa/presence/internal/shout"
	"github.com/playa/presence/internal/venue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := cfg.RequireUser(); err != nil {
		log.Fatalf("%v", err)
	}
	uid := cfg.Venue.UserID

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "playa-agent-" + uid
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancelPing()

	// --- PostgreSQL ---
	if err := venue.Migrate(cfg.Database.URL); err != nil {
		log.Fatalf("failed to migrate chat request log: %v", err)
	}
	dbCtx, cancelDB := context.WithTimeout(context.Background(), 5*time.Second)
	db, err := venue.OpenDB(dbCtx, cfg.Database.URL)
	cancelDB()
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}

	venueID := cfg.Venue.ID
	store := &venue.Store{
		Roster:   venue.NewRosterStore(rdb, venueID, natsClient),
		Requests: venue.NewRequestLog(db, venueID, natsClient),
		Shouts:   venue.NewShoutStore(rdb, venueID, natsClient),
	}

	// Join the roster if this user has no record yet.
	regCtx, cancelReg := context.WithTimeout(context.Background(), 5*time.Second)
	if p, err := store.Roster.Get(regCtx, uid); err != nil {
		log.Fatalf("failed to read roster: %v", err)
	} else if p == nil {
		if err := store.Roster.Put(regCtx, venue.Participant{ID: uid, PartyName: cfg.Venue.PartyName}); err != nil {
			log.Fatalf("failed to join roster: %v", err)
		}
	}
	cancelReg()

	log.Printf("Playa agent starting")
	log.Printf("  uid:           %s", uid)
	log.Printf("  venue:         %s", venueID)
	log.Printf("  relay_url:     %s", cfg.Relay.URL)
	log.Printf("  max_idle_time: %s", cfg.Venue.MaxIdleTime)
	log.Printf("  nats_url:      %s", cfg.NATS.URL)
	log.Printf("  redis_addr:    %s", cfg.Redis.Addr)

	ctx, cancel := context.WithCancel(context.Background())

	presenceStore := presence.NewStore(uid)
	relay := relayclient.New(relayclient.Config{URL: cfg.Relay.URL, DialTimeout: cfg.Relay.DialTimeout}, presenceStore)

	feed := shout.NewFeed(nil)
	if err := feed.Subscribe(shout.NewNATSSource(natsClient, venueID, "agent-"+uid)); err != nil {
		log.Fatalf("failed to subscribe to shouts: %v", err)
	}
	sender := shout.NewSender(shout.SenderConfig{
		UID:      uid,
		Cooldown: cfg.Venue.MessageCooldown,
		Filter:   moderation.NewFilter(),
		Limiter:  ratelimit.NewLimiter(rdb),
	}, store.Shouts)

	console := newConsole(os.Stdin, os.Stdout)
	a := agent.New(agent.Config{SelfUID: uid, MaxIdleTime: cfg.Venue.MaxIdleTime},
		presenceStore, relay, store, feed, sender, console)

	relay.OnBroadcast(a.HandleBroadcast)
	relay.Activate(ctx)

	if err := a.Watch(ctx, natsClient, venueID); err != nil {
		log.Fatalf("failed to watch venue: %v", err)
	}
	go a.RunHeartbeat(ctx, cfg.Venue.MaxIdleTime/3)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		console.Run(ctx, a)
		close(done)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case <-done:
		log.Printf("console closed, shutting down...")
	}

	cancel()
	relay.Deactivate()
	sender.Close()
	feed.Close()
	natsClient.Close()
	if err := db.Close(); err != nil {
		log.Printf("postgres close error: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
}
