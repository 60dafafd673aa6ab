package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	client.FlushDB(context.Background())
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestAllow_EnforcesLimit(t *testing.T) {
	l := NewLimiter(setupTestRedis(t))
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		if err != nil || !ok {
			t.Fatalf("hit %d: expected allowed, got %v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "alice", rule); ok {
		t.Error("4th hit should be limited")
	}
	if ok, _ := l.Allow(ctx, "bob", rule); !ok {
		t.Error("limits are per identifier")
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	l := NewLimiter(setupTestRedis(t))
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	l.Allow(ctx, "alice", rule)
	if ok, _ := l.Allow(ctx, "alice", rule); ok {
		t.Fatal("second hit inside the window should be limited")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "alice", rule); !ok {
		t.Error("expected a fresh window after expiry")
	}
}

func TestRemaining(t *testing.T) {
	l := NewLimiter(setupTestRedis(t))
	ctx := context.Background()

	if n, _ := l.Remaining(ctx, "alice", RuleShout); n != RuleShout.Limit {
		t.Errorf("expected full limit before any hit, got %d", n)
	}
	l.Allow(ctx, "alice", RuleShout)
	l.Allow(ctx, "alice", RuleShout)
	if n, _ := l.Remaining(ctx, "alice", RuleShout); n != RuleShout.Limit-2 {
		t.Errorf("expected %d remaining, got %d", RuleShout.Limit-2, n)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	ok, err := NewLimiter(client).Allow(context.Background(), "alice", RuleShout)
	if !ok {
		t.Error("expected fail-open when Redis is unreachable")
	}
	if err == nil {
		t.Error("expected the Redis error to be returned")
	}
}
