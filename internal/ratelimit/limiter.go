// Package ratelimit throttles shouts and relay connections with Redis
// fixed-window counters (INCR + EXPIRE), shared by every process that talks
// to the same Redis.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:shout:"
	Limit  int           // max count in the window
	Window time.Duration // window length
}

var (
	// RuleShout allows 5 shouts per 30 seconds per user, on top of the
	// client-side send cooldown.
	RuleShout = Rule{Key: "rl:shout:", Limit: 5, Window: 30 * time.Second}

	// RuleRelayConnect allows 20 relay handshakes per minute per remote IP.
	// Clients re-dial every second while the relay is unreachable, so the
	// limit leaves headroom for a reconnect storm.
	RuleRelayConnect = Rule{Key: "rl:relay:", Limit: 20, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one hit for identifier under rule and reports whether it is
// within the limit. Redis errors fail open: the hit is allowed and the error
// returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return true, err
	}

	return int(incr.Val()) <= rule.Limit, nil
}

// Remaining returns how many hits identifier has left in the current window.
// It returns the full limit when no window is open or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}
