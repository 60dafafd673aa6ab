package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	shoutsKeyFormat = "venue:%s:shouts" // Sorted set, score = created_at (ms)

	// ShoutRetention bounds how long shouts stay in Redis. Clients display a
	// shout for a much shorter, fixed time.
	ShoutRetention = 1 * time.Hour
)

// ShoutStore persists shouts in Redis and announces each one on NATS.
type ShoutStore struct {
	rdb     *redis.Client
	venueID string
	pub     Publisher
}

// NewShoutStore creates a shout store for one venue. pub may be nil.
func NewShoutStore(rdb *redis.Client, venueID string, pub Publisher) *ShoutStore {
	return &ShoutStore{rdb: rdb, venueID: venueID, pub: pub}
}

// Add stores a shout and trims entries older than ShoutRetention.
func (s *ShoutStore) Add(ctx context.Context, shout Shout) error {
	if shout.CreatedAt == 0 {
		shout.CreatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(shout)
	if err != nil {
		return fmt.Errorf("venue: marshal shout: %w", err)
	}

	key := s.shoutsKey()
	cutoff := shout.CreatedAt - ShoutRetention.Milliseconds()

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(shout.CreatedAt), Member: string(data)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, ShoutRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("venue: add shout: %w", err)
	}

	publishChange(s.pub, s.venueID, Change{
		Kind:  KindShouts,
		ID:    shout.CreatedBy,
		Shout: &shout,
		Ts:    shout.CreatedAt,
	})
	return nil
}

// Since returns shouts created strictly after since (unix ms), oldest first.
func (s *ShoutStore) Since(ctx context.Context, since int64) ([]Shout, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.shoutsKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("venue: shouts since %d: %w", since, err)
	}

	shouts := make([]Shout, 0, len(members))
	for _, m := range members {
		var sh Shout
		if err := json.Unmarshal([]byte(m), &sh); err != nil {
			log.Printf("[venue] skipping malformed shout: %v", err)
			continue
		}
		shouts = append(shouts, sh)
	}
	return shouts, nil
}

func (s *ShoutStore) shoutsKey() string {
	return fmt.Sprintf(shoutsKeyFormat, s.venueID)
}
