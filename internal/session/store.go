package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for relay session hashes.
	SessionPrefix = "relaysession:"

	// UserPrefix is the Redis key prefix mapping a uid to its connection.
	UserPrefix = "relayuser:"

	// SessionTTL is the time-to-live for session keys in Redis. Every
	// inbound update refreshes it.
	SessionTTL = 10 * time.Minute
)

// Session is one relay connection as stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UID        string `redis:"uid"`         // empty until hello
	Server     string `redis:"server"`      // which relay instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages relay session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new unbound session.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"uid":         "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Bind associates uid with the session and indexes the session by uid. A
// later hello for the same uid on another connection takes the index over.
func (s *Store) Bind(ctx context.Context, sessionID, uid string) error {
	key := SessionPrefix + sessionID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "uid", uid, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Set(ctx, UserPrefix+uid, sessionID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch records activity and refreshes both TTLs.
func (s *Store) Touch(ctx context.Context, sessionID, uid string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, SessionPrefix+sessionID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, SessionPrefix+sessionID, SessionTTL)
	if uid != "" {
		pipe.Expire(ctx, UserPrefix+uid, SessionTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SessionFor returns the id of the session uid is bound to, or "".
func (s *Store) SessionFor(ctx context.Context, uid string) (string, error) {
	id, err := s.client.Get(ctx, UserPrefix+uid).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// Delete removes a session. The uid index is removed only while it still
// points at this session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	uid, err := s.client.HGet(ctx, key, "uid").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if uid != "" {
		if owner, _ := s.SessionFor(ctx, uid); owner == sessionID {
			s.client.Del(ctx, UserPrefix+uid)
		}
	}
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
