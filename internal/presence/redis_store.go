// Package presence mirrors the session server's live connections into Redis
// so tooling outside the process can see who is connected.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry holds the data stored for each connected session
type Entry struct {
	SessionID   string    `json:"session_id"`
	RemoteAddr  string    `json:"remote_addr"`
	Instance    string    `json:"instance"`
	UserID      int64     `json:"user_id,omitempty"`
	Role        string    `json:"role,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var ErrUnknownSession = errors.New("session not tracked")

// RedisStore implements presence tracking using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed presence store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    12 * time.Hour,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "sessions"
}

// Track records a freshly accepted session.
func (s *RedisStore) Track(ctx context.Context, entry Entry) error {
	now := time.Now().UTC()
	if entry.ConnectedAt.IsZero() {
		entry.ConnectedAt = now
	}
	entry.UpdatedAt = now
	return s.save(ctx, entry)
}

// Identify attaches the authenticated user to a tracked session.
func (s *RedisStore) Identify(ctx context.Context, sessionID string, userID int64, role string) error {
	entry, err := s.get(ctx, sessionID)
	if err != nil {
		return err
	}
	entry.UserID = userID
	entry.Role = role
	entry.UpdatedAt = time.Now().UTC()
	return s.save(ctx, entry)
}

// Untrack removes a session; removing an unknown session is not an error.
func (s *RedisStore) Untrack(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(sessionID))
	pipe.SRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("untrack session: %w", err)
	}
	return nil
}

// List returns every tracked session ordered by connection time. Index
// members whose entry expired are pruned on the way.
func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	var stale []any
	for _, id := range ids {
		entry, err := s.get(ctx, id)
		if errors.Is(err, ErrUnknownSession) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune sessions: %w", err)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ConnectedAt.Equal(entries[j].ConnectedAt) {
			return entries[i].SessionID < entries[j].SessionID
		}
		return entries[i].ConnectedAt.Before(entries[j].ConnectedAt)
	})
	return entries, nil
}

func (s *RedisStore) save(ctx context.Context, entry Entry) error {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(entry.SessionID), jsonData, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), entry.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence entry: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, sessionID string) (Entry, error) {
	jsonData, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return Entry{}, ErrUnknownSession
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup session: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(jsonData), &entry); err != nil {
		return Entry{}, fmt.Errorf("unmarshal presence entry: %w", err)
	}
	return entry, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
