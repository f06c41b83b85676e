package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 7 * 24 * time.Hour

// RedisStore keeps each session's turns in a Redis list with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisStore)

// WithTTL sets how long a session's turns live after the last write.
// Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    defaultRedisTTL,
		prefix: "voicetutor",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis parses a redis:// URL, connects and pings.
func DialRedis(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":session:" + sessionID + ":turns"
}

func (s *RedisStore) RecordTurn(ctx context.Context, sessionID string, rec TurnRecord) error {
	rec, err := normalize(sessionID, rec, uuid.NewString)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record turn: %w", err)
	}
	return nil
}

func (s *RedisStore) SessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.client.LRange(ctx, s.key(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis session turns: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]TurnRecord, 0, len(raw))
	for _, item := range raw {
		var rec TurnRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
