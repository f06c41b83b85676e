package history

import (
	"context"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	TTL         time.Duration
}

// NewStore picks PostgreSQL when DATABASE_URL is set, Redis when REDIS_URL is
// set, and an in-memory store otherwise.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var opts []RedisOption
		if cfg.TTL > 0 {
			opts = append(opts, WithTTL(cfg.TTL))
		}
		return DialRedis(ctx, cfg.RedisURL, opts...)
	}
	return NewInMemoryStore(), nil
}

// Backend names the store implementation for logs.
func Backend(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *RedisStore:
		return "redis"
	case *InMemoryStore:
		return "memory"
	default:
		return "custom"
	}
}
