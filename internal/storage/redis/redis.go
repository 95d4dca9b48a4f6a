package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/livestat/internal/config"
	"github.com/goodtune/livestat/internal/storage"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key written by this backend
const keyPrefix = "livestat:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client        *redis.Client
	usageStore    *usageStore
	favoriteStore *favoriteStore
	replayStore   *replayStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port (e.g. "127.0.0.1:6379")
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{
		client:        client,
		usageStore:    &usageStore{client: client},
		favoriteStore: &favoriteStore{client: client},
		replayStore:   &replayStore{client: client},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore {
	return s.usageStore
}

// Favorites returns the FavoriteStore implementation
func (s *Store) Favorites() storage.FavoriteStore {
	return s.favoriteStore
}

// Replay returns the ReplayStore implementation
func (s *Store) Replay() storage.ReplayStore {
	return s.replayStore
}
