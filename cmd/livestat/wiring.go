package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/goodtune/livestat/internal/config"
	"github.com/goodtune/livestat/internal/gate"
	"github.com/goodtune/livestat/internal/storage"
	"github.com/goodtune/livestat/internal/storage/bolt"
	"github.com/goodtune/livestat/internal/storage/redis"
	"github.com/goodtune/livestat/internal/token"
)

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be bolt or redis)", cfg.Type)
	}
}

func newAuthority(cfg config.TokenConfig, clock quartz.Clock) (*token.Authority, error) {
	signer, err := token.NewSigner(cfg.Scheme, cfg.Secret)
	if err != nil {
		return nil, err
	}
	return token.NewAuthority(signer, config.ParseDuration(cfg.Window, token.DefaultWindow), clock), nil
}

// newReplayCache returns the configured cache and a function that releases
// it at shutdown.
func newReplayCache(cfg config.GateConfig, store storage.Store) (gate.ReplayCache, func(context.Context) error, error) {
	ttl := config.ParseDuration(cfg.ReplayTTL, 24*time.Hour)

	switch cfg.ReplayBackend {
	case "storage":
		cache := gate.NewStoreReplayCache(store.Replay(), ttl)
		return cache, cache.Close, nil
	default:
		cache, err := gate.NewMemoryReplayCache(cfg.ReplayCacheSize, ttl)
		if err != nil {
			return nil, nil, err
		}
		return cache, func(context.Context) error { return nil }, nil
	}
}
