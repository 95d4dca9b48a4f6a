package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/livestat/internal/storage"
	"github.com/redis/go-redis/v9"
)

type favoriteStore struct {
	client *redis.Client
}

// Load returns the saved favorites for a user. A user with nothing saved
// gets an empty list.
func (s *favoriteStore) Load(ctx context.Context, userID string) ([]storage.Favorite, error) {
	data, err := s.client.Get(ctx, favoritesKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []storage.Favorite{}, nil
	}
	if err != nil {
		return nil, err
	}

	var favorites []storage.Favorite
	if err := json.Unmarshal(data, &favorites); err != nil {
		return nil, fmt.Errorf("failed to unmarshal favorites: %w", err)
	}
	if favorites == nil {
		favorites = []storage.Favorite{}
	}

	return favorites, nil
}

// Save replaces the whole favorites list for a user
func (s *favoriteStore) Save(ctx context.Context, userID string, favorites []storage.Favorite) error {
	if err := storage.ValidateFavorites(favorites); err != nil {
		return err
	}
	if favorites == nil {
		favorites = []storage.Favorite{}
	}

	data, err := json.Marshal(favorites)
	if err != nil {
		return fmt.Errorf("failed to marshal favorites: %w", err)
	}

	return s.client.Set(ctx, favoritesKey(userID), data, 0).Err()
}
