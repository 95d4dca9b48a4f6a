package bolt

import (
	"context"
	"errors"

	"github.com/goodtune/livestat/internal/storage"
	"go.etcd.io/bbolt"
)

type favoriteStore struct {
	db *bbolt.DB
}

func (s *favoriteStore) Load(ctx context.Context, userID string) ([]storage.Favorite, error) {
	favorites, err := getBucketValue[[]storage.Favorite](ctx, s.db, bucketFavorites, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return []storage.Favorite{}, nil
	}
	if err != nil {
		return nil, err
	}
	if *favorites == nil {
		return []storage.Favorite{}, nil
	}
	return *favorites, nil
}

func (s *favoriteStore) Save(ctx context.Context, userID string, favorites []storage.Favorite) error {
	if err := storage.ValidateFavorites(favorites); err != nil {
		return err
	}
	if favorites == nil {
		favorites = []storage.Favorite{}
	}
	return putBucketValue(ctx, s.db, bucketFavorites, userID, favorites)
}
