package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrDuplicateFavorite is returned when a favorites list repeats a subject.
	ErrDuplicateFavorite = errors.New("storage: duplicate favorite subject")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Usage() UsageStore
	Favorites() FavoriteStore
	Replay() ReplayStore
}

// UsageStore persists daily usage counters keyed by calendar day.
type UsageStore interface {
	GetDailyUsage(ctx context.Context, date string, clientID string) (*DailyUsage, error)
	IncrementDailyUsage(ctx context.Context, date string, clientID string, seconds int64) error
	ResetDailyUsage(ctx context.Context, date string, clientID string) error
	DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error)
}

// FavoriteStore reads and writes whole favorites lists.
type FavoriteStore interface {
	Load(ctx context.Context, userID string) ([]Favorite, error)
	Save(ctx context.Context, userID string, favorites []Favorite) error
}

// ReplayStore records consumed token codes inside a session namespace.
// Markers expire after ttl and are removed in bulk by Purge.
type ReplayStore interface {
	IsConsumed(ctx context.Context, sessionID, code string) (bool, error)
	MarkConsumed(ctx context.Context, sessionID, code string, ttl time.Duration) error
	Purge(ctx context.Context, sessionID string) (int, error)
}
