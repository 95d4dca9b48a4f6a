package redis

import (
	"context"
	"fmt"

	"github.com/goodtune/livestat/internal/storage"
	"github.com/redis/go-redis/v9"
)

type usageStore struct {
	client *redis.Client
}

// GetDailyUsage retrieves daily usage for a specific date and client
func (s *usageStore) GetDailyUsage(ctx context.Context, date, clientID string) (*storage.DailyUsage, error) {
	data, err := s.client.HGetAll(ctx, dailyUsageKey(date, clientID)).Result()
	if err != nil {
		return nil, err
	}

	return parseDailyUsage(data)
}

// IncrementDailyUsage atomically increments (or creates) daily usage
func (s *usageStore) IncrementDailyUsage(ctx context.Context, date, clientID string, seconds int64) error {
	score, err := dateScore(date)
	if err != nil {
		return err
	}

	script := redis.NewScript(incrementDailyUsageScript)

	keys := []string{dailyUsageKey(date, clientID), dailyIndexKey(date), datesKey()}
	args := []interface{}{date, clientID, seconds, score}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// ResetDailyUsage zeroes the counter for a date and client if it exists
func (s *usageStore) ResetDailyUsage(ctx context.Context, date, clientID string) error {
	usageKey := dailyUsageKey(date, clientID)

	exists, err := s.client.Exists(ctx, usageKey).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return nil
	}

	return s.client.HSet(ctx, usageKey, "total_seconds", 0).Err()
}

// DeleteDailyUsageBefore deletes daily usage entries before the specified date.
// Keys also carry a 90 day TTL, so this only matters for shorter retention.
func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := dateScore(cutoffDate)
	if err != nil {
		return 0, err
	}

	dates, err := s.client.ZRangeByScore(ctx, datesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", int64(cutoff)),
	}).Result()
	if err != nil {
		return 0, err
	}

	var deletedCount int
	for _, date := range dates {
		clients, err := s.client.SMembers(ctx, dailyIndexKey(date)).Result()
		if err != nil {
			return deletedCount, err
		}

		toDelete := make([]string, 0, len(clients)+1)
		for _, clientID := range clients {
			toDelete = append(toDelete, dailyUsageKey(date, clientID))
		}

		if len(toDelete) > 0 {
			deleted, err := s.client.Del(ctx, toDelete...).Result()
			if err != nil {
				return deletedCount, err
			}
			deletedCount += int(deleted)
		}

		pipe := s.client.Pipeline()
		pipe.Del(ctx, dailyIndexKey(date))
		pipe.ZRem(ctx, datesKey(), date)
		if _, err := pipe.Exec(ctx); err != nil {
			return deletedCount, err
		}
	}

	return deletedCount, nil
}
