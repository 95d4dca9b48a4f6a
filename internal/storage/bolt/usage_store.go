package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/livestat/internal/storage"
	"go.etcd.io/bbolt"
)

type usageStore struct {
	db *bbolt.DB
}

func dailyUsageKey(date, clientID string) string {
	return fmt.Sprintf("%s:%s", date, clientID)
}

func (s *usageStore) GetDailyUsage(ctx context.Context, date, clientID string) (*storage.DailyUsage, error) {
	return getBucketValue[storage.DailyUsage](ctx, s.db, bucketDailyUsage, dailyUsageKey(date, clientID))
}

func (s *usageStore) IncrementDailyUsage(ctx context.Context, date, clientID string, seconds int64) error {
	if _, err := time.Parse(storage.DateLayout, date); err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}

	key := dailyUsageKey(date, clientID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return fmt.Errorf("daily usage bucket missing")
		}
		var usage storage.DailyUsage
		if existing := b.Get([]byte(key)); existing != nil {
			if err := unmarshal(existing, &usage); err != nil {
				return err
			}
		} else {
			usage = storage.DailyUsage{
				Date:     date,
				ClientID: clientID,
			}
		}
		usage.TotalSeconds += seconds
		data, err := marshal(usage)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *usageStore) ResetDailyUsage(ctx context.Context, date, clientID string) error {
	usage, err := s.GetDailyUsage(ctx, date, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	usage.TotalSeconds = 0
	return putBucketValue(ctx, s.db, bucketDailyUsage, dailyUsageKey(date, clientID), usage)
}

func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := time.Parse(storage.DateLayout, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}

	deleted := 0
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return nil
		}
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var usage storage.DailyUsage
			if err := unmarshal(v, &usage); err != nil {
				return err
			}
			dateValue, err := time.Parse(storage.DateLayout, usage.Date)
			if err != nil {
				return nil
			}
			if dateValue.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
