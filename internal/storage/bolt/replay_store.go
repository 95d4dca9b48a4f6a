package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/livestat/internal/storage"
	"go.etcd.io/bbolt"
)

// replayStore keeps one nested bucket per session under the replay bucket.
// Bolt has no key expiry, so markers carry their own deadline.
type replayStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func (s *replayStore) IsConsumed(ctx context.Context, sessionID, code string) (bool, error) {
	consumed := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketReplay))
		if root == nil {
			return nil
		}
		session := root.Bucket([]byte(sessionID))
		if session == nil {
			return nil
		}
		value := session.Get([]byte(code))
		if value == nil {
			return nil
		}
		var marker storage.ReplayMarker
		if err := unmarshal(value, &marker); err != nil {
			return err
		}
		consumed = !marker.IsExpired(s.now())
		return nil
	})
	return consumed, err
}

func (s *replayStore) MarkConsumed(ctx context.Context, sessionID, code string, ttl time.Duration) error {
	now := s.now().UTC()
	marker := storage.ReplayMarker{
		SessionID:  sessionID,
		Code:       code,
		ConsumedAt: now,
	}
	if ttl > 0 {
		marker.ExpiresAt = now.Add(ttl)
	}

	data, err := marshal(marker)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketReplay))
		if root == nil {
			return fmt.Errorf("bucket missing: %s", bucketReplay)
		}
		session, err := root.CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return fmt.Errorf("create replay session bucket: %w", err)
		}
		if existing := session.Get([]byte(code)); existing != nil {
			var current storage.ReplayMarker
			if err := unmarshal(existing, &current); err == nil && !current.IsExpired(now) {
				return nil
			}
		}
		return session.Put([]byte(code), data)
	})
}

func (s *replayStore) Purge(ctx context.Context, sessionID string) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketReplay))
		if root == nil {
			return nil
		}
		session := root.Bucket([]byte(sessionID))
		if session == nil {
			return nil
		}
		if err := session.ForEach(func(_, _ []byte) error {
			purged++
			return nil
		}); err != nil {
			return err
		}
		return root.DeleteBucket([]byte(sessionID))
	})
	return purged, err
}
