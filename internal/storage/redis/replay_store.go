package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type replayStore struct {
	client *redis.Client
}

// IsConsumed reports whether a code was already used within a session
func (s *replayStore) IsConsumed(ctx context.Context, sessionID, code string) (bool, error) {
	n, err := s.client.Exists(ctx, replayKey(sessionID, code)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkConsumed records a code as used. Marking an already consumed code is a no-op.
func (s *replayStore) MarkConsumed(ctx context.Context, sessionID, code string, ttl time.Duration) error {
	script := redis.NewScript(markConsumedScript)

	keys := []string{replayKey(sessionID, code)}
	args := []interface{}{time.Now().UTC().Format(time.RFC3339Nano), int64(ttl / time.Second)}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// Purge removes every marker recorded for a session
func (s *replayStore) Purge(ctx context.Context, sessionID string) (int, error) {
	var cursor uint64
	var deletedCount int

	for {
		keys, next, err := s.client.Scan(ctx, cursor, replayPattern(sessionID), 100).Result()
		if err != nil {
			return deletedCount, err
		}

		if len(keys) > 0 {
			deleted, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deletedCount, err
			}
			deletedCount += int(deleted)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return deletedCount, nil
}
