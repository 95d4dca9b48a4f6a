package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/goodtune/livestat/internal/storage"
)

// ReplayCache records which codes were consumed in the current session.
// MarkConsumed must be idempotent.
type ReplayCache interface {
	HasBeenConsumed(ctx context.Context, code string) (bool, error)
	MarkConsumed(ctx context.Context, code string) error
}

// MemoryReplayCache keeps consumed codes until they expire. Its lifetime is
// the lifetime of the process. When every slot holds an unexpired code, new
// codes are refused rather than evicting one that could still be replayed.
type MemoryReplayCache struct {
	mu    sync.Mutex
	size  int
	ttl   time.Duration
	codes *expirable.LRU[string, time.Time]
}

// NewMemoryReplayCache creates a cache holding at most size codes, each
// remembered for ttl after it was consumed.
func NewMemoryReplayCache(size int, ttl time.Duration) (*MemoryReplayCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("failed to create replay cache: size must be positive, got %d", size)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("failed to create replay cache: ttl must be positive, got %s", ttl)
	}
	return &MemoryReplayCache{
		size:  size,
		ttl:   ttl,
		codes: expirable.NewLRU[string, time.Time](0, nil, ttl),
	}, nil
}

func (c *MemoryReplayCache) HasBeenConsumed(_ context.Context, code string) (bool, error) {
	_, ok := c.codes.Peek(code)
	return ok, nil
}

func (c *MemoryReplayCache) MarkConsumed(_ context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.codes.Peek(code); ok {
		return nil
	}

	// Entries share one ttl, so the oldest is always the first to expire
	now := time.Now()
	for c.codes.Len() >= c.size {
		_, expiresAt, ok := c.codes.GetOldest()
		if !ok || now.Before(expiresAt) {
			return fmt.Errorf("%w: %d unexpired codes", ErrReplayCacheFull, c.size)
		}
		c.codes.RemoveOldest()
	}

	c.codes.Add(code, now.Add(c.ttl))
	return nil
}

// Len returns the number of remembered codes, including expired ones not yet
// swept.
func (c *MemoryReplayCache) Len() int {
	return c.codes.Len()
}

// StoreReplayCache persists markers through a storage.ReplayStore under a
// random per-process session namespace, so markers never leak across runs.
type StoreReplayCache struct {
	store     storage.ReplayStore
	sessionID string
	ttl       time.Duration
}

// NewStoreReplayCache creates a cache bound to a fresh session namespace.
func NewStoreReplayCache(store storage.ReplayStore, ttl time.Duration) *StoreReplayCache {
	return &StoreReplayCache{
		store:     store,
		sessionID: uuid.NewString(),
		ttl:       ttl,
	}
}

// SessionID returns the namespace markers are written under.
func (c *StoreReplayCache) SessionID() string {
	return c.sessionID
}

func (c *StoreReplayCache) HasBeenConsumed(ctx context.Context, code string) (bool, error) {
	return c.store.IsConsumed(ctx, c.sessionID, code)
}

func (c *StoreReplayCache) MarkConsumed(ctx context.Context, code string) error {
	return c.store.MarkConsumed(ctx, c.sessionID, code, c.ttl)
}

// Close ends the session and removes its markers.
func (c *StoreReplayCache) Close(ctx context.Context) error {
	_, err := c.store.Purge(ctx, c.sessionID)
	return err
}
