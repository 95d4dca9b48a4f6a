package gate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/livestat/internal/storage/bolt"
	"github.com/goodtune/livestat/internal/token"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingCache wraps a memory cache and counts writes.
type recordingCache struct {
	*MemoryReplayCache
	marks   int
	readErr error
	markErr error
	block   chan struct{}
}

func (c *recordingCache) HasBeenConsumed(ctx context.Context, code string) (bool, error) {
	if c.block != nil {
		<-c.block
	}
	if c.readErr != nil {
		return false, c.readErr
	}
	return c.MemoryReplayCache.HasBeenConsumed(ctx, code)
}

func (c *recordingCache) MarkConsumed(ctx context.Context, code string) error {
	if c.markErr != nil {
		return c.markErr
	}
	c.marks++
	return c.MemoryReplayCache.MarkConsumed(ctx, code)
}

func newTestGate(t *testing.T, scope string) (*Gate, *token.Authority, *recordingCache, *quartz.Mock) {
	t.Helper()

	mClock := quartz.NewMock(t)
	mClock.Set(testNow)

	signer, err := token.NewSigner(token.SchemeHMAC, "secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	authority := token.NewAuthority(signer, 0, mClock)

	mem, err := NewMemoryReplayCache(16, time.Hour)
	if err != nil {
		t.Fatalf("NewMemoryReplayCache: %v", err)
	}
	cache := &recordingCache{MemoryReplayCache: mem}

	return New(authority, cache, scope, zerolog.Nop()), authority, cache, mClock
}

func TestAuthorizeSameCodeTwice(t *testing.T) {
	g, authority, _, _ := newTestGate(t, ScopeSubject)
	ctx := context.Background()

	tok := authority.IssueNow("alpha")

	state, err := g.Authorize(ctx, tok)
	if err != nil || state != StateAuthorized {
		t.Fatalf("first attempt: state=%s err=%v", state, err)
	}

	state, err = g.Authorize(ctx, tok)
	if !errors.Is(err, ErrTokenReplayed) {
		t.Fatalf("second attempt: expected ErrTokenReplayed, got %v", err)
	}

	var nae *NotAuthorizedError
	if !errors.As(err, &nae) || nae.Reason.Message() != "already used" {
		t.Fatalf("expected NotAuthorizedError with 'already used', got %v", err)
	}

	// The earlier grant is not revoked
	if state != StateAuthorized || !g.IsAuthorized("alpha") {
		t.Fatalf("expected alpha to stay authorized, state=%s", state)
	}
}

func TestAuthorizeFailuresDoNotTouchReplayCache(t *testing.T) {
	g, authority, cache, mClock := newTestGate(t, ScopeSubject)
	ctx := context.Background()

	stale := authority.Issue("alpha", testNow.Add(-6*time.Minute).UnixMilli())
	forged := authority.IssueNow("alpha")
	forged.Code = "forged"

	tests := []struct {
		name    string
		creds   Credentials
		want    error
		message string
	}{
		{"stale", stale, ErrTokenStale, "expired"},
		{"mismatch", forged, ErrTokenMismatch, "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := g.Authorize(ctx, tt.creds)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var nae *NotAuthorizedError
			if !errors.As(err, &nae) || nae.Reason.Message() != tt.message {
				t.Fatalf("expected message %q, got %v", tt.message, err)
			}
			if state != StateLocked {
				t.Fatalf("expected locked, got %s", state)
			}
		})
	}

	if cache.marks != 0 || cache.Len() != 0 {
		t.Fatalf("replay cache mutated by failed attempts: marks=%d len=%d", cache.marks, cache.Len())
	}

	// The clock moving does not unlock anything by itself
	mClock.Advance(time.Second)
	if g.IsAuthorized("alpha") {
		t.Fatal("alpha should still be locked")
	}
}

func TestAuthorizeStaleWinsOverReplay(t *testing.T) {
	g, authority, _, mClock := newTestGate(t, ScopeSubject)
	ctx := context.Background()

	tok := authority.IssueNow("alpha")
	if _, err := g.Authorize(ctx, tok); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	mClock.Advance(5 * time.Minute)
	if _, err := g.Authorize(ctx, tok); !errors.Is(err, ErrTokenStale) {
		t.Fatalf("expected ErrTokenStale, got %v", err)
	}
}

func TestStickyAuthorizationWithoutCredentials(t *testing.T) {
	g, authority, _, _ := newTestGate(t, ScopeSubject)
	ctx := context.Background()

	if state, err := g.Authorize(ctx, Credentials{SubjectID: "alpha"}); !errors.Is(err, ErrNoCredentials) || state != StateLocked {
		t.Fatalf("expected locked with ErrNoCredentials, got %s %v", state, err)
	}

	if _, err := g.Authorize(ctx, authority.IssueNow("alpha")); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	state, err := g.Authorize(ctx, Credentials{SubjectID: "alpha"})
	if err != nil || state != StateAuthorized {
		t.Fatalf("expected sticky authorization, got %s %v", state, err)
	}

	// Subject scope does not extend to other subjects
	if g.IsAuthorized("beta") {
		t.Fatal("beta should not be authorized under subject scope")
	}
	if subject, ok := g.AuthorizedSubject(); !ok || subject != "alpha" {
		t.Fatalf("AuthorizedSubject = %q, %v", subject, ok)
	}
}

func TestSessionScopeCoversEverySubject(t *testing.T) {
	g, authority, _, _ := newTestGate(t, ScopeSession)
	ctx := context.Background()

	if g.IsAuthorized("beta") {
		t.Fatal("nothing should be authorized yet")
	}
	if _, err := g.Authorize(ctx, authority.IssueNow("alpha")); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !g.IsAuthorized("beta") || g.State("beta") != StateAuthorized {
		t.Fatal("session scope should authorize beta")
	}
}

func TestUnknownScopeFallsBackToSubject(t *testing.T) {
	g, _, _, _ := newTestGate(t, "global")
	if g.Scope() != ScopeSubject {
		t.Fatalf("expected subject scope, got %s", g.Scope())
	}
}

func TestReplayCacheErrorsLeaveSubjectLocked(t *testing.T) {
	g, authority, cache, _ := newTestGate(t, ScopeSubject)
	ctx := context.Background()
	boom := errors.New("store down")

	cache.readErr = boom
	if state, err := g.Authorize(ctx, authority.IssueNow("alpha")); !errors.Is(err, boom) || state != StateLocked {
		t.Fatalf("expected wrapped read error and locked, got %s %v", state, err)
	}

	cache.readErr = nil
	cache.markErr = boom
	if state, err := g.Authorize(ctx, authority.IssueNow("alpha")); !errors.Is(err, boom) || state != StateLocked {
		t.Fatalf("expected wrapped mark error and locked, got %s %v", state, err)
	}
	if g.IsAuthorized("alpha") {
		t.Fatal("alpha must not be authorized when the code could not be consumed")
	}
}

func TestPendingVerificationIsObservable(t *testing.T) {
	g, authority, cache, _ := newTestGate(t, ScopeSubject)
	cache.block = make(chan struct{})

	done := make(chan State)
	go func() {
		state, _ := g.Authorize(context.Background(), authority.IssueNow("alpha"))
		done <- state
	}()

	deadline := time.After(5 * time.Second)
	for g.State("alpha") != StatePendingVerification {
		select {
		case <-deadline:
			t.Fatal("never observed pending verification")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(cache.block)
	if state := <-done; state != StateAuthorized {
		t.Fatalf("expected authorized, got %s", state)
	}
	if g.State("alpha") != StateAuthorized {
		t.Fatalf("expected authorized after attempt, got %s", g.State("alpha"))
	}
}

func TestResetDropsGrantsButKeepsConsumedCodes(t *testing.T) {
	g, authority, _, _ := newTestGate(t, ScopeSubject)
	ctx := context.Background()

	tok := authority.IssueNow("alpha")
	if _, err := g.Authorize(ctx, tok); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	g.Reset()
	if g.IsAuthorized("alpha") {
		t.Fatal("expected reset to drop the grant")
	}
	if _, ok := g.AuthorizedSubject(); ok {
		t.Fatal("expected no authorized subject after reset")
	}
	if _, err := g.Authorize(ctx, tok); !errors.Is(err, ErrTokenReplayed) {
		t.Fatalf("expected consumed code to stay consumed, got %v", err)
	}
}

func TestStoreReplayCache(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "replay.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	first := NewStoreReplayCache(store.Replay(), time.Hour)
	second := NewStoreReplayCache(store.Replay(), time.Hour)

	if first.SessionID() == second.SessionID() {
		t.Fatal("expected distinct session namespaces")
	}

	if err := first.MarkConsumed(ctx, "abc"); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	if err := first.MarkConsumed(ctx, "abc"); err != nil {
		t.Fatalf("MarkConsumed should be idempotent: %v", err)
	}

	if consumed, _ := first.HasBeenConsumed(ctx, "abc"); !consumed {
		t.Fatal("expected abc consumed in first session")
	}
	if consumed, _ := second.HasBeenConsumed(ctx, "abc"); consumed {
		t.Fatal("markers must not leak across sessions")
	}

	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if consumed, _ := first.HasBeenConsumed(ctx, "abc"); consumed {
		t.Fatal("expected markers purged on close")
	}
}

func TestMemoryReplayCacheRefusesWhenFull(t *testing.T) {
	cache, err := NewMemoryReplayCache(2, time.Hour)
	if err != nil {
		t.Fatalf("NewMemoryReplayCache: %v", err)
	}
	ctx := context.Background()

	for _, code := range []string{"a", "b"} {
		if err := cache.MarkConsumed(ctx, code); err != nil {
			t.Fatalf("MarkConsumed(%s): %v", code, err)
		}
	}

	if err := cache.MarkConsumed(ctx, "c"); !errors.Is(err, ErrReplayCacheFull) {
		t.Fatalf("expected ErrReplayCacheFull, got %v", err)
	}
	if consumed, _ := cache.HasBeenConsumed(ctx, "a"); !consumed {
		t.Fatal("oldest unexpired code must not be evicted")
	}
	if consumed, _ := cache.HasBeenConsumed(ctx, "c"); consumed {
		t.Fatal("refused code must not be recorded")
	}

	// Re-marking a remembered code is still a no-op when full
	if err := cache.MarkConsumed(ctx, "a"); err != nil {
		t.Fatalf("MarkConsumed should be idempotent: %v", err)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 codes, got %d", cache.Len())
	}
}

func TestMemoryReplayCacheReclaimsExpired(t *testing.T) {
	cache, err := NewMemoryReplayCache(1, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewMemoryReplayCache: %v", err)
	}
	ctx := context.Background()

	if err := cache.MarkConsumed(ctx, "a"); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	if consumed, _ := cache.HasBeenConsumed(ctx, "a"); consumed {
		t.Fatal("expected a to expire")
	}
	if err := cache.MarkConsumed(ctx, "b"); err != nil {
		t.Fatalf("expected expired slot to be reused: %v", err)
	}
	if consumed, _ := cache.HasBeenConsumed(ctx, "b"); !consumed {
		t.Fatal("expected b consumed")
	}
}

func TestNewMemoryReplayCacheRejectsBadBounds(t *testing.T) {
	if _, err := NewMemoryReplayCache(0, time.Hour); err == nil {
		t.Fatal("expected error for zero size")
	}
	if _, err := NewMemoryReplayCache(4, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestAuthorizeFullReplayCacheKeepsOldCodesBlocked(t *testing.T) {
	mClock := quartz.NewMock(t)
	mClock.Set(testNow)

	signer, err := token.NewSigner(token.SchemeHMAC, "secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	authority := token.NewAuthority(signer, 0, mClock)

	cache, err := NewMemoryReplayCache(2, time.Hour)
	if err != nil {
		t.Fatalf("NewMemoryReplayCache: %v", err)
	}
	g := New(authority, cache, ScopeSubject, zerolog.Nop())
	ctx := context.Background()

	x := authority.IssueNow("x")
	for _, tok := range []Credentials{x, authority.IssueNow("y")} {
		if _, err := g.Authorize(ctx, tok); err != nil {
			t.Fatalf("Authorize(%s): %v", tok.SubjectID, err)
		}
	}

	state, err := g.Authorize(ctx, authority.IssueNow("z"))
	if !errors.Is(err, ErrReplayCacheFull) {
		t.Fatalf("expected ErrReplayCacheFull, got %v", err)
	}
	if state == StateAuthorized || g.IsAuthorized("z") {
		t.Fatalf("z must not be authorized when its code cannot be recorded, state=%s", state)
	}

	if _, err := g.Authorize(ctx, x); !errors.Is(err, ErrTokenReplayed) {
		t.Fatalf("expected x's code to stay consumed, got %v", err)
	}
}
