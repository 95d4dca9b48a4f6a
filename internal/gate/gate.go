// Package gate decides whether the running session may view a subject.
//
// A subject starts Locked. Presenting credentials moves it through
// PendingVerification to Authorized when the code verifies and has not been
// consumed before. Authorization is sticky for the rest of the session.
package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/goodtune/livestat/internal/metrics"
	"github.com/goodtune/livestat/internal/token"
)

// State is the gate state for one subject.
type State string

const (
	StateLocked              State = "locked"
	StatePendingVerification State = "pending_verification"
	StateAuthorized          State = "authorized"
)

// Sticky authorization scopes.
const (
	ScopeSubject = "subject" // a grant covers only the subject it was issued for
	ScopeSession = "session" // any grant covers every subject
)

// Credentials are the values presented with a view request.
type Credentials = token.Token

// Gate combines the token authority with a replay cache. It is the only
// writer of the replay cache.
type Gate struct {
	authority *token.Authority
	replay    ReplayCache
	scope     string
	logger    zerolog.Logger

	// attemptMu serialises verification attempts
	attemptMu sync.Mutex

	mu         sync.RWMutex
	pending    map[string]bool
	authorized map[string]bool
	last       string
}

// New creates a gate. An unknown scope falls back to ScopeSubject.
func New(authority *token.Authority, replay ReplayCache, scope string, logger zerolog.Logger) *Gate {
	if scope != ScopeSession {
		scope = ScopeSubject
	}
	return &Gate{
		authority:  authority,
		replay:     replay,
		scope:      scope,
		logger:     logger.With().Str("component", "gate").Logger(),
		pending:    make(map[string]bool),
		authorized: make(map[string]bool),
	}
}

// Authorize processes a view request for creds.SubjectID.
//
// Without a code the request succeeds only if the subject is already
// authorized. A presented code is always verified and checked against the
// replay cache, even for an authorized subject, and is consumed on success.
// A failed attempt never revokes an earlier grant and never touches the
// replay cache. The returned State is the subject's state after the attempt.
func (g *Gate) Authorize(ctx context.Context, creds Credentials) (State, error) {
	subject := creds.SubjectID

	if creds.Code == "" {
		if g.IsAuthorized(subject) {
			metrics.GateAttemptsTotal.WithLabelValues("sticky").Inc()
			return StateAuthorized, nil
		}
		return StateLocked, ErrNoCredentials
	}

	g.attemptMu.Lock()
	defer g.attemptMu.Unlock()

	g.setPending(subject, true)
	defer g.setPending(subject, false)

	res := g.authority.VerifyNow(subject, creds.IssuedAtMs, creds.Code)
	if !res.Valid {
		reason := ReasonMismatch
		if res.Reason == token.ReasonStale {
			reason = ReasonStale
		}
		return g.reject(subject, reason)
	}

	consumed, err := g.replay.HasBeenConsumed(ctx, creds.Code)
	if err != nil {
		metrics.GateAttemptsTotal.WithLabelValues("error").Inc()
		return g.settled(subject), fmt.Errorf("check replay cache: %w", err)
	}
	if consumed {
		return g.reject(subject, ReasonReplayed)
	}

	if err := g.replay.MarkConsumed(ctx, creds.Code); err != nil {
		metrics.GateAttemptsTotal.WithLabelValues("error").Inc()
		return g.settled(subject), fmt.Errorf("mark code consumed: %w", err)
	}

	g.mu.Lock()
	g.authorized[subject] = true
	g.last = subject
	g.mu.Unlock()

	metrics.GateAttemptsTotal.WithLabelValues("ok").Inc()
	g.logger.Info().Str("subject", subject).Msg("Subject authorized")

	return StateAuthorized, nil
}

func (g *Gate) reject(subject string, reason Reason) (State, error) {
	metrics.GateAttemptsTotal.WithLabelValues(string(reason)).Inc()
	g.logger.Info().
		Str("subject", subject).
		Str("reason", string(reason)).
		Msg("Authorization rejected")

	return g.settled(subject), &NotAuthorizedError{SubjectID: subject, Reason: reason}
}

// settled is the state once the current attempt finishes.
func (g *Gate) settled(subject string) State {
	if g.IsAuthorized(subject) {
		return StateAuthorized
	}
	return StateLocked
}

func (g *Gate) setPending(subject string, pending bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pending {
		g.pending[subject] = true
	} else {
		delete(g.pending, subject)
	}
}

// IsAuthorized reports whether the session may view the subject.
func (g *Gate) IsAuthorized(subject string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.scope == ScopeSession {
		return len(g.authorized) > 0
	}
	return g.authorized[subject]
}

// State returns the current gate state for a subject.
func (g *Gate) State(subject string) State {
	g.mu.RLock()
	pending := g.pending[subject]
	g.mu.RUnlock()

	if pending {
		return StatePendingVerification
	}
	return g.settled(subject)
}

// AuthorizedSubject returns the most recently authorized subject.
func (g *Gate) AuthorizedSubject() (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.authorized) == 0 {
		return "", false
	}
	return g.last, true
}

// Scope returns the sticky authorization scope in effect.
func (g *Gate) Scope() string {
	return g.scope
}

// Reset drops every grant. Consumed codes stay consumed.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.authorized = make(map[string]bool)
	g.last = ""
}
