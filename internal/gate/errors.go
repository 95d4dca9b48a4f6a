package gate

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenStale is returned when the token is outside the freshness window.
	ErrTokenStale = errors.New("gate: token stale")

	// ErrTokenMismatch is returned when the presented code does not match.
	ErrTokenMismatch = errors.New("gate: token mismatch")

	// ErrTokenReplayed is returned when the code was already consumed this session.
	ErrTokenReplayed = errors.New("gate: token replayed")

	// ErrNoCredentials is returned when a locked subject is requested without a code.
	ErrNoCredentials = errors.New("gate: no credentials presented")

	// ErrReplayCacheFull is returned when a code cannot be recorded because
	// every remembered code is still unexpired.
	ErrReplayCacheFull = errors.New("gate: replay cache full")
)

// Reason is the failure class surfaced to the user.
type Reason string

const (
	ReasonStale    Reason = "stale"
	ReasonMismatch Reason = "mismatch"
	ReasonReplayed Reason = "replayed"
)

// Message returns the user-visible text for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonStale:
		return "expired"
	case ReasonMismatch:
		return "invalid"
	case ReasonReplayed:
		return "already used"
	default:
		return string(r)
	}
}

func (r Reason) sentinel() error {
	switch r {
	case ReasonStale:
		return ErrTokenStale
	case ReasonMismatch:
		return ErrTokenMismatch
	case ReasonReplayed:
		return ErrTokenReplayed
	default:
		return nil
	}
}

// NotAuthorizedError reports a rejected authorization attempt.
type NotAuthorizedError struct {
	SubjectID string
	Reason    Reason
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("not authorized for %q: %s", e.SubjectID, e.Reason.Message())
}

// Unwrap lets callers match the reason with errors.Is.
func (e *NotAuthorizedError) Unwrap() error {
	return e.Reason.sentinel()
}
