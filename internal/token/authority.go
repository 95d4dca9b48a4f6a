// Package token issues and verifies the time-boxed access codes that unlock
// live viewing of a subject.
package token

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/quartz"
)

// DefaultWindow is the freshness window applied when none is configured.
const DefaultWindow = 5 * time.Minute

// Query parameter names used to carry credentials in a view address.
const (
	ParamSubject  = "subject"
	ParamIssuedAt = "issued_at"
	ParamCode     = "code"
)

// ErrMissingCredentials is returned by FromValues when no code is present.
var ErrMissingCredentials = errors.New("token: missing credentials")

// Token is an issued access proof. It is immutable once created.
type Token struct {
	SubjectID  string `json:"subject_id"`
	IssuedAtMs int64  `json:"issued_at_ms"`
	Code       string `json:"code"`
}

// Reason explains the outcome of a verification.
type Reason string

const (
	ReasonOK       Reason = "ok"
	ReasonStale    Reason = "stale"
	ReasonMismatch Reason = "mismatch"
)

// Result is the outcome of Verify.
type Result struct {
	Valid  bool
	Reason Reason
}

// Authority derives and checks verification codes.
type Authority struct {
	signer Signer
	window time.Duration
	clock  quartz.Clock
}

// NewAuthority creates an authority. A zero window means DefaultWindow.
func NewAuthority(signer Signer, window time.Duration, clock quartz.Clock) *Authority {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Authority{
		signer: signer,
		window: window,
		clock:  clock,
	}
}

// Window returns the freshness window.
func (a *Authority) Window() time.Duration {
	return a.window
}

// Issue derives the token for a subject at the given issuance time.
func (a *Authority) Issue(subjectID string, issuedAtMs int64) Token {
	return Token{
		SubjectID:  subjectID,
		IssuedAtMs: issuedAtMs,
		Code:       a.signer.Sign(subjectID, issuedAtMs),
	}
}

// IssueNow derives a token stamped with the current clock time.
func (a *Authority) IssueNow(subjectID string) Token {
	return a.Issue(subjectID, a.clock.Now().UnixMilli())
}

// Verify recomputes the expected code and checks freshness. The expected code
// is always computed and compared, even when the token is already stale.
func (a *Authority) Verify(subjectID string, issuedAtMs int64, presentedCode string, nowMs int64) Result {
	expected := a.signer.Sign(subjectID, issuedAtMs)
	match := presentedCode != "" &&
		subtle.ConstantTimeCompare([]byte(expected), []byte(presentedCode)) == 1

	age := nowMs - issuedAtMs
	if age < 0 {
		age = -age
	}
	if age >= a.window.Milliseconds() {
		return Result{Valid: false, Reason: ReasonStale}
	}
	if !match {
		return Result{Valid: false, Reason: ReasonMismatch}
	}
	return Result{Valid: true, Reason: ReasonOK}
}

// VerifyNow verifies against the authority's clock.
func (a *Authority) VerifyNow(subjectID string, issuedAtMs int64, presentedCode string) Result {
	return a.Verify(subjectID, issuedAtMs, presentedCode, a.clock.Now().UnixMilli())
}

// URLValues encodes a token as view address query parameters.
func URLValues(t Token) url.Values {
	v := url.Values{}
	v.Set(ParamSubject, t.SubjectID)
	v.Set(ParamIssuedAt, strconv.FormatInt(t.IssuedAtMs, 10))
	v.Set(ParamCode, t.Code)
	return v
}

// FromValues decodes credentials from query parameters. The subject defaults
// to fallbackSubject when the parameter is absent (the path usually names it).
func FromValues(v url.Values, fallbackSubject string) (Token, error) {
	code := v.Get(ParamCode)
	if code == "" {
		return Token{}, ErrMissingCredentials
	}

	subject := v.Get(ParamSubject)
	if subject == "" {
		subject = fallbackSubject
	}

	issuedAt, err := strconv.ParseInt(v.Get(ParamIssuedAt), 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("token: invalid %s: %w", ParamIssuedAt, err)
	}

	return Token{
		SubjectID:  subject,
		IssuedAtMs: issuedAt,
		Code:       code,
	}, nil
}

// HasCredentials reports whether the values carry any credential parameter.
func HasCredentials(v url.Values) bool {
	return v.Has(ParamCode) || v.Has(ParamIssuedAt)
}

// StripCredentials returns a copy of v without credential parameters.
func StripCredentials(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		switch k {
		case ParamSubject, ParamIssuedAt, ParamCode:
			continue
		}
		out[k] = append([]string(nil), vals...)
	}
	return out
}
