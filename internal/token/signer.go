package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnknownScheme is returned when a signer scheme is not recognised.
	ErrUnknownScheme = errors.New("token: unknown signing scheme")

	// ErrEmptySecret is returned when a signer is built without a secret.
	ErrEmptySecret = errors.New("token: empty secret")
)

// Scheme names accepted by NewSigner.
const (
	SchemeLegacy = "legacy"
	SchemeHMAC   = "hmac"
	SchemeJWT    = "jwt"
)

// Signer derives the verification code for a subject and issuance time.
// Implementations must be deterministic and free of side effects.
type Signer interface {
	Sign(subjectID string, issuedAtMs int64) string
}

// NewSigner builds the signer for the named scheme.
func NewSigner(scheme, secret string) (Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	switch scheme {
	case SchemeLegacy:
		return legacySigner{secret: secret}, nil
	case SchemeHMAC:
		return hmacSigner{secret: []byte(secret)}, nil
	case SchemeJWT:
		return jwtSigner{secret: []byte(secret)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
}

// legacySigner reproduces the weak 32-bit rolling string hash used by
// existing token links. It offers integrity against accidental edits only.
type legacySigner struct {
	secret string
}

func (s legacySigner) Sign(subjectID string, issuedAtMs int64) string {
	input := subjectID + ":" + strconv.FormatInt(issuedAtMs, 10) + ":" + s.secret

	var h int32
	for _, r := range input {
		h = (h << 5) - h + int32(r)
	}

	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}

// hmacSigner is the keyed MAC scheme: hex(HMAC-SHA256(secret, subject ":" issuedAt)).
type hmacSigner struct {
	secret []byte
}

func (s hmacSigner) Sign(subjectID string, issuedAtMs int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(subjectID))
	mac.Write([]byte{':'})
	mac.Write([]byte(strconv.FormatInt(issuedAtMs, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// jwtSigner encodes the code as a compact HS256 JWT over {sub, iat}.
// HS256 output is deterministic for identical claims, so the code can be
// recomputed and compared like any other scheme.
type jwtSigner struct {
	secret []byte
}

func (s jwtSigner) Sign(subjectID string, issuedAtMs int64) string {
	claims := jwt.MapClaims{
		"sub": subjectID,
		"iat": issuedAtMs,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		// Only reachable with a key type HS256 rejects; secret is always []byte.
		return ""
	}
	return signed
}
