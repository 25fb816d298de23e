// Package token implements the session token: a Principal identifying a
// verified Minecraft account, signed as a JWT with HMAC-SHA384. SHA-384 is
// used over SHA-256 for its resistance to length extension attacks.
//
// Validity is expressed as a millisecond timestamp window carried in the
// claims themselves rather than the registered exp/nbf claims, so the codec
// performs the window check manually after signature verification.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MaxTimestamp is the far-future millisecond timestamp used for principals
// that never expire, such as the synthetic anonymous principal. Kept well
// inside int64 and float64 range so it survives JSON round trips.
// 253402300799999 is 9999-12-31T23:59:59.999Z.
const MaxTimestamp int64 = 253402300799999

// Principal identifies an authenticated caller for the lifetime of a
// session token.
type Principal struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	ValidSince int64     `json:"valid_since"`
	ValidUntil int64     `json:"valid_until"`
	Superuser  bool      `json:"superuser"`
}

// Anonymous returns the fixed synthetic principal served to every caller
// when anonymous mode is enabled.
func Anonymous() Principal {
	return Principal{
		ID:         uuid.Nil,
		Name:       "CoolGuy123",
		ValidSince: 0,
		ValidUntil: MaxTimestamp,
	}
}

// Millis converts a time to the millisecond timestamps used in principals.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// ValidAt reports whether now falls inside the principal's validity window.
func (p Principal) ValidAt(now time.Time) bool {
	ms := now.UnixMilli()
	return p.ValidSince <= ms && ms <= p.ValidUntil
}

// ExpiresAt returns the expiry as a time.Time.
func (p Principal) ExpiresAt() time.Time {
	return time.UnixMilli(p.ValidUntil)
}

var (
	// ErrInvalid covers malformed tokens and bad signatures.
	ErrInvalid = errors.New("token invalid")
	// ErrOutsideWindow covers structurally valid tokens presented before
	// valid_since or after valid_until.
	ErrOutsideWindow = errors.New("token outside validity window")
)

// claims wraps a Principal as a jwt.Claims. The registered-claim getters
// all return empty values so the library's exp/nbf checks are skipped; the
// millisecond window is enforced by Codec.Verify instead.
type claims struct {
	Principal
}

func (claims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (claims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (claims) GetIssuer() (string, error)                   { return "", nil }
func (claims) GetSubject() (string, error)                  { return "", nil }
func (claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// Codec signs and verifies session tokens with a fixed secret. The secret
// is immutable for the process lifetime; rotating it invalidates all
// outstanding tokens by construction.
type Codec struct {
	key []byte
}

// NewCodec creates a codec signing with the given secret.
func NewCodec(secret string) *Codec {
	return &Codec{key: []byte(secret)}
}

// Sign serializes and signs the principal.
func (c *Codec) Sign(p Principal) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS384, claims{Principal: p})
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and the validity window. The signature check
// rejects any algorithm other than HS384, so a token re-signed with "none"
// or a weaker HMAC never reaches the window check.
func (c *Codec) Verify(tokenString string, now time.Time) (Principal, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(tokenString, &cl,
		func(_ *jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS384.Alg()}),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !cl.ValidAt(now) {
		return Principal{}, ErrOutsideWindow
	}
	return cl.Principal, nil
}
