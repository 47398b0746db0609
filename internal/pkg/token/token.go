// Package token signs and verifies session tokens (HS256 JWT).
//
// A session token carries the user id as its subject and a fixed validity
// window. There is no server-side state: a token stays valid until it
// expires, and renewal issues a brand new token.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the validity window of a session token.
const DefaultTTL = 7 * 24 * time.Hour

var (
	ErrMissing = errors.New("token missing")
	ErrInvalid = errors.New("token invalid")
)

type Claims struct {
	jwt.RegisteredClaims
}

// Issuer mints and verifies session tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithIssuer sets the iss claim.
func WithIssuer(name string) Option {
	return func(i *Issuer) { i.issuer = name }
}

func NewIssuer(secret string, ttl time.Duration, opts ...Option) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i := &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue signs a token for userID and returns it with its expiry.
func (i *Issuer) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("issue token: empty user id")
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature and expiry and returns the user id.
func (i *Issuer) Verify(tokenStr string) (string, error) {
	if strings.TrimSpace(tokenStr) == "" {
		return "", ErrMissing
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalid)
	}
	return claims.Subject, nil
}

// FromHeader extracts the token from an Authorization header value.
// Both "Bearer <token>" and a bare token are accepted.
func FromHeader(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return header
}
