// Package statickey serves a single shared HMAC secret as a key source.
package statickey

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest secret accepted for HS256.
const MinSecretLength = 32

var ErrWeakSecret = errors.New("hmac secret too short")

// Source verifies and signs with one HMAC secret.
type Source struct {
	secret []byte
}

func New(secret string) (*Source, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrWeakSecret, len(secret), MinSecretLength)
	}
	return &Source{secret: []byte(secret)}, nil
}

// Key ignores kid; there is only one key.
func (s *Source) Key(_ context.Context, _ string) (any, error) {
	return s.secret, nil
}

func (s *Source) Methods() []string {
	return []string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}
}

// Sign issues an HS256 token for claims.
func (s *Source) Sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
