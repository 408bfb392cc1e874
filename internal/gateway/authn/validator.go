// Package authn validates bearer tokens and reports the outcome as a value
// instead of an error, so callers branch on Authenticated, Rejected or
// Unavailable explicitly.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"edgegate/internal/domain"
	"edgegate/internal/gateway"
)

const DefaultLeeway = 60 * time.Second

// Options configures claim verification.
type Options struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Validator verifies tokens against a key source.
type Validator struct {
	keys   gateway.KeySource
	parser *jwt.Parser
}

// New builds a validator. Only the signing methods the key source declares
// are accepted, so an HMAC secret can never verify an RS256 header and vice
// versa.
func New(keys gateway.KeySource, opts Options) *Validator {
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(keys.Methods()),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	return &Validator{keys: keys, parser: jwt.NewParser(parserOpts...)}
}

// Validate checks an Authorization header value.
func (v *Validator) Validate(ctx context.Context, header string) (res domain.AuthResult) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "token validation panicked", "panic", fmt.Sprint(p))
			res = domain.Unavailable(fmt.Errorf("token validation panicked: %v", p))
		}
	}()

	raw, ok := BearerToken(header)
	if !ok {
		return domain.Rejected(domain.ReasonMissingHeader, domain.ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return classify(err)
	}

	id, ok := identityFrom(claims)
	if !ok {
		return domain.Rejected(domain.ReasonInvalidClaim,
			fmt.Errorf("%w: userId, username and roles are required", domain.ErrUnauthorized))
	}
	return domain.Authenticated(id)
}

func classify(err error) domain.AuthResult {
	switch {
	case errors.Is(err, domain.ErrKeySourceUnavailable):
		return domain.Unavailable(err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.Rejected(domain.ReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return domain.Rejected(domain.ReasonInvalidClaim, err)
	default:
		return domain.Rejected(domain.ReasonInvalid, err)
	}
}

// BearerToken extracts the credential from "Bearer <token>".
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
