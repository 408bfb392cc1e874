package authn

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"edgegate/internal/domain"
)

// Claim names read from and written to tokens.
const (
	ClaimUserID      = "userId"
	ClaimUsername    = "username"
	ClaimRoles       = "roles"
	ClaimAuthorities = "authorities"
)

// NewClaims builds the claim set the gateway expects for id.
func NewClaims(id domain.Identity, issuer, audience string, ttl time.Duration, now time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		"sub":         id.UserID,
		ClaimUserID:   id.UserID,
		ClaimUsername: id.Username,
		ClaimRoles:    append([]string(nil), id.Roles...),
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return claims
}

// identityFrom extracts the identity claims. userId and username fall back to
// sub; roles fall back to authorities and accept either an array or a
// comma-separated string.
func identityFrom(claims jwt.MapClaims) (domain.Identity, bool) {
	sub := stringClaim(claims, "sub")

	id := domain.Identity{
		UserID:   firstNonBlank(stringClaim(claims, ClaimUserID), sub),
		Username: firstNonBlank(stringClaim(claims, ClaimUsername), sub),
		Roles:    rolesClaim(claims[ClaimRoles]),
	}
	if len(id.Roles) == 0 {
		id.Roles = rolesClaim(claims[ClaimAuthorities])
	}

	if id.UserID == "" || id.Username == "" || len(id.Roles) == 0 {
		return domain.Identity{}, false
	}
	return id, true
}

func stringClaim(claims jwt.MapClaims, name string) string {
	switch v := claims[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		// numeric user ids
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func rolesClaim(v any) []string {
	var raw []string
	switch roles := v.(type) {
	case string:
		raw = strings.Split(roles, ",")
	case []any:
		for _, r := range roles {
			if s, ok := r.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = roles
	}

	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
