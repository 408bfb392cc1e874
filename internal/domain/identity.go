package domain

import (
	"slices"
	"strings"
)

// Identity is the authenticated caller produced by the authentication stage
// from a verified token. It is never built from client-supplied headers.
type Identity struct {
	UserID   string
	Username string
	Roles    []string
}

// RolesHeader renders the roles as they travel to backends: comma-joined,
// in token order.
func (id Identity) RolesHeader() string {
	return strings.Join(id.Roles, ",")
}

// HasRole reports whether the identity holds role. A "ROLE_" prefix on either
// side is ignored so ADMIN and ROLE_ADMIN are equivalent.
func (id Identity) HasRole(role string) bool {
	want := strings.TrimPrefix(role, "ROLE_")
	if want == "" {
		return false
	}
	return slices.ContainsFunc(id.Roles, func(r string) bool {
		return strings.EqualFold(strings.TrimPrefix(r, "ROLE_"), want)
	})
}
