package domain_test

import (
	"errors"
	"strings"
	"testing"

	"edgegate/internal/domain"
)

func TestIdentityRolesHeader(t *testing.T) {
	id := domain.Identity{UserID: "42", Username: "alice", Roles: []string{"USER", "ADMIN"}}
	if got := id.RolesHeader(); got != "USER,ADMIN" {
		t.Errorf("expected 'USER,ADMIN', got %q", got)
	}
	if got := (domain.Identity{}).RolesHeader(); got != "" {
		t.Errorf("expected empty roles header, got %q", got)
	}
}

func TestIdentityHasRole(t *testing.T) {
	id := domain.Identity{UserID: "42", Roles: []string{"ROLE_ADMIN", "user"}}

	tests := []struct {
		role string
		want bool
	}{
		{"ADMIN", true},
		{"ROLE_ADMIN", true},
		{"admin", true},
		{"USER", true},
		{"AUDITOR", false},
		{"", false},
		{"ROLE_", false},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			if got := id.HasRole(tt.role); got != tt.want {
				t.Errorf("HasRole(%q): expected %v, got %v", tt.role, tt.want, got)
			}
		})
	}
}

func TestAuthResultConstructors(t *testing.T) {
	ok := domain.Authenticated(domain.Identity{UserID: "1"})
	if ok.Outcome != domain.AuthAuthenticated || ok.Identity.UserID != "1" {
		t.Errorf("unexpected authenticated result: %+v", ok)
	}

	rej := domain.Rejected(domain.ReasonExpired, domain.ErrUnauthorized)
	if rej.Outcome != domain.AuthRejected || rej.Reason != domain.ReasonExpired {
		t.Errorf("unexpected rejected result: %+v", rej)
	}

	down := domain.Unavailable(domain.ErrKeySourceUnavailable)
	if down.Outcome != domain.AuthUnavailable || !errors.Is(down.Err, domain.ErrKeySourceUnavailable) {
		t.Errorf("unexpected unavailable result: %+v", down)
	}

	if domain.AuthAuthenticated.String() != "success" || domain.AuthRejected.String() != "failure" {
		t.Error("unexpected outcome strings")
	}
}

func TestNewErrorResponseStatusBounds(t *testing.T) {
	tests := []struct {
		status  int
		wantErr bool
	}{
		{99, true},
		{100, false},
		{404, false},
		{599, false},
		{600, true},
	}
	for _, tt := range tests {
		_, err := domain.NewErrorResponse(tt.status, "code", "message")
		if (err != nil) != tt.wantErr {
			t.Errorf("status %d: expected error=%v, got %v", tt.status, tt.wantErr, err)
		}
		if err != nil && !errors.Is(err, domain.ErrInvalidErrorResponse) {
			t.Errorf("status %d: expected ErrInvalidErrorResponse, got %v", tt.status, err)
		}
	}
}

func TestNewErrorResponseRejectsBlankFields(t *testing.T) {
	if _, err := domain.NewErrorResponse(400, " ", "message"); err == nil {
		t.Error("expected blank error code to be rejected")
	}
	if _, err := domain.NewErrorResponse(400, "code", ""); err == nil {
		t.Error("expected blank message to be rejected")
	}
	if _, err := domain.NewErrorResponse(400, "code", strings.Repeat("x", domain.MaxMessageLength+1)); err == nil {
		t.Error("expected oversized message to be rejected")
	}
	if _, err := domain.NewErrorResponse(400, "code", strings.Repeat("x", domain.MaxMessageLength)); err != nil {
		t.Errorf("expected message at limit to be accepted, got %v", err)
	}
}

func TestErrorResponseDefaults(t *testing.T) {
	e, err := domain.NewErrorResponse(401, "unauthorized", "Authentication required")
	if err != nil {
		t.Fatalf("NewErrorResponse: %v", err)
	}
	if e.Path != domain.UnknownPath {
		t.Errorf("expected default path %q, got %q", domain.UnknownPath, e.Path)
	}
	if !strings.HasSuffix(e.Timestamp, "Z") {
		t.Errorf("expected UTC timestamp, got %q", e.Timestamp)
	}
	e.WithCorrelationID("").WithPath("/api/users/1").WithRetryAfter(30)
	if e.CorrelationID != domain.MissingCorrelationID {
		t.Errorf("expected %q, got %q", domain.MissingCorrelationID, e.CorrelationID)
	}
	if e.Path != "/api/users/1" || e.RetryAfter != 30 {
		t.Errorf("unexpected envelope: %+v", e)
	}
}

func TestSafePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"blank", "  ", "/unknown"},
		{"plain", "/api/users/42", "/api/users/42"},
		{"traversal", "/api/../../etc/passwd", "/api/././etc/passwd"},
		{"double slashes", "/api//users///1", "/api/users/1"},
		{"script", "/api/<script>alert(1)</script>", "/api/scriptalert1/script"},
		{"no leading slash", "api/users", "/api/users"},
		{"query kept", "/search?q=a&b=c", "/search?q=a&b=c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.SafePath(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}

	long := "/" + strings.Repeat("a", 5000)
	if got := domain.SafePath(long); len(got) > 200 {
		t.Errorf("expected path capped at 200 characters, got %d", len(got))
	}
}
