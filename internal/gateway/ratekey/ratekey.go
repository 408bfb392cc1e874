// Package ratekey derives rate-limit partition keys from a request and the
// authenticated identity.
package ratekey

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"edgegate/internal/domain"
)

const (
	HeaderSessionID = "X-Session-Id"
	HeaderAPIKey    = "X-API-Key"
)

// Strategy yields a key for the request, or false to let the next strategy in
// the chain try.
type Strategy func(r *http.Request, id *domain.Identity) (string, bool)

// Resolver tries its strategies in order. The last strategy of every
// resolver built by Set always yields a key.
type Resolver struct {
	name       string
	strategies []Strategy
	fallback   func(r *http.Request) string
}

// Name identifies the resolver in logs and configuration.
func (c Resolver) Name() string { return c.name }

// Resolve returns the partition key for r.
func (c Resolver) Resolve(r *http.Request, id *domain.Identity) string {
	for _, s := range c.strategies {
		if key, ok := s(r, id); ok {
			return key
		}
	}
	return "ip:" + c.fallback(r)
}

// Set builds resolvers around one client-address function.
type Set struct {
	ipOf func(*http.Request) string
}

// New returns a Set that reads the client address through ipOf.
func New(ipOf func(*http.Request) string) *Set {
	return &Set{ipOf: ipOf}
}

func (s *Set) chain(name string, strategies ...Strategy) Resolver {
	return Resolver{name: name, strategies: strategies, fallback: s.ipOf}
}

// IP partitions by resolved client address.
func (s *Set) IP() Resolver { return s.chain("ip", s.byIP) }

// User partitions by user id, or by address for anonymous callers.
func (s *Set) User() Resolver { return s.chain("user", s.byUser) }

// Session partitions by session header, then falls back to User.
func (s *Set) Session() Resolver { return s.chain("session", bySession, s.byUser) }

// APIKey partitions by a hash of the API key header, then falls back to User.
func (s *Set) APIKey() Resolver { return s.chain("apikey", byAPIKey, s.byUser) }

// Composite partitions by user (or anonymous), address and endpoint category.
func (s *Set) Composite() Resolver { return s.chain("composite", s.composite) }

// ByName returns the resolver registered under name.
func (s *Set) ByName(name string) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ip":
		return s.IP(), nil
	case "user":
		return s.User(), nil
	case "session":
		return s.Session(), nil
	case "apikey", "api-key":
		return s.APIKey(), nil
	case "composite":
		return s.Composite(), nil
	}
	return Resolver{}, fmt.Errorf("unknown key resolver %q: %w", name, domain.ErrInvalidParameter)
}

func (s *Set) byIP(r *http.Request, _ *domain.Identity) (string, bool) {
	return "ip:" + s.ipOf(r), true
}

func (s *Set) byUser(r *http.Request, id *domain.Identity) (string, bool) {
	if uid := userID(id); uid != "" {
		return "user:" + uid, true
	}
	return "anonymous:" + s.ipOf(r), true
}

func bySession(r *http.Request, _ *domain.Identity) (string, bool) {
	if v := strings.TrimSpace(r.Header.Get(HeaderSessionID)); v != "" {
		return "session:" + v, true
	}
	return "", false
}

func byAPIKey(r *http.Request, _ *domain.Identity) (string, bool) {
	if v := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); v != "" {
		return "apikey:" + HashKey(v), true
	}
	return "", false
}

func (s *Set) composite(r *http.Request, id *domain.Identity) (string, bool) {
	ip, cat := s.ipOf(r), Category(r.URL.Path)
	if uid := userID(id); uid != "" {
		return "user:" + uid + ":ip:" + ip + ":endpoint:" + cat, true
	}
	return "anonymous:ip:" + ip + ":endpoint:" + cat, true
}

func userID(id *domain.Identity) string {
	if id == nil {
		return ""
	}
	return strings.TrimSpace(id.UserID)
}

// HashKey returns a stable xxhash digest of an API key, so the raw key never
// appears in a limiter key. xxhash is not a cryptographic hash: a known
// key can be confirmed against its digest, and the result is identical across
// processes so that replicas sharing a limiter agree on bucket keys.
func HashKey(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// Category buckets a path into a coarse endpoint class.
func Category(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/auth/"):
		return "auth"
	case strings.HasPrefix(path, "/api/admin/"):
		return "admin"
	case strings.HasPrefix(path, "/api/users/"):
		return "users"
	case strings.HasPrefix(path, "/api/"):
		return "api"
	default:
		return "other"
	}
}
