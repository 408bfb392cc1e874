package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"edgegate/internal/domain"
	"edgegate/internal/gateway/authn"
)

const (
	Issuer   = "api-gateway"
	Audience = "mysillydreams-api"
	// Secret is long enough for HS256.
	Secret = "test-secret-for-hs256-signing-0123456789"
)

// Alice is a regular user.
var Alice = domain.Identity{UserID: "u-100", Username: "alice", Roles: []string{"USER"}}

// Root holds the admin role.
var Root = domain.Identity{UserID: "u-1", Username: "root", Roles: []string{"ROLE_ADMIN", "USER"}}

// GenerateTestKeyPair generates an RSA key pair for testing.
// Returns (keyID, privateKey, publicKey).
func GenerateTestKeyPair(t *testing.T) (string, *rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	kid := fmt.Sprintf("test-key-%d", time.Now().UnixNano())
	return kid, priv, &priv.PublicKey
}

// Claims returns the standard claim set for id. A negative ttl produces an
// already-expired token.
func Claims(id domain.Identity, ttl time.Duration) jwt.MapClaims {
	return authn.NewClaims(id, Issuer, Audience, ttl, time.Now())
}

// SignRS256 signs claims with priv under kid.
func SignRS256(t *testing.T, kid string, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// SignHS256 signs claims with Secret.
func SignHS256(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(Secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// Bearer formats an Authorization header value.
func Bearer(token string) string {
	return "Bearer " + token
}

// MockJWKSHandler returns an http.Handler that serves a JWKS response
// containing the given public key.
func MockJWKSHandler(kid string, pub *rsa.PublicKey) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := []map[string]any{}
		if pub != nil {
			keys = append(keys, map[string]any{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": kid,
				"n":   base64URLEncode(pub.N.Bytes()),
				"e":   base64URLEncode(big.NewInt(int64(pub.E)).Bytes()),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	})
}

// EchoResponse is the body written by MockBackendHandler.
type EchoResponse struct {
	Backend       string `json:"backend"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	Roles         string `json:"roles"`
	Validated     string `json:"validated"`
	CorrelationID string `json:"correlation_id"`
	Authorization string `json:"authorization"`
	Traceparent   string `json:"traceparent"`
}

// MockBackendHandler echoes the request line and the identity headers the
// gateway injects.
func MockBackendHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := EchoResponse{
			Backend:       name,
			Method:        r.Method,
			Path:          r.URL.Path,
			UserID:        r.Header.Get("X-User-Id"),
			Username:      r.Header.Get("X-Username"),
			Roles:         r.Header.Get("X-User-Roles"),
			Validated:     r.Header.Get("X-Gateway-Validated"),
			CorrelationID: r.Header.Get("X-Correlation-ID"),
			Authorization: r.Header.Get("Authorization"),
			Traceparent:   r.Header.Get("traceparent"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}

// SlowHandler waits for delay or for the request to be cancelled before
// answering 200.
func SlowHandler(delay time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"slow":true}`))
		case <-r.Context().Done():
		}
	})
}

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
