// Command mockidentity stands in for the auth service during local runs. It
// publishes an RSA key set and issues RS256 tokens carrying the identity
// claims the gateway expects.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"edgegate/internal/domain"
	"edgegate/internal/gateway/authn"
	"edgegate/internal/platform/logging"
	"edgegate/internal/platform/server"
)

type account struct {
	password string
	identity domain.Identity
}

func main() {
	addr := envOr("IDENTITY_ADDR", ":8081")
	issuer := envOr("JWT_ISSUER", "api-gateway")
	audience := envOr("JWT_AUDIENCE", "mysillydreams-api")
	logger := logging.New(envOr("LOG_LEVEL", "info"), os.Stdout)
	slog.SetDefault(logger)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		slog.Error("generating RSA key", "error", err)
		os.Exit(1)
	}
	kid := fmt.Sprintf("mock-key-%d", time.Now().Unix())

	accounts := map[string]account{
		"admin": {"admin", domain.Identity{UserID: "1", Username: "admin", Roles: []string{"ROLE_ADMIN", "USER"}}},
		"user":  {"password", domain.Identity{UserID: "2", Username: "user", Roles: []string{"USER"}}},
	}

	slog.Info("mock identity service starting", "addr", addr, "kid", kid, "users", "admin:admin, user:password")

	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		pub := &priv.PublicKey
		writeJSON(w, http.StatusOK, map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": kid,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_parameter", "message": "invalid JSON body"})
			return
		}
		acct, ok := accounts[req.Username]
		if !ok || acct.password != req.Password {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "invalid credentials"})
			return
		}

		ttl := 15 * time.Minute
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, authn.NewClaims(acct.identity, issuer, audience, ttl, time.Now()))
		token.Header["kid"] = kid
		signed, err := token.SignedString(priv)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "system_error", "message": "failed to sign token"})
			return
		}

		slog.InfoContext(r.Context(), "token issued", "user_id", acct.identity.UserID,
			"correlation_id", r.Header.Get("X-Correlation-ID"))
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken": signed,
			"tokenType":   "Bearer",
			"expiresIn":   int(ttl.Seconds()),
		})
	})

	mux.HandleFunc("GET /actuator/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "UP", "service": "mock-identity"})
	})

	srv := server.New(addr, mux, server.Options{})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
