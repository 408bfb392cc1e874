// Command mockbackend is a stand-in backend service that echoes what the
// gateway forwarded, with optional artificial latency.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gw "edgegate/internal/gateway"
	"edgegate/internal/platform/logging"
	"edgegate/internal/platform/server"
)

func main() {
	addr := envOr("ADDR", ":8082")
	name := envOr("BACKEND_NAME", "mock-backend")
	baseDelay := envDuration("LATENCY_BASE", 0)
	jitter := envDuration("LATENCY_JITTER", 0)
	logger := logging.New(envOr("LOG_LEVEL", "info"), os.Stdout)
	slog.SetDefault(logger)

	slog.Info("mock backend starting", "addr", addr, "name", name,
		"latency_base", baseDelay, "latency_jitter", jitter)

	mux := http.NewServeMux()

	// Catch-all: echo what the gateway forwarded
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if err := simulateWork(r.Context(), baseDelay, jitter); err != nil {
			return
		}
		resp := map[string]any{
			"backend":        name,
			"method":         r.Method,
			"path":           r.URL.Path,
			"user_id":        r.Header.Get(gw.HeaderUserID),
			"username":       r.Header.Get(gw.HeaderUsername),
			"roles":          r.Header.Get(gw.HeaderUserRoles),
			"validated":      r.Header.Get(gw.HeaderGatewayValidated),
			"correlation_id": r.Header.Get(gw.HeaderCorrelationID),
			"traceparent":    r.Header.Get("Traceparent"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("GET /actuator/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "UP", "service": name})
	})

	srv := server.New(addr, mux, server.Options{})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration reads a duration in milliseconds from an env var (e.g. "50" -> 50ms).
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// simulateWork waits base + random(0, jitter), returning early when the
// caller gives up.
func simulateWork(ctx context.Context, base, jitter time.Duration) error {
	if base == 0 && jitter == 0 {
		return nil
	}
	delay := base
	if jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(jitter)))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
