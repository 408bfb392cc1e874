package gateway

import (
	"context"
	"net/http"
	"time"
)

// KeySource supplies the keys used to verify bearer tokens.
type KeySource interface {
	// Key returns the verification key for kid. Single-key sources ignore kid.
	// Infrastructure failures wrap domain.ErrKeySourceUnavailable.
	Key(ctx context.Context, kid string) (any, error)
	// Methods lists the signing algorithms the source's keys are valid for.
	Methods() []string
}

// RateLimiter is the external budget store consulted by key.
type RateLimiter interface {
	Check(ctx context.Context, tier, key string) (RateLimitDecision, error)
}

// RateLimitDecision holds the outcome of a rate limit check.
type RateLimitDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds until next token available; 0 if allowed
}

// CircuitBreaker is the external per-service breaker. The router asks it
// before forwarding and reports every backend outcome to it.
type CircuitBreaker interface {
	Allow(service string) bool
	Report(service string, err error)
}

// StatusWriter wraps http.ResponseWriter to capture the status code and
// whether the response has been committed.
type StatusWriter struct {
	http.ResponseWriter
	Code      int
	Committed bool
}

// NewStatusWriter wraps w with a default status of 200.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{ResponseWriter: w, Code: http.StatusOK}
}

func (sw *StatusWriter) WriteHeader(code int) {
	if !sw.Committed && code >= 200 {
		sw.Code = code
		sw.Committed = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	sw.Committed = true
	return sw.ResponseWriter.Write(b)
}

// Flush commits the response and flushes it if the underlying writer can.
func (sw *StatusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		sw.Committed = true
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
