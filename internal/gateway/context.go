package gateway

import (
	"context"
	"sync"
	"time"

	"edgegate/internal/domain"
)

// RequestContext carries per-request state between stages. It is created at
// chain entry and owned by a single request. Stages may run on more than one
// goroutine (the timeout stage hands the rest of the chain to a worker), so
// the mutable fields sit behind a mutex.
type RequestContext struct {
	Method    string
	Path      string
	StartedAt time.Time

	mu            sync.RWMutex
	correlationID string
	traceID       string
	spanID        string
	clientIP      string
	identity      *domain.Identity
	deadline      time.Time
	cspNonce      string
}

// NewRequestContext starts a context for the given request line.
func NewRequestContext(method, path string, startedAt time.Time) *RequestContext {
	return &RequestContext{Method: method, Path: path, StartedAt: startedAt}
}

func (rc *RequestContext) CorrelationID() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.correlationID
}

func (rc *RequestContext) SetCorrelationID(id string) {
	rc.mu.Lock()
	rc.correlationID = id
	rc.mu.Unlock()
}

// Trace returns the trace and span ids, empty when the request is not traced.
func (rc *RequestContext) Trace() (traceID, spanID string) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.traceID, rc.spanID
}

func (rc *RequestContext) SetTrace(traceID, spanID string) {
	rc.mu.Lock()
	rc.traceID, rc.spanID = traceID, spanID
	rc.mu.Unlock()
}

// ClientIP returns the resolved client address or "unknown".
func (rc *RequestContext) ClientIP() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.clientIP == "" {
		return "unknown"
	}
	return rc.clientIP
}

func (rc *RequestContext) SetClientIP(ip string) {
	rc.mu.Lock()
	rc.clientIP = ip
	rc.mu.Unlock()
}

// Identity returns the authenticated identity, if the authentication stage
// has produced one.
func (rc *RequestContext) Identity() (domain.Identity, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.identity == nil {
		return domain.Identity{}, false
	}
	return *rc.identity, true
}

// SetIdentity records id. The stored copy is never handed out by reference.
func (rc *RequestContext) SetIdentity(id domain.Identity) {
	id.Roles = append([]string(nil), id.Roles...)
	rc.mu.Lock()
	rc.identity = &id
	rc.mu.Unlock()
}

func (rc *RequestContext) Deadline() (time.Time, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.deadline, !rc.deadline.IsZero()
}

func (rc *RequestContext) SetDeadline(t time.Time) {
	rc.mu.Lock()
	rc.deadline = t
	rc.mu.Unlock()
}

func (rc *RequestContext) CSPNonce() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.cspNonce
}

func (rc *RequestContext) SetCSPNonce(nonce string) {
	rc.mu.Lock()
	rc.cspNonce = nonce
	rc.mu.Unlock()
}

// FromContext returns the request's RequestContext. A request that never
// passed the scope stage gets a detached context with safe defaults.
func FromContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(requestContextKey{}).(*RequestContext); ok {
		return rc
	}
	return &RequestContext{Path: domain.UnknownPath}
}

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

type requestContextKey struct{}
