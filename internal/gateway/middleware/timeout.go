package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"edgegate/internal/domain"
	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/pathpolicy"
	"edgegate/internal/platform/telemetry"
)

// DefaultTimeoutTemplate is the 504 body. Placeholders are replaced with
// JSON-escaped values.
const DefaultTimeoutTemplate = `{"timestamp":"{timestamp}","status":504,"error":"gateway_timeout",` +
	`"message":"The request timed out after {timeout}","path":"{path}","correlationId":"{correlationId}",` +
	`"category":"timeout","timeout":"{timeout}","retryAfter":{retryAfter}}`

const DefaultTimeoutRetryAfter = 30

// TimeoutConfig configures the timeout stage.
type TimeoutConfig struct {
	Template   string
	RetryAfter int
}

// ValidateTimeoutTemplate checks that tmpl names {timeout} and renders to
// valid JSON.
func ValidateTimeoutTemplate(tmpl string) error {
	if !strings.Contains(tmpl, "{timeout}") {
		return errors.New("timeout template must contain {timeout}")
	}
	sample := renderTimeout(tmpl, 15*time.Second, "/api/sample", "sample-id", time.Unix(0, 0), 30)
	if !json.Valid([]byte(sample)) {
		return errors.New("timeout template does not render to valid JSON")
	}
	return nil
}

func renderTimeout(tmpl string, d time.Duration, path, correlationID string, at time.Time, retryAfter int) string {
	return strings.NewReplacer(
		"{timeout}", jsonEscape(d.String()),
		"{path}", jsonEscape(path),
		"{correlationId}", jsonEscape(correlationID),
		"{timestamp}", jsonEscape(at.UTC().Format(domain.TimestampLayout)),
		"{retryAfter}", strconv.Itoa(retryAfter),
	).Replace(tmpl)
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// Timeout runs the rest of the chain under the deadline the path policy
// assigns. When the deadline passes before anything was written, the client
// gets a 504 immediately and later writes from the abandoned handler are
// discarded. Once a response has started streaming it is never overridden;
// the stage then cancels the downstream call and waits for it to return.
func Timeout(cfg TimeoutConfig, policies *pathpolicy.Store, m *telemetry.GatewayMetrics) Middleware {
	tmpl := cfg.Template
	if tmpl == "" {
		tmpl = DefaultTimeoutTemplate
	}
	if err := ValidateTimeoutTemplate(tmpl); err != nil {
		slog.Warn("invalid timeout template, using default", "error", err)
		tmpl = DefaultTimeoutTemplate
	}
	retryAfter := cfg.RetryAfter
	if retryAfter <= 0 {
		retryAfter = DefaultTimeoutRetryAfter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := policies.Load()
			if policy.IsExcluded(r.URL.Path, pathpolicy.TableTimeout) {
				next.ServeHTTP(w, r)
				return
			}

			d := policy.TimeoutFor(r.URL.Path)
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			rc := gw.FromContext(ctx)
			rc.SetDeadline(time.Now().Add(d))

			tw := &timeoutWriter{w: w, h: make(http.Header)}
			done := make(chan struct{})
			panicChan := make(chan any, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicChan <- p
					}
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case p := <-panicChan:
				panic(p)
			case <-done:
				tw.finish()
				return
			case <-ctx.Done():
			}

			tw.mu.Lock()
			if tw.committed {
				tw.mu.Unlock()
				slog.WarnContext(r.Context(), "deadline passed after response was committed",
					"path", r.URL.Path, "timeout", d.String(), "correlation_id", rc.CorrelationID())
				select {
				case p := <-panicChan:
					panic(p)
				case <-done:
				}
				return
			}
			tw.timedOut = true
			tw.mu.Unlock()

			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// client went away
				return
			}

			slog.WarnContext(r.Context(), "request timed out",
				"path", r.URL.Path, "timeout", d.String(), "correlation_id", rc.CorrelationID())
			if m != nil {
				m.RecordTimeout(r.Context(), r.URL.Path)
			}

			body := renderTimeout(tmpl, d, domain.SafePath(r.URL.Path),
				domain.SafeCorrelationID(rc.CorrelationID()), time.Now(), retryAfter)
			h := w.Header()
			h.Set("Content-Type", "application/json;charset=UTF-8")
			h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			h.Set(gw.HeaderCorrelationID, domain.SafeCorrelationID(rc.CorrelationID()))
			w.WriteHeader(http.StatusGatewayTimeout)
			_, _ = w.Write([]byte(body))
		})
	}
}

// timeoutWriter gives the downstream handler a private header map and passes
// writes through to the real writer until the stage times out.
type timeoutWriter struct {
	w http.ResponseWriter
	h http.Header

	mu        sync.Mutex
	committed bool
	timedOut  bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.committed {
		return
	}
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	dst := tw.w.Header()
	for k, vv := range tw.h {
		dst[k] = append([]string(nil), vv...)
	}
	if code >= 200 {
		tw.committed = true
	}
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.committed {
		tw.writeHeaderLocked(http.StatusOK)
	}
	return tw.w.Write(b)
}

func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	if !tw.committed {
		tw.writeHeaderLocked(http.StatusOK)
	}
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// finish commits a handler that returned without writing anything.
func (tw *timeoutWriter) finish() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.committed && !tw.timedOut {
		tw.writeHeaderLocked(http.StatusOK)
	}
}
