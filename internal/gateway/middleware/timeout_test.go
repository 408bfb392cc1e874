package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/goleak"

	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/middleware"
	"edgegate/internal/testutil"
)

const shortTimeouts = `
timeouts:
  global: 50ms
  per_route: 50ms
`

func TestTimeoutWritesGatewayTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	handler := middleware.Timeout(middleware.TimeoutConfig{}, policies(t, shortTimeouts), nil)(testutil.SlowHandler(time.Second))

	req, _ := scoped(httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	rec := httptest.NewRecorder()
	start := time.Now()
	handler.ServeHTTP(rec, req)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected prompt timeout, took %v", elapsed)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("expected Retry-After 30, got %q", got)
	}
	if got := rec.Header().Get(gw.HeaderCorrelationID); got != "corr-test" {
		t.Errorf("expected correlation header, got %q", got)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("504 body is not JSON: %v: %s", err, rec.Body.String())
	}
	if body["error"] != "gateway_timeout" || body["timeout"] != "50ms" || body["path"] != "/api/orders" {
		t.Errorf("unexpected body %v", body)
	}
	if body["retryAfter"] != float64(30) {
		t.Errorf("expected numeric retryAfter 30, got %v", body["retryAfter"])
	}
}

func TestTimeoutKeepsCommittedResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		if _, err := w.Write([]byte("-more")); err != nil {
			t.Errorf("write after commit should pass through, got %v", err)
		}
	})
	handler := middleware.Timeout(middleware.TimeoutConfig{}, policies(t, shortTimeouts), nil)(inner)

	req, _ := scoped(httptest.NewRequest(http.MethodGet, "/api/stream", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected committed 200 to stand, got %d", rec.Code)
	}
	if rec.Body.String() != "partial-more" {
		t.Errorf("expected streamed body, got %q", rec.Body.String())
	}
}

func TestTimeoutFastHandlerPassesThrough(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := gw.FromContext(r.Context()).Deadline(); !ok {
			t.Error("expected deadline in request context")
		}
		w.Header().Set("X-Backend", "orders")
		w.WriteHeader(http.StatusCreated)
	})
	handler := middleware.Timeout(middleware.TimeoutConfig{}, policies(t, ""), nil)(inner)

	req, _ := scoped(httptest.NewRequest(http.MethodPost, "/api/orders", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if rec.Header().Get("X-Backend") != "orders" {
		t.Error("expected handler headers to be copied")
	}
}

func TestTimeoutEmptyHandlerCommits200(t *testing.T) {
	handler := middleware.Timeout(middleware.TimeoutConfig{}, policies(t, ""), nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req, _ := scoped(httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestTimeoutExcludedPath(t *testing.T) {
	handler := middleware.Timeout(middleware.TimeoutConfig{}, policies(t, shortTimeouts), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	req, _ := scoped(httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected excluded path to ignore deadline, got %d", rec.Code)
	}
}

func TestTimeoutInvalidTemplateFallsBack(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := middleware.TimeoutConfig{Template: `{"broken": `, RetryAfter: 5}
	handler := middleware.Timeout(cfg, policies(t, shortTimeouts), nil)(testutil.SlowHandler(time.Second))

	req, _ := scoped(httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !json.Valid(rec.Body.Bytes()) {
		t.Fatalf("expected default template body, got %s", rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Errorf("expected Retry-After 5, got %q", got)
	}
}

func TestTimeoutPropagatesPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	handler := middleware.Timeout(middleware.TimeoutConfig{}, policies(t, ""), nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	defer func() {
		if p := recover(); p != "boom" {
			t.Errorf("expected panic to reach the caller, got %v", p)
		}
	}()
	req, _ := scoped(httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestValidateTimeoutTemplate(t *testing.T) {
	tests := []struct {
		tmpl    string
		wantErr bool
	}{
		{middleware.DefaultTimeoutTemplate, false},
		{`{"message":"timed out after {timeout}"}`, false},
		{`{"message":"timed out"}`, true},
		{`timed out after {timeout}`, true},
	}
	for _, tt := range tests {
		err := middleware.ValidateTimeoutTemplate(tt.tmpl)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateTimeoutTemplate(%q): expected error %v, got %v", tt.tmpl, tt.wantErr, err)
		}
	}
}
