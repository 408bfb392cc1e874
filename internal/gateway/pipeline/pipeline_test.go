package pipeline_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"edgegate/internal/domain"
	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/adapter/statickey"
	"edgegate/internal/gateway/authn"
	"edgegate/internal/gateway/pathpolicy"
	"edgegate/internal/gateway/pipeline"
	"edgegate/internal/platform/telemetry"
	"edgegate/internal/testutil"
)

type budgetLimiter struct {
	mu    sync.Mutex
	n     int
	tiers map[string]int
	seen  map[string]int
}

func (l *budgetLimiter) Check(_ context.Context, tier, key string) (gw.RateLimitDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen, l.tiers = make(map[string]int), make(map[string]int)
	}
	l.tiers[tier]++
	l.seen[tier+key]++
	used := l.seen[tier+key]
	return gw.RateLimitDecision{Allowed: used <= l.n, Limit: l.n, Remaining: l.n - used, RetryAfter: 1}, nil
}

func newGateway(t *testing.T, backend http.Handler, mutate func(*pipeline.Deps)) http.Handler {
	t.Helper()
	keys, err := statickey.New(testutil.Secret)
	if err != nil {
		t.Fatalf("static key: %v", err)
	}
	d := pipeline.Deps{
		Validator: authn.New(keys, authn.Options{Issuer: testutil.Issuer, Audience: testutil.Audience}),
		Backend:   backend,
		Limiter:   &budgetLimiter{n: 100},
	}
	if mutate != nil {
		mutate(&d)
	}
	h, err := pipeline.New(d)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return h
}

func serve(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", testutil.Bearer(token))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var body domain.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestRouteClasses(t *testing.T) {
	h := newGateway(t, testutil.MockBackendHandler("backend"), nil)
	user := testutil.SignHS256(t, testutil.Claims(testutil.Alice, time.Minute))
	admin := testutil.SignHS256(t, testutil.Claims(testutil.Root, time.Minute))

	tests := []struct {
		name  string
		path  string
		token string
		want  int
		code  string
	}{
		{"public without token", "/api/auth/login", "", http.StatusOK, ""},
		{"public admin login beats admin class", "/api/auth/admin/login", "", http.StatusOK, ""},
		{"authenticated without token", "/api/orders", "", http.StatusUnauthorized, "unauthorized"},
		{"authenticated with token", "/api/orders", user, http.StatusOK, ""},
		{"admin as user", "/api/admin/users", user, http.StatusForbidden, "access_denied"},
		{"admin as admin", "/api/admin/users", admin, http.StatusOK, ""},
		{"admin without token", "/api/auth/admin/keys", "", http.StatusUnauthorized, "unauthorized"},
		{"health without token", "/api/health/db", "", http.StatusOK, ""},
		{"unknown path", "/wp-login.php", "", http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.path, tt.token)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.code != "" {
				if body := errorBody(t, rec); body.Error != tt.code {
					t.Errorf("expected %s, got %s", tt.code, body.Error)
				}
			}
			if rec.Header().Get(gw.HeaderCorrelationID) == "" {
				t.Error("expected a correlation id on every response")
			}
		})
	}
}

func TestIdentityReachesBackend(t *testing.T) {
	h := newGateway(t, testutil.MockBackendHandler("backend"), nil)
	token := testutil.SignHS256(t, testutil.Claims(testutil.Alice, time.Minute))

	rec := serve(h, http.MethodGet, "/api/orders", token)

	var echo testutil.EchoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &echo); err != nil {
		t.Fatalf("decoding echo: %v", err)
	}
	if echo.UserID != "u-100" || echo.Username != "alice" || echo.Validated != "true" {
		t.Errorf("unexpected identity at backend %+v", echo)
	}
	if echo.CorrelationID == "" || echo.CorrelationID != rec.Header().Get(gw.HeaderCorrelationID) {
		t.Errorf("expected backend and client to share correlation id, got %q", echo.CorrelationID)
	}
}

func TestSpoofedIdentityIsDropped(t *testing.T) {
	h := newGateway(t, testutil.MockBackendHandler("backend"), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.Header.Set(gw.HeaderUserID, "u-1")
	req.Header.Set(gw.HeaderGatewayValidated, "true")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var echo testutil.EchoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &echo); err != nil {
		t.Fatalf("decoding echo: %v", err)
	}
	if echo.UserID != "" || echo.Validated != "" {
		t.Errorf("spoofed identity reached backend: %+v", echo)
	}
}

func TestLocalHealth(t *testing.T) {
	h := newGateway(t, http.NotFoundHandler(), nil)

	for _, p := range []string{"/health", "/status", "/health/live"} {
		rec := serve(h, http.MethodGet, p, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", p, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "UP" {
			t.Errorf("%s: unexpected body %s", p, rec.Body.String())
		}
	}
}

func TestSecurityHeadersOnErrors(t *testing.T) {
	h := newGateway(t, testutil.MockBackendHandler("backend"), func(d *pipeline.Deps) {
		d.Security.Enabled = true
		d.Security.FrameOptions = "DENY"
	})

	rec := serve(h, http.MethodGet, "/api/orders", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected security headers on error response")
	}
}

func TestRateLimitPerClass(t *testing.T) {
	limiter := &budgetLimiter{n: 2}
	h := newGateway(t, testutil.MockBackendHandler("backend"), func(d *pipeline.Deps) {
		d.Limiter = limiter
	})

	var codes []int
	for range 3 {
		codes = append(codes, serve(h, http.MethodPost, "/api/auth/login", "").Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected third login to be limited, got %v", codes)
	}
	if limiter.tiers[pipeline.TierPublic] != 3 {
		t.Errorf("expected login checks in tier %s, got %v", pipeline.TierPublic, limiter.tiers)
	}

	// health is never limited
	for range 5 {
		if rec := serve(h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
			t.Fatalf("expected health 200, got %d", rec.Code)
		}
	}
}

func TestTimeoutWinsOverSlowBackend(t *testing.T) {
	p, err := pathpolicy.Parse([]byte("timeouts:\n  global: 50ms\n  per_route: 50ms\n"))
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	h := newGateway(t, testutil.SlowHandler(time.Second), func(d *pipeline.Deps) {
		d.Policies = pathpolicy.NewStore(p)
	})
	token := testutil.SignHS256(t, testutil.Claims(testutil.Alice, time.Minute))

	rec := serve(h, http.MethodGet, "/api/orders", token)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestBackendPanicIsSystemError(t *testing.T) {
	h := newGateway(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }), nil)

	rec := serve(h, http.MethodPost, "/api/auth/login", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := errorBody(t, rec); body.Error != "system_error" {
		t.Errorf("expected system_error, got %s", body.Error)
	}
}

func TestFallbackEndpoint(t *testing.T) {
	h := newGateway(t, testutil.MockBackendHandler("backend"), nil)

	if rec := serve(h, http.MethodGet, "/fallback/user", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "/fallback/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestUnmatchedPathsShareOneSeries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		provider.Shutdown(context.Background())
	})
	m, err := telemetry.NewGatewayMetrics()
	if err != nil {
		t.Fatalf("NewGatewayMetrics: %v", err)
	}
	h := newGateway(t, testutil.MockBackendHandler("backend"), func(d *pipeline.Deps) { d.Metrics = m })

	for _, p := range []string{"/wp-login.php", "/random/a1b2c3", "/.env", "/fallback/nope"} {
		if rec := serve(h, http.MethodGet, p, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", p, rec.Code)
		}
	}
	serve(h, http.MethodGet, "/fallback/user", "")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "gateway_http_requests_total" {
				continue
			}
			for _, dp := range metric.Data.(metricdata.Sum[int64]).DataPoints {
				path, _ := dp.Attributes.Value(attribute.Key("path"))
				counts[path.AsString()] += dp.Value
			}
		}
	}
	if len(counts) != 2 {
		t.Errorf("expected 2 path series, got %v", counts)
	}
	if counts[telemetry.UnmatchedPath] != 4 {
		t.Errorf("expected 4 unmatched requests, got %d", counts[telemetry.UnmatchedPath])
	}
	if counts["/fallback/user"] != 1 {
		t.Errorf("expected known fallback path kept, got %v", counts)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newGateway(t, testutil.MockBackendHandler("backend"), func(d *pipeline.Deps) {
		d.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		})
	})

	rec := serve(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics" {
		t.Errorf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := pipeline.New(pipeline.Deps{Backend: http.NotFoundHandler()}); err == nil {
		t.Error("expected error without validator")
	}
}
