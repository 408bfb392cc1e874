package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc releases telemetry resources.
type ShutdownFunc func(ctx context.Context) error

// InstrumentationName names the gateway's meter and tracer.
const InstrumentationName = "edgegate"

// Setup initializes OpenTelemetry with a Prometheus exporter.
// Returns a shutdown function that must be called on exit.
func Setup(ctx context.Context, serviceName string) (ShutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(serviceResource(serviceName)),
	)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

// TracingOptions selects the span exporter.
type TracingOptions struct {
	ServiceName string
	// Exporter is "stdout" or "none".
	Exporter    string
	SampleRatio float64
	Writer      io.Writer
}

// SetupTracing installs the global tracer provider and the W3C trace-context
// propagator. With Exporter "none" spans are still created, so correlation
// and trace ids propagate, but nothing is exported.
func SetupTracing(ctx context.Context, opts TracingOptions) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(serviceResource(opts.ServiceName)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}

	switch opts.Exporter {
	case "", "none":
	case "stdout":
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", opts.Exporter)
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func serviceResource(name string) *resource.Resource {
	if name == "" {
		name = InstrumentationName
	}
	return resource.NewSchemaless(attribute.String("service.name", name))
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[a-f0-9-]{36}$`)
	hashSegment    = regexp.MustCompile(`^[a-f0-9]{8,}$`)
)

// UnmatchedPath is the path tag for requests no route owns, so arbitrary
// paths cannot create new series.
const UnmatchedPath = "/{unmatched}"

// SanitizePath collapses id-like segments so a path can be used as a
// low-cardinality metric or span tag.
func SanitizePath(path string) string {
	if path == "" {
		return "/unknown"
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		switch {
		case seg == "":
		case numericSegment.MatchString(seg):
			segs[i] = "{id}"
		case uuidSegment.MatchString(seg):
			segs[i] = "{uuid}"
		case hashSegment.MatchString(seg):
			segs[i] = "{hash}"
		}
	}
	return strings.Join(segs, "/")
}

// GatewayMetrics holds all OTel instruments for the gateway.
type GatewayMetrics struct {
	httpRequestsTotal       otelmetric.Int64Counter
	httpRequestDuration     otelmetric.Float64Histogram
	authValidationsTotal    otelmetric.Int64Counter
	jwksRefreshesTotal      otelmetric.Int64Counter
	rateLimitDecisionsTotal otelmetric.Int64Counter
	proxyRequestsTotal      otelmetric.Int64Counter
	proxyDuration           otelmetric.Float64Histogram
	timeoutsTotal           otelmetric.Int64Counter
	fallbacksTotal          otelmetric.Int64Counter
	csrfChecksTotal         otelmetric.Int64Counter
}

// NewGatewayMetrics creates and registers all gateway metrics.
func NewGatewayMetrics() (*GatewayMetrics, error) {
	meter := otel.Meter(InstrumentationName)
	m := &GatewayMetrics{}
	var err error

	latencyBuckets := otelmetric.WithExplicitBucketBoundaries(
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
	)

	counters := []struct {
		dst  *otelmetric.Int64Counter
		name string
		desc string
	}{
		{&m.httpRequestsTotal, "gateway_http_requests_total", "Total HTTP requests"},
		{&m.authValidationsTotal, "gateway_auth_validations_total", "Token validations by outcome"},
		{&m.jwksRefreshesTotal, "gateway_jwks_refreshes_total", "JWKS fetches by outcome"},
		{&m.rateLimitDecisionsTotal, "gateway_ratelimit_decisions_total", "Rate limit decisions"},
		{&m.proxyRequestsTotal, "gateway_proxy_requests_total", "Requests forwarded to backends"},
		{&m.timeoutsTotal, "gateway_timeouts_total", "Requests answered with a gateway timeout"},
		{&m.fallbacksTotal, "gateway_fallbacks_total", "Fallback responses served"},
		{&m.csrfChecksTotal, "gateway_csrf_checks_total", "CSRF checks by outcome"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, otelmetric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("creating %s: %w", c.name, err)
		}
	}

	if m.httpRequestDuration, err = meter.Float64Histogram("gateway_http_request_duration_seconds",
		otelmetric.WithDescription("HTTP request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating http_request_duration: %w", err)
	}
	if m.proxyDuration, err = meter.Float64Histogram("gateway_proxy_duration_seconds",
		otelmetric.WithDescription("Proxy request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating proxy_duration: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *GatewayMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, durationSec float64) {
	attrs := otelmetric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(status),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, durationSec, attrs)
}

// RecordAuth records one token validation outcome.
func (m *GatewayMetrics) RecordAuth(ctx context.Context, result, path, reason string) {
	m.authValidationsTotal.Add(ctx, 1, otelmetric.WithAttributes(
		resultAttr(result),
		pathAttr(path),
		reasonAttr(reason),
	))
}

// RecordJWKSRefresh records a JWKS refresh attempt.
func (m *GatewayMetrics) RecordJWKSRefresh(ctx context.Context, result string) {
	m.jwksRefreshesTotal.Add(ctx, 1, otelmetric.WithAttributes(resultAttr(result)))
}

// RecordRateLimitDecision records a rate limit decision.
func (m *GatewayMetrics) RecordRateLimitDecision(ctx context.Context, tier, result string) {
	m.rateLimitDecisionsTotal.Add(ctx, 1, otelmetric.WithAttributes(
		tierAttr(tier),
		resultAttr(result),
	))
}

// RecordProxyRequest records a proxied request to a backend.
func (m *GatewayMetrics) RecordProxyRequest(ctx context.Context, backend string, status int, durationSec float64) {
	attrs := otelmetric.WithAttributes(
		backendAttr(backend),
		statusAttr(status),
	)
	m.proxyRequestsTotal.Add(ctx, 1, attrs)
	m.proxyDuration.Record(ctx, durationSec, attrs)
}

// RecordTimeout records a 504 issued by the timeout stage.
func (m *GatewayMetrics) RecordTimeout(ctx context.Context, path string) {
	m.timeoutsTotal.Add(ctx, 1, otelmetric.WithAttributes(pathAttr(path)))
}

// RecordFallback records a fallback response.
func (m *GatewayMetrics) RecordFallback(ctx context.Context, service, method string, status int) {
	m.fallbacksTotal.Add(ctx, 1, otelmetric.WithAttributes(
		serviceAttr(service),
		methodAttr(method),
		statusAttr(status),
	))
}

// RecordCSRF records a CSRF check.
func (m *GatewayMetrics) RecordCSRF(ctx context.Context, result string) {
	m.csrfChecksTotal.Add(ctx, 1, otelmetric.WithAttributes(resultAttr(result)))
}
