package middleware

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/pathpolicy"
	"edgegate/internal/platform/telemetry"
)

// SpanName is the name of the per-request server span.
const SpanName = "gateway.request"

var validCorrelationID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// TracingConfig controls span creation and propagation.
type TracingConfig struct {
	Enabled bool
	// TagCorrelationID adds correlation.id to the span.
	TagCorrelationID bool
	// TagUser adds user.id and user.roles once authentication has run.
	TagUser bool
	// InjectTraceparent forwards a W3C traceparent to the backend.
	InjectTraceparent bool
	// InjectCustomHeaders forwards X-Trace-Id and X-Span-Id.
	InjectCustomHeaders bool

	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

func DefaultTracing() TracingConfig {
	return TracingConfig{
		Enabled:             true,
		TagCorrelationID:    true,
		TagUser:             true,
		InjectTraceparent:   true,
		InjectCustomHeaders: true,
	}
}

// CorrelationID returns id when it is a well-formed correlation id, or a
// fresh one.
func CorrelationID(id string) string {
	if validCorrelationID.MatchString(id) {
		return id
	}
	return uuid.NewString()
}

// Tracing assigns the correlation id on every request and, unless disabled
// or the path is trace-excluded, wraps the rest of the chain in a server
// span. The span ends exactly once, including when a later stage panics.
func Tracing(cfg TracingConfig, policies *pathpolicy.Store) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := gw.FromContext(r.Context())

			cid := CorrelationID(r.Header.Get(gw.HeaderCorrelationID))
			rc.SetCorrelationID(cid)
			r.Header.Set(gw.HeaderCorrelationID, cid)
			w.Header().Set(gw.HeaderCorrelationID, cid)

			if !cfg.Enabled || policies.Load().IsExcluded(r.URL.Path, pathpolicy.TableTracing) {
				next.ServeHTTP(w, r)
				return
			}

			tp := cfg.TracerProvider
			if tp == nil {
				tp = otel.GetTracerProvider()
			}
			prop := cfg.Propagator
			if prop == nil {
				prop = otel.GetTextMapPropagator()
			}

			attrs := []attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.path", telemetry.SanitizePath(r.URL.Path)),
			}
			if cfg.TagCorrelationID {
				attrs = append(attrs, attribute.String("correlation.id", cid))
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tp.Tracer(telemetry.InstrumentationName).Start(ctx, SpanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)

			sc := span.SpanContext()
			rc.SetTrace(sc.TraceID().String(), sc.SpanID().String())
			if cfg.InjectTraceparent {
				prop.Inject(ctx, propagation.HeaderCarrier(r.Header))
			}
			if cfg.InjectCustomHeaders && sc.IsValid() {
				r.Header.Set(gw.HeaderTraceID, sc.TraceID().String())
				r.Header.Set(gw.HeaderSpanID, sc.SpanID().String())
			}

			sw := gw.NewStatusWriter(w)
			defer func() {
				p := recover()
				status := sw.Code
				if p != nil {
					status = http.StatusInternalServerError
				}
				span.SetAttributes(attribute.Int("http.status_code", status))
				if status >= 400 {
					span.SetAttributes(attribute.Bool("error", true))
					span.SetStatus(codes.Error, http.StatusText(status))
				}
				if cfg.TagUser {
					if id, ok := rc.Identity(); ok {
						span.SetAttributes(
							attribute.String("user.id", id.UserID),
							attribute.String("user.roles", id.RolesHeader()),
						)
					}
				}
				span.End()
				if p != nil {
					panic(p)
				}
			}()

			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}
