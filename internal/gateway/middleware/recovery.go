package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/apierror"
)

// Recovery turns a panic anywhere below it into a 500 system_error. An
// http.ErrAbortHandler panic is passed on so the server aborts the response.
func Recovery(f *apierror.Formatter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := gw.NewStatusWriter(w)
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				rc := gw.FromContext(r.Context())
				slog.ErrorContext(r.Context(), "panic recovered",
					"panic", fmt.Sprint(p),
					"correlation_id", rc.CorrelationID(),
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				if sw.Committed {
					return
				}
				f.SystemError(sw, r, fmt.Errorf("panic: %v", p))
			}()
			next.ServeHTTP(sw, r)
		})
	}
}
