package middleware

import (
	"net/http"

	"edgegate/internal/gateway/apierror"
)

// MaxBodySize rejects requests whose declared Content-Length exceeds maxBytes
// with 413 and caps every other body at maxBytes.
func MaxBodySize(maxBytes int64, f *apierror.Formatter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				f.PayloadTooLarge(w, r, maxBytes)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
