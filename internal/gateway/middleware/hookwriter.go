package middleware

import (
	"net/http"
	"sync"
)

// hookWriter runs before exactly once, right before the response is
// committed. It is the single point where late response headers are set.
type hookWriter struct {
	http.ResponseWriter
	once   sync.Once
	before func(http.Header)
}

func (hw *hookWriter) fire() {
	hw.once.Do(func() { hw.before(hw.ResponseWriter.Header()) })
}

func (hw *hookWriter) WriteHeader(code int) {
	if code >= 200 {
		hw.fire()
	}
	hw.ResponseWriter.WriteHeader(code)
}

func (hw *hookWriter) Write(b []byte) (int, error) {
	hw.fire()
	return hw.ResponseWriter.Write(b)
}

func (hw *hookWriter) Flush() {
	hw.fire()
	if f, ok := hw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (hw *hookWriter) Unwrap() http.ResponseWriter {
	return hw.ResponseWriter
}
