package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"edgegate/internal/domain"
	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/pathpolicy"
)

// scoped attaches a fresh RequestContext, as RequestScope would.
func scoped(r *http.Request) (*http.Request, *gw.RequestContext) {
	rc := gw.NewRequestContext(r.Method, r.URL.Path, time.Now())
	rc.SetCorrelationID("corr-test")
	return r.WithContext(gw.WithRequestContext(r.Context(), rc)), rc
}

func policies(t *testing.T, doc string) *pathpolicy.Store {
	t.Helper()
	if doc == "" {
		return pathpolicy.NewStore(nil)
	}
	p, err := pathpolicy.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parsing policy: %v", err)
	}
	return pathpolicy.NewStore(p)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var body domain.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return body
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})
