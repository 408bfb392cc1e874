package jwks_test

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"edgegate/internal/domain"
	"edgegate/internal/gateway/adapter/jwks"
	"edgegate/internal/testutil"
)

func TestClientFetchesAndCachesKey(t *testing.T) {
	kid, _, pub := testutil.GenerateTestKeyPair(t)
	var fetchCount atomic.Int64

	srv := httptest.NewServer(countingHandler(&fetchCount, testutil.MockJWKSHandler(kid, pub)))
	defer srv.Close()

	client := jwks.NewClient(srv.URL, time.Minute, nil)
	ctx := context.Background()

	for range 2 {
		key, err := client.Key(ctx, kid)
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok || rsaKey.N.Cmp(pub.N) != 0 {
			t.Error("returned key doesn't match expected public key")
		}
	}

	if fetchCount.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", fetchCount.Load())
	}
}

func TestClientBlankKIDWithSingleKey(t *testing.T) {
	kid, _, pub := testutil.GenerateTestKeyPair(t)
	srv := httptest.NewServer(testutil.MockJWKSHandler(kid, pub))
	defer srv.Close()

	client := jwks.NewClient(srv.URL, time.Minute, nil)
	if err := client.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if _, err := client.Key(context.Background(), ""); err != nil {
		t.Errorf("expected single key to resolve blank kid, got %v", err)
	}
}

func TestClientUnknownKIDIsNotAnOutage(t *testing.T) {
	kid, _, pub := testutil.GenerateTestKeyPair(t)
	srv := httptest.NewServer(testutil.MockJWKSHandler(kid, pub))
	defer srv.Close()

	client := jwks.NewClient(srv.URL, time.Minute, nil)

	_, err := client.Key(context.Background(), "unknown-kid")
	if !errors.Is(err, jwks.ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
	if errors.Is(err, domain.ErrKeySourceUnavailable) {
		t.Error("unknown kid must not be reported as an outage")
	}
}

func TestClientRefreshesAfterMinInterval(t *testing.T) {
	kid, _, pub := testutil.GenerateTestKeyPair(t)
	var fetchCount atomic.Int64

	srv := httptest.NewServer(countingHandler(&fetchCount, testutil.MockJWKSHandler(kid, pub)))
	defer srv.Close()

	client := jwks.NewClient(srv.URL, 10*time.Millisecond, nil)
	ctx := context.Background()

	if _, err := client.Key(ctx, kid); err != nil {
		t.Fatalf("first Key: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	_, _ = client.Key(ctx, "new-kid")

	if fetchCount.Load() < 2 {
		t.Errorf("expected at least 2 fetches after refresh interval, got %d", fetchCount.Load())
	}
}

func TestClientFailuresAreUnavailable(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		url     string
	}{
		{name: "endpoint down", url: closed.URL},
		{name: "4xx", handler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}},
		{name: "5xx", handler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{name: "malformed json", handler: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"keys": not valid json`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := tt.url
			if tt.handler != nil {
				srv := httptest.NewServer(tt.handler)
				defer srv.Close()
				url = srv.URL
			}

			client := jwks.NewClient(url, time.Minute, nil)
			_, err := client.Key(context.Background(), "any-kid")
			if !errors.Is(err, domain.ErrKeySourceUnavailable) {
				t.Errorf("expected ErrKeySourceUnavailable, got %v", err)
			}
		})
	}
}

func TestClientEmptyKeyset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"keys": []}`))
	}))
	defer srv.Close()

	client := jwks.NewClient(srv.URL, time.Minute, nil)

	_, err := client.Key(context.Background(), "any-kid")
	if !errors.Is(err, jwks.ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey for empty keyset, got %v", err)
	}
}

func TestClientContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := jwks.NewClient(srv.URL, time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := client.Key(ctx, "any-kid"); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestClientMethods(t *testing.T) {
	client := jwks.NewClient("http://unused", time.Minute, nil)
	if m := client.Methods(); len(m) != 1 || m[0] != "RS256" {
		t.Errorf("expected [RS256], got %v", m)
	}
}

func countingHandler(count *atomic.Int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		next.ServeHTTP(w, r)
	})
}

func TestClientRefreshHook(t *testing.T) {
	kid, _, pub := testutil.GenerateTestKeyPair(t)
	healthy := httptest.NewServer(testutil.MockJWKSHandler(kid, pub))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"success", healthy.URL, "success"},
		{"failure", broken.URL, "failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []string
			client := jwks.NewClient(tt.url, time.Minute, nil)
			client.OnRefresh(func(_ context.Context, result string) { results = append(results, result) })

			_ = client.Warm(context.Background())
			if len(results) != 1 || results[0] != tt.want {
				t.Errorf("expected [%s], got %v", tt.want, results)
			}
		})
	}
}
