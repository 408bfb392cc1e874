package clientip_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"edgegate/internal/gateway/clientip"
)

func newRequest(remote string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestResolveForwardedFor(t *testing.T) {
	res := clientip.New([]string{"10.0.0.0/8"}, clientip.Options{UseForwardedFor: true, UseRealIP: true})

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{
			name:    "first untrusted entry wins",
			remote:  "10.0.0.1:443",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.1.2.3"},
			want:    "203.0.113.5",
		},
		{
			name:    "trusted entries are skipped",
			remote:  "10.0.0.1:443",
			headers: map[string]string{"X-Forwarded-For": "10.9.9.9, 198.51.100.7"},
			want:    "198.51.100.7",
		},
		{
			name:    "malformed entries are skipped",
			remote:  "10.0.0.1:443",
			headers: map[string]string{"X-Forwarded-For": "unknown, not-an-ip, 198.51.100.8"},
			want:    "198.51.100.8",
		},
		{
			name:    "entry with port",
			remote:  "10.0.0.1:443",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.9:5555"},
			want:    "198.51.100.9",
		},
		{
			name:    "all trusted falls through to real ip",
			remote:  "10.0.0.1:443",
			headers: map[string]string{"X-Forwarded-For": "10.1.1.1", "X-Real-IP": "192.0.2.44"},
			want:    "192.0.2.44",
		},
		{
			name:    "trusted real ip falls through to peer",
			remote:  "10.0.0.1:443",
			headers: map[string]string{"X-Real-IP": "10.2.2.2"},
			want:    "10.0.0.1",
		},
		{
			name:   "no headers uses peer",
			remote: "192.0.2.1:1234",
			want:   "192.0.2.1",
		},
		{
			name:   "no peer is unknown",
			remote: "",
			want:   "unknown",
		},
		{
			name:    "unparseable peer is unknown",
			remote:  "not-an-ip",
			headers: map[string]string{"X-Forwarded-For": "also-bad, 10.0.0.1"},
			want:    "unknown",
		},
		{
			name:   "unparseable peer with port is unknown",
			remote: "gateway.internal:8080",
			want:   "unknown",
		},
		{
			name:   "ipv6 peer",
			remote: "[2001:db8::1]:443",
			want:   "2001:db8::1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := res.Resolve(newRequest(tt.remote, tt.headers)); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResolveHeadersDisabled(t *testing.T) {
	res := clientip.New([]string{"10.0.0.0/8"}, clientip.Options{})
	req := newRequest("10.0.0.1:443", map[string]string{
		"X-Forwarded-For": "203.0.113.5",
		"X-Real-IP":       "203.0.113.6",
	})
	if got := res.Resolve(req); got != "10.0.0.1" {
		t.Errorf("expected peer address when headers are disabled, got %q", got)
	}
}

func TestIsTrustedPrefixBoundaries(t *testing.T) {
	res := clientip.New([]string{"192.168.0.0/16", "172.16.0.0/12", "2001:db8::/32"}, clientip.Options{})

	tests := []struct {
		addr string
		want bool
	}{
		{"192.168.1.1", true},
		{"192.168.255.255", true},
		{"192.169.0.1", false},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"::ffff:192.168.1.1", true},
		{"", true},
		{"999.1.1.1", true},
		{"garbage", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := res.IsTrusted(tt.addr); got != tt.want {
				t.Errorf("IsTrusted(%q): expected %v, got %v", tt.addr, tt.want, got)
			}
		})
	}
}

func TestNarrowPrefix(t *testing.T) {
	res := clientip.New([]string{"192.168.0.0/24"}, clientip.Options{})
	if !res.IsTrusted("192.168.0.200") {
		t.Error("expected 192.168.0.200 inside /24")
	}
	if res.IsTrusted("192.168.1.1") {
		t.Error("expected 192.168.1.1 outside /24")
	}
}

func TestParsePrefixesInvalid(t *testing.T) {
	valid, invalid := clientip.ParsePrefixes([]string{"10.0.0.0/8", "10.0.0.0/33", "nonsense", " ", "::1/129"})
	if len(valid) != 1 {
		t.Errorf("expected 1 valid prefix, got %d", len(valid))
	}
	if len(invalid) != 3 {
		t.Errorf("expected 3 invalid prefixes, got %v", invalid)
	}
}

func TestInvalidPrefixNeverMatches(t *testing.T) {
	res := clientip.New([]string{"203.0.113.0/99"}, clientip.Options{UseForwardedFor: true})
	req := newRequest("10.0.0.1:443", map[string]string{"X-Forwarded-For": "203.0.113.5"})
	if got := res.Resolve(req); got != "203.0.113.5" {
		t.Errorf("expected invalid CIDR to match nothing, got %q", got)
	}
}

func TestFamilyMismatchIsNoMatch(t *testing.T) {
	res := clientip.New([]string{"10.0.0.0/8"}, clientip.Options{})
	if res.IsTrusted("2001:db8::1") {
		t.Error("IPv6 address must not match an IPv4 range")
	}
}

func TestCacheBounded(t *testing.T) {
	res := clientip.New(clientip.DefaultTrustedProxies, clientip.Options{CacheSize: 8})
	for i := range 50 {
		res.IsTrusted(fmt.Sprintf("198.51.100.%d", i))
	}
	if n := res.CacheLen(); n > 8 {
		t.Errorf("expected cache bounded to 8 entries, got %d", n)
	}
}

func TestConcurrentResolve(t *testing.T) {
	res := clientip.New(clientip.DefaultTrustedProxies, clientip.Options{UseForwardedFor: true, CacheSize: 16})

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := newRequest("127.0.0.1:1", map[string]string{
				"X-Forwarded-For": fmt.Sprintf("203.0.113.%d, 10.0.0.1", i%40),
			})
			want := fmt.Sprintf("203.0.113.%d", i%40)
			if got := res.Resolve(req); got != want {
				t.Errorf("expected %q, got %q", want, got)
			}
		}()
	}
	wg.Wait()
}
