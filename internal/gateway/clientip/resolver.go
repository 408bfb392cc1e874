// Package clientip resolves the originating client address of a request,
// honouring forwarding headers only across configured trusted proxies.
package clientip

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"

	// Unknown is returned when no address can be determined.
	Unknown = "unknown"

	defaultCacheSize = 10000
)

// DefaultTrustedProxies covers loopback, private and link-local ranges.
var DefaultTrustedProxies = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"::ffff:0:0/96",
}

// Options tunes which headers the resolver consults.
type Options struct {
	UseForwardedFor bool
	UseRealIP       bool
	// CacheSize bounds the trust-decision cache; zero selects the default.
	CacheSize int
}

// Resolver extracts the client address of a request. The trusted set is
// fixed at construction; the decision cache is safe for concurrent use.
type Resolver struct {
	trusted []netip.Prefix
	opts    Options

	cache     sync.Map // string -> bool
	cacheLen  atomic.Int64
	cacheSize int64
}

// ParsePrefixes parses CIDR strings. Entries that fail to parse are returned
// separately and take no part in matching.
func ParsePrefixes(cidrs []string) (valid []netip.Prefix, invalid []string) {
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			invalid = append(invalid, c)
			continue
		}
		valid = append(valid, p.Masked())
	}
	return valid, invalid
}

// New builds a resolver over the given trusted CIDR list.
func New(trustedCIDRs []string, opts Options) *Resolver {
	valid, invalid := ParsePrefixes(trustedCIDRs)
	for _, c := range invalid {
		slog.Warn("ignoring invalid trusted proxy CIDR", "cidr", c)
	}
	size := int64(opts.CacheSize)
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Resolver{trusted: valid, opts: opts, cacheSize: size}
}

// Resolve returns the client address for r. Forwarded-for entries are walked
// left to right and the first untrusted one wins; then X-Real-IP, then the
// transport peer, then Unknown.
func (res *Resolver) Resolve(r *http.Request) string {
	if res.opts.UseForwardedFor {
		for _, xff := range r.Header.Values(HeaderForwardedFor) {
			for entry := range strings.SplitSeq(xff, ",") {
				entry = strings.TrimSpace(entry)
				if entry == "" {
					continue
				}
				if !res.IsTrusted(entry) {
					if ip, ok := canonical(entry); ok {
						return ip
					}
				}
			}
		}
	}

	if res.opts.UseRealIP {
		if real := strings.TrimSpace(r.Header.Get(HeaderRealIP)); real != "" && !res.IsTrusted(real) {
			if ip, ok := canonical(real); ok {
				return ip
			}
		}
	}

	if peer, ok := canonical(r.RemoteAddr); ok {
		return peer
	}
	return Unknown
}

// IsTrusted reports whether addr lies inside a trusted range. Addresses that
// cannot be parsed count as trusted so they are never reported as the client.
func (res *Resolver) IsTrusted(addr string) bool {
	if v, ok := res.cache.Load(addr); ok {
		return v.(bool)
	}
	trusted := res.classify(addr)
	if res.cacheLen.Load() >= res.cacheSize {
		res.cache.Clear()
		res.cacheLen.Store(0)
	}
	if _, loaded := res.cache.LoadOrStore(addr, trusted); !loaded {
		res.cacheLen.Add(1)
	}
	return trusted
}

// CacheLen reports the approximate number of cached trust decisions.
func (res *Resolver) CacheLen() int {
	return int(res.cacheLen.Load())
}

func (res *Resolver) classify(addr string) bool {
	ip, err := parseAddr(addr)
	if err != nil {
		return true
	}
	for _, p := range res.trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// parseAddr accepts a bare address, an address with port, or a bracketed
// IPv6 address. Zones are dropped and IPv4-mapped IPv6 is unmapped.
func parseAddr(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, fmt.Errorf("empty address")
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		host, _, splitErr := net.SplitHostPort(s)
		if splitErr != nil {
			return netip.Addr{}, err
		}
		if ip, err = netip.ParseAddr(host); err != nil {
			return netip.Addr{}, err
		}
	}
	return ip.WithZone("").Unmap(), nil
}

// canonical returns the normalized form of s, or false when s is not an
// address. Unparseable input is never reported as a client address.
func canonical(s string) (string, bool) {
	ip, err := parseAddr(s)
	if err != nil {
		return "", false
	}
	return ip.String(), true
}
