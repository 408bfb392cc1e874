// Package redact strips credentials and personal data from text before it
// reaches a log line or a client-visible error body.
package redact

import (
	"net/netip"
	"regexp"
	"strings"
)

const (
	// MaxOutputLength caps every sanitized string.
	MaxOutputLength = 500

	maxMessageLength = 1000
	noMessage        = "No error message provided"
	truncatedSuffix  = "... [truncated]"
)

type rule struct {
	re   *regexp.Regexp
	repl string
	// fn, when set, replaces each match instead of repl.
	fn func(string) string
}

// Order matters: key=value credentials are handled before the generic token
// shapes so the key name survives in the output.
var rules = []rule{
	{re: regexp.MustCompile(`(?i)["']?(password|passwd|pwd|token|secret|key|credential|apikey|api_key|access_key|private_key|refresh_token|id_token)["']?\s*[=:]\s*["']?[^\s,;"'\]\}]+["']?`), repl: "${1}=[REDACTED]"},
	{re: regexp.MustCompile(`(?i)(authorization|bearer|basic|digest)\s*[=:]?\s*(?:(?:bearer|basic|digest)\s+)?[^\s,;"'\]\}]+`), repl: "${1} [REDACTED]"},
	{re: regexp.MustCompile(`(?i)(jwt|access_token|refresh_token|id_token)\s*[=:]\s*[A-Za-z0-9+/._-]{20,}={0,2}`), repl: "${1}=[JWT_REDACTED]"},
	{re: regexp.MustCompile(`(?i)cookie:\s*[^;]*(?:jwt|token|session)[^;]*=[^;\s]+`), repl: "Cookie: [COOKIE_REDACTED]"},
	{re: regexp.MustCompile(`(?i)[?&](jwt|token|access_token|refresh_token)=[A-Za-z0-9+/._-]{20,}={0,2}`), repl: "?${1}=[QUERY_TOKEN_REDACTED]"},
	{re: regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), repl: "[EMAIL_REDACTED]"},
	{re: regexp.MustCompile(`(?i)\beyJ[A-Za-z0-9+/._-]*\.[A-Za-z0-9+/._-]*\.[A-Za-z0-9+/._-]*\b`), repl: "[JWT_REDACTED]"},
	{re: regexp.MustCompile(`\b[A-Za-z0-9+/]{20,}={0,2}\b`), repl: "[TOKEN_REDACTED]"},
	{re: regexp.MustCompile(`[0-9A-Fa-f:.]*:[0-9A-Fa-f:.]+`), fn: ipv6},
	{re: regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`), repl: "[IP_REDACTED]"},
	{re: regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`), repl: "[SESSION_REDACTED]"},
	{re: regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), repl: "[UUID_REDACTED]"},
	{re: regexp.MustCompile(`\b(?:\+?1[-.]?)?\(?[0-9]{3}\)?[-.]?[0-9]{3}[-.]?[0-9]{4}\b`), repl: "[PHONE_REDACTED]"},
	{re: regexp.MustCompile(`\b(?:[0-9]{4}[-\s]?){3}[0-9]{4}\b`), repl: "[CARD_REDACTED]"},
	{re: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), repl: "[SSN_REDACTED]"},
	{re: regexp.MustCompile(`(?i)(jdbc|mongodb|mysql|postgresql|postgres|redis|amqp)://[^\s,;"']+`), repl: "${1}://[CONNECTION_REDACTED]"},
}

// String redacts every sensitive pattern in s and caps the result at
// MaxOutputLength bytes.
func String(s string) string {
	if s == "" {
		return ""
	}
	for _, r := range rules {
		if r.fn != nil {
			s = r.re.ReplaceAllStringFunc(s, r.fn)
			continue
		}
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return truncate(s, MaxOutputLength)
}

// ipv6 replaces candidate if it parses as an IPv6 address, in any of the
// compressed, full or IPv4-embedded forms. Trailing punctuation is kept.
func ipv6(candidate string) string {
	for _, c := range []string{candidate, strings.TrimRight(candidate, ":.")} {
		if c == "" {
			continue
		}
		if addr, err := netip.ParseAddr(c); err == nil && addr.Is6() && !addr.IsUnspecified() {
			return "[IPV6_REDACTED]" + candidate[len(c):]
		}
	}
	return candidate
}

// Message prepares a human-readable message for an error body: blank input
// becomes a placeholder, long input is truncated, the rest is redacted.
func Message(s string) string {
	if strings.TrimSpace(s) == "" {
		return noMessage
	}
	if len(s) > maxMessageLength {
		s = truncate(s, maxMessageLength) + truncatedSuffix
	}
	return String(s)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
