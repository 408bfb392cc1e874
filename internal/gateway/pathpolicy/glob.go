// Package pathpolicy maps request paths to per-route policy using ant-style
// glob tables: "**" spans any number of segments, "*" and "?" match within a
// single segment, anything else is a literal segment.
package pathpolicy

import (
	"fmt"
	"path"
	"strings"
)

// Match reports whether urlPath matches the ant-style pattern.
func Match(pattern, urlPath string) bool {
	return matchSegments(split(pattern), split(urlPath))
}

// ValidatePattern rejects patterns that could never be evaluated.
func ValidatePattern(pattern string) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("pattern %q must start with /", pattern)
	}
	for _, seg := range split(pattern) {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return fmt.Errorf("pattern %q: segment %q: %w", pattern, seg, err)
		}
	}
	return nil
}

func split(p string) []string {
	parts := strings.Split(p, "/")
	segs := parts[:0]
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for len(pat) > 0 && pat[0] == "**" {
				pat = pat[1:]
			}
			if len(pat) == 0 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 || !matchSegment(pat[0], segs[0]) {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

func matchSegment(pat, seg string) bool {
	if !isWild(pat) {
		return pat == seg
	}
	ok, err := path.Match(pat, seg)
	return err == nil && ok
}

func isWild(seg string) bool {
	return strings.ContainsAny(seg, "*?[")
}

// specificity orders patterns so that the most specific one is tried first.
type specificity struct {
	literalPrefix int
	literals      int
	doubleStars   int
	wildcards     int
	length        int
}

func specificityOf(pattern string) specificity {
	var s specificity
	prefix := true
	for _, seg := range split(pattern) {
		switch {
		case seg == "**":
			s.doubleStars++
			prefix = false
		case isWild(seg):
			s.wildcards++
			prefix = false
		default:
			s.literals++
			if prefix {
				s.literalPrefix++
			}
		}
	}
	s.length = len(pattern)
	return s
}

// moreSpecific reports whether a should be tried before b.
func (a specificity) moreSpecific(b specificity) bool {
	if a.literalPrefix != b.literalPrefix {
		return a.literalPrefix > b.literalPrefix
	}
	if a.literals != b.literals {
		return a.literals > b.literals
	}
	if a.doubleStars != b.doubleStars {
		return a.doubleStars < b.doubleStars
	}
	if a.wildcards != b.wildcards {
		return a.wildcards < b.wildcards
	}
	return a.length > b.length
}
