package pathpolicy

import (
	"slices"
)

// Entry pairs a glob pattern with a policy value.
type Entry[T any] struct {
	Pattern string
	Value   T
}

// Table is an immutable pattern table. Lookup tries entries from most to least
// specific; entries of equal specificity keep their registration order.
type Table[T any] struct {
	entries []Entry[T]
}

// NewTable validates and orders entries.
func NewTable[T any](entries ...Entry[T]) (Table[T], error) {
	type ranked struct {
		e      Entry[T]
		weight specificity
	}
	rs := make([]ranked, 0, len(entries))
	for _, e := range entries {
		if err := ValidatePattern(e.Pattern); err != nil {
			return Table[T]{}, err
		}
		rs = append(rs, ranked{e: e, weight: specificityOf(e.Pattern)})
	}
	slices.SortStableFunc(rs, func(a, b ranked) int {
		switch {
		case a.weight.moreSpecific(b.weight):
			return -1
		case b.weight.moreSpecific(a.weight):
			return 1
		}
		return 0
	})
	out := make([]Entry[T], len(rs))
	for i, r := range rs {
		out[i] = r.e
	}
	return Table[T]{entries: out}, nil
}

// PatternSet builds a membership table over the given patterns.
func PatternSet(patterns ...string) (Table[struct{}], error) {
	entries := make([]Entry[struct{}], len(patterns))
	for i, p := range patterns {
		entries[i] = Entry[struct{}]{Pattern: p}
	}
	return NewTable(entries...)
}

// Lookup returns the value of the most specific matching pattern.
func (t Table[T]) Lookup(urlPath string) (T, bool) {
	for _, e := range t.entries {
		if Match(e.Pattern, urlPath) {
			return e.Value, true
		}
	}
	var zero T
	return zero, false
}

// Matches reports whether any pattern matches urlPath.
func (t Table[T]) Matches(urlPath string) bool {
	_, ok := t.Lookup(urlPath)
	return ok
}

// Patterns lists the patterns in evaluation order.
func (t Table[T]) Patterns() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Pattern
	}
	return out
}

// Len returns the number of entries.
func (t Table[T]) Len() int {
	return len(t.entries)
}
