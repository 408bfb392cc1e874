package pathpolicy

import (
	"fmt"
	"time"
)

// TableName selects one of the exclusion tables.
type TableName string

const (
	TableTimeout       TableName = "timeout"
	TableTracing       TableName = "tracing"
	TableHeaders       TableName = "headers"
	TableCSRFExempt    TableName = "csrf-exempt"
	TableCSRFProtected TableName = "csrf-protected"
)

// RouteClass groups routes that share a middleware chain.
type RouteClass string

const (
	ClassPublic        RouteClass = "public"
	ClassAuthenticated RouteClass = "authenticated"
	ClassAdmin         RouteClass = "admin"
	ClassHealth        RouteClass = "health"
)

// Policy is an immutable snapshot of every path-keyed table.
// A reload builds a new Policy; nothing mutates one in place.
type Policy struct {
	global     time.Duration
	perRoute   time.Duration
	routed     Table[struct{}]
	timeouts   Table[time.Duration]
	exclusions map[TableName]Table[struct{}]
	classes    Table[RouteClass]
}

// Compile validates cfg and builds the lookup tables.
func Compile(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Policy{
		global:     cfg.Timeouts.Global,
		perRoute:   cfg.Timeouts.PerRoute,
		exclusions: make(map[TableName]Table[struct{}]),
	}

	var err error
	if p.routed, err = PatternSet(cfg.Timeouts.Routed...); err != nil {
		return nil, fmt.Errorf("routed timeouts: %w", err)
	}

	custom := make([]Entry[time.Duration], len(cfg.Timeouts.Custom))
	for i, rule := range cfg.Timeouts.Custom {
		custom[i] = Entry[time.Duration]{Pattern: rule.Pattern, Value: rule.Timeout}
	}
	if p.timeouts, err = NewTable(custom...); err != nil {
		return nil, fmt.Errorf("custom timeouts: %w", err)
	}

	sets := map[TableName][]string{
		TableTimeout:       cfg.Exclusions.Timeout,
		TableTracing:       cfg.Exclusions.Tracing,
		TableHeaders:       cfg.Exclusions.Headers,
		TableCSRFExempt:    cfg.CSRF.Exempt,
		TableCSRFProtected: cfg.CSRF.Protected,
	}
	for name, patterns := range sets {
		t, err := PatternSet(patterns...)
		if err != nil {
			return nil, fmt.Errorf("%s table: %w", name, err)
		}
		p.exclusions[name] = t
	}

	var classes []Entry[RouteClass]
	for _, group := range []struct {
		class    RouteClass
		patterns []string
	}{
		{ClassPublic, cfg.Routes.Public},
		{ClassHealth, cfg.Routes.Health},
		{ClassAdmin, cfg.Routes.Admin},
		{ClassAuthenticated, cfg.Routes.Authenticated},
	} {
		for _, pattern := range group.patterns {
			classes = append(classes, Entry[RouteClass]{Pattern: pattern, Value: group.class})
		}
	}
	if p.classes, err = NewTable(classes...); err != nil {
		return nil, fmt.Errorf("route classes: %w", err)
	}

	return p, nil
}

// Default returns the built-in policy.
func Default() *Policy {
	p, err := Compile(DefaultConfig())
	if err != nil {
		panic(fmt.Sprintf("pathpolicy: invalid built-in config: %v", err))
	}
	return p
}

// TimeoutFor resolves the deadline for urlPath: custom table, then the
// per-route default for routed paths, then the global default.
func (p *Policy) TimeoutFor(urlPath string) time.Duration {
	if d, ok := p.timeouts.Lookup(urlPath); ok {
		return d
	}
	if p.routed.Matches(urlPath) {
		return p.perRoute
	}
	return p.global
}

// IsExcluded reports whether urlPath matches the named table. Unknown tables
// match nothing.
func (p *Policy) IsExcluded(urlPath string, table TableName) bool {
	t, ok := p.exclusions[table]
	if !ok {
		return false
	}
	return t.Matches(urlPath)
}

// CSRFRequired reports whether urlPath is CSRF-protected. An exemption always
// wins over protection.
func (p *Policy) CSRFRequired(urlPath string) bool {
	if p.IsExcluded(urlPath, TableCSRFExempt) {
		return false
	}
	return p.IsExcluded(urlPath, TableCSRFProtected)
}

// ClassOf returns the route class for urlPath, or false when no class claims it.
func (p *Policy) ClassOf(urlPath string) (RouteClass, bool) {
	return p.classes.Lookup(urlPath)
}

// GlobalTimeout returns the fallback deadline.
func (p *Policy) GlobalTimeout() time.Duration { return p.global }
