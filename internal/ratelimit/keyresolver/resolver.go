// Copyright 2025 James Ross

// Package keyresolver implements the KeyResolver contract (C4): deriving a
// deterministic, pure selector string from a RequestContext and a rule's
// keySpec.
package keyresolver

import (
	"sort"
	"strings"

	"github.com/fluxgate/fluxgate/internal/ratelimit"
)

// Composite is the built-in KeyResolver: it renders the rule's keySpec
// attribute names, in ascending lexicographic order, as
// "name=escape(value)|" segments, using the reserved sentinel for an
// attribute the context doesn't carry. A rule whose keySpec has one element
// gets single-attribute behaviour from Composite as well; SingleAttribute
// below is the fixed-field alternative that ignores the rule's keySpec.
type Composite struct{}

// NewComposite returns the built-in composite resolver.
func NewComposite() Composite { return Composite{} }

// Resolve renders the deterministic selector for ctx projected through
// rule.KeySpec. Two contexts that agree on every referenced attribute always
// render the same selector; two that differ on any referenced attribute
// never collide, because reserved separator characters are escaped before
// composition.
func (Composite) Resolve(ctx ratelimit.RequestContext, rule ratelimit.RateLimitRule) (string, error) {
	names := append([]string(nil), rule.KeySpec...)
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		value, ok := ctx.Attribute(name)
		b.WriteString(name)
		b.WriteByte('=')
		if !ok {
			b.WriteString(ratelimit.MissingSentinel)
		} else {
			b.WriteString(ratelimit.EscapeSelectorValue(value))
		}
		b.WriteByte('|')
	}
	return b.String(), nil
}

// SingleAttribute resolves a rule on exactly one named attribute regardless
// of the rule's declared keySpec, for callers who want a fixed-field
// resolver (e.g. always by clientIp) rather than relying on per-rule
// projection.
type SingleAttribute struct {
	Name string
}

// ByClientIP projects every rule onto the request's client IP.
func ByClientIP() SingleAttribute { return SingleAttribute{Name: "clientIp"} }

// ByUser projects every rule onto the request's user id.
func ByUser() SingleAttribute { return SingleAttribute{Name: "userId"} }

// ByAPIKey projects every rule onto the request's API key.
func ByAPIKey() SingleAttribute { return SingleAttribute{Name: "apiKey"} }

// Resolve ignores rule.KeySpec and renders a single "name=escape(value)"
// selector (no trailing separator is needed since there is only one term,
// but one is emitted anyway to keep the rendering uniform with Composite).
func (s SingleAttribute) Resolve(ctx ratelimit.RequestContext, _ ratelimit.RateLimitRule) (string, error) {
	value, ok := ctx.Attribute(s.Name)
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('=')
	if !ok {
		b.WriteString(ratelimit.MissingSentinel)
	} else {
		b.WriteString(ratelimit.EscapeSelectorValue(value))
	}
	b.WriteByte('|')
	return b.String(), nil
}
