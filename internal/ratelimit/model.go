// Copyright 2025 James Ross
package ratelimit

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// RateLimitBand is one refill policy: a capacity and the window over which it
// is replenished. Capacity doubles as the bucket ceiling and the number of
// tokens refilled per window.
type RateLimitBand struct {
	WindowDuration time.Duration
	Capacity       int64
	Label          string
}

// NewRateLimitBand validates and constructs a band. Capacity must be >= 1 and
// WindowDuration must be positive, per the band invariant.
func NewRateLimitBand(window time.Duration, capacity int64, label string) (RateLimitBand, error) {
	if capacity < 1 {
		return RateLimitBand{}, &InvalidRuleConfigError{Reason: fmt.Sprintf("band capacity must be >= 1, got %d", capacity)}
	}
	if window <= 0 {
		return RateLimitBand{}, &InvalidRuleConfigError{Reason: fmt.Sprintf("band windowDuration must be > 0, got %s", window)}
	}
	return RateLimitBand{WindowDuration: window, Capacity: capacity, Label: label}, nil
}

// ratePerNanos returns the refill rate as tokens per nanosecond, computed the
// same way the scripted store does: capacity / window, kept as a ratio
// rather than pre-divided so callers can do integer fixed-point math.
func (b RateLimitBand) ratePerNanos() (num, den int64) {
	return b.Capacity, int64(b.WindowDuration)
}

// RateLimitRule is one named policy entry: a key projection plus an ordered,
// non-empty stack of bands that must all admit for the rule to admit.
type RateLimitRule struct {
	RuleID  string
	Name    string
	KeySpec []string
	Bands   []RateLimitBand
}

// NewRateLimitRule validates and constructs a rule.
func NewRateLimitRule(ruleID, name string, keySpec []string, bands []RateLimitBand) (RateLimitRule, error) {
	if ruleID == "" {
		return RateLimitRule{}, &InvalidRuleConfigError{Reason: "ruleId must be non-empty"}
	}
	if len(bands) == 0 {
		return RateLimitRule{}, &InvalidRuleConfigError{RuleID: ruleID, Reason: "rule must declare at least one band"}
	}
	keySpecCopy := append([]string(nil), keySpec...)
	sort.Strings(keySpecCopy)
	bandsCopy := append([]RateLimitBand(nil), bands...)
	return RateLimitRule{RuleID: ruleID, Name: name, KeySpec: keySpecCopy, Bands: bandsCopy}, nil
}

// RateLimitRuleSet is a named, immutable bundle of rules evaluated together
// against one resolver. It is replaced wholesale on reload, never mutated.
type RateLimitRuleSet struct {
	RuleSetID string
	Rules     []RateLimitRule
	Resolver  KeyResolver
	Metrics   RateLimiterMetrics
}

// NewRateLimitRuleSet validates and assembles an immutable rule set. Rule IDs
// must be unique within the set.
func NewRateLimitRuleSet(ruleSetID string, rules []RateLimitRule, resolver KeyResolver, metrics RateLimiterMetrics) (*RateLimitRuleSet, error) {
	if ruleSetID == "" {
		return nil, &InvalidRuleConfigError{Reason: "ruleSetId must be non-empty"}
	}
	if len(rules) == 0 {
		return nil, &InvalidRuleConfigError{Reason: fmt.Sprintf("rule set %q must declare at least one rule", ruleSetID)}
	}
	if resolver == nil {
		return nil, &InvalidRuleConfigError{Reason: fmt.Sprintf("rule set %q requires a key resolver", ruleSetID)}
	}
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if _, dup := seen[r.RuleID]; dup {
			return nil, &InvalidRuleConfigError{RuleID: r.RuleID, Reason: "duplicate ruleId within rule set"}
		}
		seen[r.RuleID] = struct{}{}
	}
	if metrics == nil {
		metrics = NoopRateLimiterMetrics{}
	}
	rulesCopy := append([]RateLimitRule(nil), rules...)
	return &RateLimitRuleSet{RuleSetID: ruleSetID, Rules: rulesCopy, Resolver: resolver, Metrics: metrics}, nil
}

// RequestContext is an immutable, per-request snapshot of the attributes a
// rule's key projection may draw on. It is created by the adapter layer and
// consumed read-only by the core.
type RequestContext struct {
	ClientIP   string
	UserID     string
	APIKey     string
	Endpoint   string
	Method     string
	Attributes map[string]string
}

// MissingSentinel is the reserved placeholder rendered for a selector name
// that the context does not carry, so it can never collide with an empty
// string value for an attribute that IS present.
const MissingSentinel = "∅"

// Attribute returns the string value of a named selector, matching the
// well-known RequestContext fields first and falling back to Attributes.
func (c RequestContext) Attribute(name string) (string, bool) {
	switch name {
	case "clientIp":
		return c.ClientIP, c.ClientIP != ""
	case "userId":
		return c.UserID, c.UserID != ""
	case "apiKey":
		return c.APIKey, c.APIKey != ""
	case "endpoint":
		return c.Endpoint, c.Endpoint != ""
	case "method":
		return c.Method, c.Method != ""
	default:
		v, ok := c.Attributes[name]
		return v, ok
	}
}

// EscapeSelectorValue percent-encodes the reserved separator characters used
// by the canonical key composition (":", "|", "=") so a value can never be
// mistaken for selector structure.
func EscapeSelectorValue(v string) string {
	return url.QueryEscape(v)
}

// BucketRef identifies one bucket: the (ruleSet, rule, band, resolved
// selector) tuple. It is the structured form of the canonical RateLimitKey
// described in the data model — kept structured rather than pre-joined so
// store backends can build their own wire-key shape (e.g. Redis cluster
// hash-tags) without re-parsing a string.
type BucketRef struct {
	RuleSetID string
	RuleID    string
	BandIndex int
	Selector  string
}

// CanonicalKey renders the ruleSetId:ruleId:bandIndex:selector form from §3
// of the data model. Distinct (rule, context-projection) pairs never collide
// because selector values are percent-escaped before composition.
func (r BucketRef) CanonicalKey() string {
	return fmt.Sprintf("%s:%s:%d:%s", r.RuleSetID, r.RuleID, r.BandIndex, r.Selector)
}

// BucketState is the outcome of one atomic tryConsume against the store.
type BucketState struct {
	Consumed                 bool
	RemainingTokens          int64
	NanosToWaitForRefill     int64
	LastRefillTimestampNanos int64
}

// RateLimitResult is the single verdict produced for one request by the
// RateLimiter, aggregated across every rule and band it evaluated.
type RateLimitResult struct {
	Allowed              bool
	RemainingTokens      int64
	NanosToWaitForRefill int64
	MatchedRuleID        string
}
