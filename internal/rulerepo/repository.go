// Copyright 2025 James Ross

// Package rulerepo defines the RuleRepository contract the RuleSetProvider
// loads raw rule definitions through, plus three concrete backends: an
// in-memory map, a YAML file, and MongoDB — matching the three storage
// options named in §4.4 ("MongoDB, YAML file, or memory").
package rulerepo

import "context"

// RuleDefinition is the storage-layer shape of one rule, before it is
// projected into the domain ratelimit.RateLimitRule. Storage is opaque to
// the core per §4.4; this is the boundary type the repository returns.
type RuleDefinition struct {
	RuleID  string           `yaml:"ruleId" bson:"ruleId"`
	Name    string           `yaml:"name" bson:"name"`
	KeySpec []string         `yaml:"keySpec" bson:"keySpec"`
	Bands   []BandDefinition `yaml:"bands" bson:"bands"`
}

// BandDefinition is the storage-layer shape of one band.
type BandDefinition struct {
	WindowSeconds float64 `yaml:"windowSeconds" bson:"windowSeconds"`
	Capacity      int64   `yaml:"capacity" bson:"capacity"`
	Label         string  `yaml:"label" bson:"label"`
}

// RuleRepository is the external collaborator C6 loads rule sets through.
// Storage is opaque to the core.
type RuleRepository interface {
	FindByRuleSetID(ctx context.Context, ruleSetID string) ([]RuleDefinition, error)
}
