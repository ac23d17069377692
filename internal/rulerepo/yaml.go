// Copyright 2025 James Ross
package rulerepo

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// yamlFile is the on-disk document shape: a flat map of ruleSetId to its
// rule list, mirroring the teacher's YAML configuration style
// (internal/config's mapstructure trees, rendered here as rulesets).
type yamlFile struct {
	RuleSets map[string][]RuleDefinition `yaml:"ruleSets"`
}

// YAMLRepository loads rule definitions from a YAML file on disk. The file
// is re-read on every Reload call; FindByRuleSetID serves from the last
// successfully parsed snapshot.
type YAMLRepository struct {
	path string

	mu       sync.RWMutex
	ruleSets map[string][]RuleDefinition
}

// NewYAMLRepository loads path immediately and returns a repository serving
// from that snapshot.
func NewYAMLRepository(path string) (*YAMLRepository, error) {
	r := &YAMLRepository{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the backing file, replacing the served snapshot only if
// parsing succeeds.
func (r *YAMLRepository) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("rulerepo: read %s: %w", r.path, err)
	}
	var doc yamlFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("rulerepo: parse %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ruleSets = doc.RuleSets
	return nil
}

// FindByRuleSetID returns the rules for ruleSetID from the last loaded
// snapshot.
func (r *YAMLRepository) FindByRuleSetID(_ context.Context, ruleSetID string) ([]RuleDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RuleDefinition(nil), r.ruleSets[ruleSetID]...), nil
}

var _ RuleRepository = (*YAMLRepository)(nil)
