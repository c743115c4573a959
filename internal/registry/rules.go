package registry

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// MaxRulesFileSize bounds the rules file read from disk.
const MaxRulesFileSize = 1 << 20

//go:embed rules.yaml
var defaultRulesYAML []byte

// TypeRule constrains which children a parent type accepts.
// Leaf wins over Accepts, and Rejects is checked after Accepts.
type TypeRule struct {
	Leaf    bool     `yaml:"leaf"`
	Accepts []string `yaml:"accepts"`
	Rejects []string `yaml:"rejects"`
}

// Rules is the placement-rule table. It is read-only after loading and may
// be shared between documents.
type Rules struct {
	Default string              `yaml:"default"`
	Types   map[string]TypeRule `yaml:"types"`
}

// DefaultRules returns the built-in table.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("registry: embedded rules: %v", err))
	}
	return r
}

// LoadRules reads a rules file, falling back to the built-in table when
// path is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat rules: %w", err)
	}
	if info.Size() > MaxRulesFileSize {
		return nil, fmt.Errorf("rules file %s is %d bytes, limit %d", path, info.Size(), MaxRulesFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	switch r.Default {
	case "":
		r.Default = "allow"
	case "allow", "deny":
	default:
		return nil, fmt.Errorf("parse rules: default must be allow or deny, got %q", r.Default)
	}
	for name, rule := range r.Types {
		if rule.Leaf && (len(rule.Accepts) > 0 || len(rule.Rejects) > 0) {
			return nil, fmt.Errorf("parse rules: %s is a leaf and cannot list children", name)
		}
	}
	return &r, nil
}

// CanAcceptChild reports whether a node of type child may be placed
// directly under a node of type parent.
func (r *Rules) CanAcceptChild(parent, child string) bool {
	rule, ok := r.Types[parent]
	if !ok {
		return r.Default != "deny"
	}
	if rule.Leaf {
		return false
	}
	if len(rule.Accepts) > 0 && !slices.Contains(rule.Accepts, child) {
		return false
	}
	return !slices.Contains(rule.Rejects, child)
}
