// Package policy parses, validates, and compiles the declarative policy
// source into the forms the decision backends consume: a Rego module for the
// external engine and CEL programs for in-process evaluation. Compilation is
// deterministic; the policy version is the sha256 of the canonicalized
// source, so the same rules always carry the same version.
package policy

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Set is the root of the policy source.
//
//	version: "1.0.0"
//	package: relay.policies.main
//	policies:
//	  - name: payment_controls
//	    rules:
//	      - id: allow_small_payments
//	        condition:
//	          provider: stripe
//	          method: create_payment
//	          parameter_constraints:
//	            amount: {min: 0, max: 5000}
//	        action: allow
type Set struct {
	Version  string   `yaml:"version" json:"version"`
	Package  string   `yaml:"package" json:"package"`
	Policies []Policy `yaml:"policies" json:"policies"`
}

// Policy groups rules under a name. RuleOrder, when present, fixes the
// evaluation order and must reference every rule exactly once.
type Policy struct {
	Name      string   `yaml:"name" json:"name"`
	RuleOrder []string `yaml:"rule_order,omitempty" json:"rule_order,omitempty"`
	Rules     []Rule   `yaml:"rules" json:"rules"`
}

// Rule is a single allow/deny decision clause.
type Rule struct {
	ID        string    `yaml:"id" json:"id"`
	Condition Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	Action    string    `yaml:"action" json:"action"`
	Reason    string    `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Condition matches a manifest projection. Empty fields match anything; all
// present fields must hold (conjunctive). String comparisons are
// case-sensitive.
type Condition struct {
	Provider    string                `yaml:"provider,omitempty" json:"provider,omitempty"`
	Method      string                `yaml:"method,omitempty" json:"method,omitempty"`
	Environment string                `yaml:"environment,omitempty" json:"environment,omitempty"`
	Parameters  map[string]Constraint `yaml:"parameter_constraints,omitempty" json:"parameter_constraints,omitempty"`
}

// Constraint restricts one manifest parameter. Numeric bounds are inclusive.
// A parameter absent from the manifest fails min/max/in/equals/matches and
// passes not_in vacuously.
type Constraint struct {
	Min     *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max     *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	In      []any    `yaml:"in,omitempty" json:"in,omitempty"`
	NotIn   []any    `yaml:"not_in,omitempty" json:"not_in,omitempty"`
	Equals  *any     `yaml:"equals,omitempty" json:"equals,omitempty"`
	Matches string   `yaml:"matches,omitempty" json:"matches,omitempty"`
}

// Actions.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// DefaultDenyReason is reported when no rule matched.
const DefaultDenyReason = "No matching policy rule"

// Parse strict-decodes the YAML source. Unknown fields anywhere in the
// document are rejected with their line number.
func Parse(src []byte) (*Set, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var set Set
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	return &set, nil
}

// parseTree returns the raw node tree for location lookups during
// validation.
func parseTree(src []byte) (*yaml.Node, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(src, &root); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		return root.Content[0], nil
	}
	return &root, nil
}

// mappingValue returns the value node for key within a mapping node.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// sequenceItems returns the items of a sequence node.
func sequenceItems(node *yaml.Node) []*yaml.Node {
	if node == nil || node.Kind != yaml.SequenceNode {
		return nil
	}
	return node.Content
}
