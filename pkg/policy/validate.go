package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SourceError is a validation failure tied to a source location.
type SourceError struct {
	Line   int
	Column int
	Msg    string
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Column, e.Msg)
}

// ValidationError aggregates every SourceError found in one pass, so authors
// fix a file in one round trip.
type ValidationError struct {
	Errors []*SourceError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, se := range e.Errors {
		msgs[i] = se.Error()
	}
	return "policy: invalid source: " + strings.Join(msgs, "; ")
}

var packageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// validate checks the parsed set against the node tree root (for locations).
// It returns nil or a *ValidationError.
func validate(set *Set, root *yaml.Node) error {
	v := &validator{root: root}
	v.run(set)
	if len(v.errs) > 0 {
		return &ValidationError{Errors: v.errs}
	}
	return nil
}

type validator struct {
	root *yaml.Node
	errs []*SourceError
}

func (v *validator) addf(node *yaml.Node, format string, args ...any) {
	se := &SourceError{Msg: fmt.Sprintf(format, args...)}
	if node != nil {
		se.Line = node.Line
		se.Column = node.Column
	}
	v.errs = append(v.errs, se)
}

func (v *validator) run(set *Set) {
	versionNode := mappingValue(v.root, "version")
	if set.Version == "" {
		v.addf(v.root, "version is required")
	} else if _, err := semver.NewVersion(set.Version); err != nil {
		v.addf(versionNode, "version %q is not a valid semantic version", set.Version)
	}

	packageNode := mappingValue(v.root, "package")
	if set.Package == "" {
		v.addf(v.root, "package is required")
	} else if !packageNamePattern.MatchString(set.Package) {
		v.addf(packageNode, "package %q is not a dotted lowercase identifier", set.Package)
	}

	policyNodes := sequenceItems(mappingValue(v.root, "policies"))
	if len(set.Policies) == 0 {
		v.addf(v.root, "at least one policy is required")
	}

	seenPolicies := map[string]bool{}
	seenRuleIDs := map[string]bool{}

	for pi := range set.Policies {
		p := &set.Policies[pi]
		var pNode *yaml.Node
		if pi < len(policyNodes) {
			pNode = policyNodes[pi]
		}

		if p.Name == "" {
			v.addf(pNode, "policy %d: name is required", pi)
		} else if seenPolicies[p.Name] {
			v.addf(pNode, "duplicate policy name %q", p.Name)
		}
		seenPolicies[p.Name] = true

		ruleNodes := sequenceItems(mappingValue(pNode, "rules"))
		if len(p.Rules) == 0 {
			v.addf(pNode, "policy %q: at least one rule is required", p.Name)
		}

		idsInPolicy := map[string]bool{}
		for ri := range p.Rules {
			r := &p.Rules[ri]
			var rNode *yaml.Node
			if ri < len(ruleNodes) {
				rNode = ruleNodes[ri]
			}
			v.checkRule(p, r, rNode)

			if r.ID != "" {
				if seenRuleIDs[r.ID] {
					v.addf(rNode, "duplicate rule id %q", r.ID)
				}
				seenRuleIDs[r.ID] = true
				idsInPolicy[r.ID] = true
			}
		}

		v.checkRuleOrder(p, pNode, idsInPolicy)
	}
}

func (v *validator) checkRule(p *Policy, r *Rule, rNode *yaml.Node) {
	if r.ID == "" {
		v.addf(rNode, "policy %q: rule id is required", p.Name)
	}
	if r.Action != ActionAllow && r.Action != ActionDeny {
		v.addf(mappingValue(rNode, "action"), "rule %q: action must be %q or %q, got %q", r.ID, ActionAllow, ActionDeny, r.Action)
	}

	constraintNodes := mappingValue(mappingValue(rNode, "condition"), "parameter_constraints")
	for field, c := range r.Condition.Parameters {
		cNode := mappingValue(constraintNodes, field)

		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			v.addf(cNode, "rule %q: constraint on %q has min %v > max %v", r.ID, field, *c.Min, *c.Max)
		}
		if c.Matches != "" {
			if _, err := regexp.Compile(c.Matches); err != nil {
				v.addf(cNode, "rule %q: constraint on %q has invalid pattern: %v", r.ID, field, err)
			}
		}
		for _, elem := range c.In {
			if !isScalar(elem) {
				v.addf(cNode, "rule %q: constraint on %q: in elements must be scalars", r.ID, field)
				break
			}
		}
		for _, elem := range c.NotIn {
			if !isScalar(elem) {
				v.addf(cNode, "rule %q: constraint on %q: not_in elements must be scalars", r.ID, field)
				break
			}
		}
		if c.Equals != nil && !isScalar(*c.Equals) {
			v.addf(cNode, "rule %q: constraint on %q: equals must be a scalar", r.ID, field)
		}
		if c.Min == nil && c.Max == nil && c.In == nil && c.NotIn == nil && c.Equals == nil && c.Matches == "" {
			v.addf(cNode, "rule %q: constraint on %q is empty", r.ID, field)
		}
	}
}

// checkRuleOrder enforces that an explicit rule_order references every rule
// in its policy exactly once. A rule missing from the order is unreferenced
// and therefore dead, which is an authoring mistake, not a silent skip.
func (v *validator) checkRuleOrder(p *Policy, pNode *yaml.Node, idsInPolicy map[string]bool) {
	if p.RuleOrder == nil {
		return
	}
	orderNode := mappingValue(pNode, "rule_order")

	seen := map[string]bool{}
	for _, id := range p.RuleOrder {
		if !idsInPolicy[id] {
			v.addf(orderNode, "policy %q: rule_order references unknown rule %q", p.Name, id)
			continue
		}
		if seen[id] {
			v.addf(orderNode, "policy %q: rule_order lists %q twice", p.Name, id)
		}
		seen[id] = true
	}

	ruleNodes := sequenceItems(mappingValue(pNode, "rules"))
	for ri := range p.Rules {
		id := p.Rules[ri].ID
		if id == "" || seen[id] {
			continue
		}
		var rNode *yaml.Node
		if ri < len(ruleNodes) {
			rNode = ruleNodes[ri]
		}
		v.addf(rNode, "policy %q: rule %q is unreferenced by rule_order", p.Name, id)
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil:
		return false
	case string, bool, int, int64, uint64, float64:
		return true
	default:
		return false
	}
}

// orderedRules returns the policy's rules in evaluation order, honoring
// rule_order when present. Call only after validation.
func orderedRules(p *Policy) []*Rule {
	if p.RuleOrder == nil {
		out := make([]*Rule, len(p.Rules))
		for i := range p.Rules {
			out[i] = &p.Rules[i]
		}
		return out
	}
	byID := make(map[string]*Rule, len(p.Rules))
	for i := range p.Rules {
		byID[p.Rules[i].ID] = &p.Rules[i]
	}
	out := make([]*Rule, 0, len(p.RuleOrder))
	for _, id := range p.RuleOrder {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out
}
