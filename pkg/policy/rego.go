package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// generateRego emits the engine-native module for the rule set. Rule indices
// follow evaluation order, so set iteration (sorted ascending in the engine)
// reproduces declaration order for reasons and matched rules. Decision
// document shape:
//
//	{allow, version, deny_reasons, matched_rules, ...}
func generateRego(set *Set, version string, rules []*compiledRule) string {
	var b strings.Builder

	fmt.Fprintf(&b, "package %s\n\n", set.Package)
	b.WriteString("import future.keywords.contains\n")
	b.WriteString("import future.keywords.if\n")
	b.WriteString("import future.keywords.in\n\n")

	fmt.Fprintf(&b, "version := %s\n\n", regoLiteral(version))

	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.rule.ID
	}
	fmt.Fprintf(&b, "rule_ids := %s\n\n", regoLiteral(ids))

	reasons := map[string]string{}
	for i, r := range rules {
		if r.rule.Action == ActionDeny {
			reasons[fmt.Sprintf("%d", i)] = denyReason(r.rule)
		}
	}
	fmt.Fprintf(&b, "rule_reasons := %s\n\n", regoLiteral(reasons))

	b.WriteString("default allow := false\n\n")
	b.WriteString("allow if {\n\tcount(deny_matches) == 0\n\tcount(allow_matches) > 0\n}\n\n")

	for i, r := range rules {
		head := "allow_matches"
		if r.rule.Action == ActionDeny {
			head = "deny_matches"
		}
		fmt.Fprintf(&b, "# %s\n%s contains %d if {\n", r.rule.ID, head, i)
		for _, cond := range regoConditions(&r.rule.Condition, i) {
			fmt.Fprintf(&b, "\t%s\n", cond)
		}
		b.WriteString("}\n\n")
	}

	b.WriteString("all_matches := deny_matches | allow_matches\n\n")

	b.WriteString("deny_reasons := [reason |\n")
	b.WriteString("\tsome idx in deny_matches\n")
	b.WriteString("\treason := rule_reasons[sprintf(\"%d\", [idx])]\n")
	b.WriteString("]\n\n")

	b.WriteString("matched_rules := [id |\n")
	b.WriteString("\tsome idx in all_matches\n")
	b.WriteString("\tid := rule_ids[idx]\n")
	b.WriteString("]\n")

	return b.String()
}

// regoConditions renders one rule body. An empty condition matches
// everything.
func regoConditions(c *Condition, ruleIdx int) []string {
	var out []string
	if c.Provider != "" {
		out = append(out, fmt.Sprintf("input.action.provider == %s", regoLiteral(c.Provider)))
	}
	if c.Method != "" {
		out = append(out, fmt.Sprintf("input.action.method == %s", regoLiteral(c.Method)))
	}
	if c.Environment != "" {
		out = append(out, fmt.Sprintf("input.environment == %s", regoLiteral(c.Environment)))
	}

	for _, field := range sortedConstraintFields(c.Parameters) {
		cons := c.Parameters[field]
		// Binding fails when the parameter is absent, which makes the rule
		// not match; not_in must survive absence, so it never binds.
		v := fmt.Sprintf("p%d_%s", ruleIdx, regoIdent(field))
		access := fmt.Sprintf("input.action.parameters[%s]", regoLiteral(field))

		bound := false
		bind := func() {
			if !bound {
				out = append(out, fmt.Sprintf("%s := %s", v, access))
				bound = true
			}
		}

		if cons.Min != nil || cons.Max != nil {
			bind()
			out = append(out, fmt.Sprintf("is_number(%s)", v))
			if cons.Min != nil {
				out = append(out, fmt.Sprintf("%s >= %s", v, regoLiteral(*cons.Min)))
			}
			if cons.Max != nil {
				out = append(out, fmt.Sprintf("%s <= %s", v, regoLiteral(*cons.Max)))
			}
		}
		if cons.Equals != nil {
			bind()
			out = append(out, fmt.Sprintf("%s == %s", v, regoLiteral(*cons.Equals)))
		}
		if len(cons.In) > 0 {
			bind()
			out = append(out, fmt.Sprintf("%s in %s", v, regoSet(cons.In)))
		}
		if len(cons.NotIn) > 0 {
			out = append(out, fmt.Sprintf("not %s in %s", access, regoSet(cons.NotIn)))
		}
		if cons.Matches != "" {
			bind()
			out = append(out, fmt.Sprintf("is_string(%s)", v))
			out = append(out, fmt.Sprintf("regex.match(%s, %s)", regoLiteral(cons.Matches), v))
		}
	}

	if len(out) == 0 {
		out = append(out, "true")
	}
	return out
}

func regoLiteral(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Scalars and validated constraint values always marshal.
		return "null"
	}
	return string(b)
}

func regoSet(elems []any) string {
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = regoLiteral(e)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// regoIdent sanitizes a parameter name into a variable suffix.
func regoIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func denyReason(r *Rule) string {
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("Denied by rule %s", r.ID)
}
