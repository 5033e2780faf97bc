package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/relaysec/relay/pkg/canonicalize"
)

// Compiled is the output of Compile: a content-derived version, the
// engine-native Rego module, and per-rule CEL programs for in-process
// evaluation. A Compiled value is immutable after construction and safe for
// concurrent readers.
type Compiled struct {
	Version string
	Package string
	Set     *Set
	Rego    string

	rules []*compiledRule
}

type compiledRule struct {
	rule       *Rule
	policyName string
	expr       string
	prg        cel.Program
}

// Compile parses, validates, and compiles the policy source. The version is
// sha256 over the canonicalized parsed form, so formatting and comments do
// not bump it but any semantic change does.
func Compile(src []byte) (*Compiled, error) {
	set, err := Parse(src)
	if err != nil {
		return nil, err
	}
	root, err := parseTree(src)
	if err != nil {
		return nil, err
	}
	if err := validate(set, root); err != nil {
		return nil, err
	}

	version, err := canonicalize.Hash(set)
	if err != nil {
		return nil, fmt.Errorf("policy: version hash: %w", err)
	}

	env, err := newEvalEnv()
	if err != nil {
		return nil, err
	}

	var rules []*compiledRule
	for pi := range set.Policies {
		p := &set.Policies[pi]
		for _, r := range orderedRules(p) {
			expr := celCondition(&r.Condition)
			ast, issues := env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("policy: rule %q: condition compile: %w", r.ID, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("policy: rule %q: program: %w", r.ID, err)
			}
			rules = append(rules, &compiledRule{rule: r, policyName: p.Name, expr: expr, prg: prg})
		}
	}

	return &Compiled{
		Version: version,
		Package: set.Package,
		Set:     set,
		Rego:    generateRego(set, version, rules),
		rules:   rules,
	}, nil
}

// newEvalEnv declares the manifest projection every condition sees.
func newEvalEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("provider", types.StringType),
			decls.NewVariable("method", types.StringType),
			decls.NewVariable("environment", types.StringType),
			decls.NewVariable("parameters", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return env, nil
}

// celCondition renders a condition as one CEL expression. Type guards keep
// evaluation total: a constraint against a value of the wrong type is false,
// never a runtime error, so a mistyped parameter falls through to default
// deny instead of aborting the rule walk.
func celCondition(c *Condition) string {
	var terms []string
	if c.Provider != "" {
		terms = append(terms, fmt.Sprintf("provider == %s", celQuote(c.Provider)))
	}
	if c.Method != "" {
		terms = append(terms, fmt.Sprintf("method == %s", celQuote(c.Method)))
	}
	if c.Environment != "" {
		terms = append(terms, fmt.Sprintf("environment == %s", celQuote(c.Environment)))
	}

	for _, field := range sortedConstraintFields(c.Parameters) {
		cons := c.Parameters[field]
		access := fmt.Sprintf("parameters[%s]", celQuote(field))
		present := fmt.Sprintf("%s in parameters", celQuote(field))
		numeric := fmt.Sprintf("(type(%s) == int || type(%s) == uint || type(%s) == double)", access, access, access)

		if cons.Min != nil {
			terms = append(terms, fmt.Sprintf("(%s && %s && double(%s) >= %s)", present, numeric, access, celNumber(*cons.Min)))
		}
		if cons.Max != nil {
			terms = append(terms, fmt.Sprintf("(%s && %s && double(%s) <= %s)", present, numeric, access, celNumber(*cons.Max)))
		}
		if cons.Equals != nil {
			terms = append(terms, fmt.Sprintf("(%s && %s == %s)", present, access, celLiteral(*cons.Equals)))
		}
		if len(cons.In) > 0 {
			terms = append(terms, fmt.Sprintf("(%s && %s in %s)", present, access, celList(cons.In)))
		}
		if len(cons.NotIn) > 0 {
			terms = append(terms, fmt.Sprintf("(!(%s) || !(%s in %s))", present, access, celList(cons.NotIn)))
		}
		if cons.Matches != "" {
			terms = append(terms, fmt.Sprintf("(%s && type(%s) == string && %s.matches(%s))", present, access, access, celQuote(cons.Matches)))
		}
	}

	if len(terms) == 0 {
		return "true"
	}
	return strings.Join(terms, " && ")
}

func celQuote(s string) string {
	return strconv.Quote(s)
}

// celNumber renders a double literal. A decimal point is forced so the
// comparison stays homogeneous with double() conversions.
func celNumber(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func celLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return celQuote(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return celNumber(float64(t))
	case int64:
		return celNumber(float64(t))
	case uint64:
		return celNumber(float64(t))
	case float64:
		return celNumber(t)
	default:
		// Validation restricts constraint values to scalars.
		return celQuote(fmt.Sprintf("%v", v))
	}
}

func celList(elems []any) string {
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = celLiteral(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func sortedConstraintFields(m map[string]Constraint) []string {
	fields := make([]string, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
