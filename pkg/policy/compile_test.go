package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paymentSource = `
version: "1.0.0"
package: relay.policies.main
policies:
  - name: payment_controls
    rules:
      - id: allow_small_payments
        condition:
          provider: stripe
          method: create_payment
          parameter_constraints:
            amount: {min: 0, max: 5000}
        action: allow
      - id: deny_large_payments
        condition:
          provider: stripe
          method: create_payment
          parameter_constraints:
            amount: {min: 5001}
        action: deny
        reason: "Payment amount exceeds $50.00 limit"
`

func TestCompile_PaymentPolicy(t *testing.T) {
	c, err := Compile([]byte(paymentSource))
	require.NoError(t, err)

	assert.Equal(t, "relay.policies.main", c.Package)
	assert.True(t, strings.HasPrefix(c.Version, "sha256:"))
	assert.Len(t, c.rules, 2)
	assert.Equal(t, "allow_small_payments", c.rules[0].rule.ID)
	assert.Equal(t, "deny_large_payments", c.rules[1].rule.ID)
}

func TestCompile_VersionIsDeterministic(t *testing.T) {
	a, err := Compile([]byte(paymentSource))
	require.NoError(t, err)
	b, err := Compile([]byte(paymentSource))
	require.NoError(t, err)
	assert.Equal(t, a.Version, b.Version)
	assert.Equal(t, a.Rego, b.Rego)
}

func TestCompile_VersionIgnoresFormatting(t *testing.T) {
	reformatted := strings.ReplaceAll(paymentSource, "{min: 0, max: 5000}", "{ min: 0,    max: 5000 }")
	reformatted = "# payment policy\n" + reformatted

	a, err := Compile([]byte(paymentSource))
	require.NoError(t, err)
	b, err := Compile([]byte(reformatted))
	require.NoError(t, err)
	assert.Equal(t, a.Version, b.Version, "comments and spacing must not bump the version")
}

func TestCompile_VersionTracksSemanticChange(t *testing.T) {
	changed := strings.Replace(paymentSource, "max: 5000", "max: 4000", 1)

	a, err := Compile([]byte(paymentSource))
	require.NoError(t, err)
	b, err := Compile([]byte(changed))
	require.NoError(t, err)
	assert.NotEqual(t, a.Version, b.Version)
}

func TestCompile_RegoModuleShape(t *testing.T) {
	c, err := Compile([]byte(paymentSource))
	require.NoError(t, err)

	for _, want := range []string{
		"package relay.policies.main",
		`version := "` + c.Version + `"`,
		"default allow := false",
		"allow_matches contains 0 if {",
		"deny_matches contains 1 if {",
		`input.action.provider == "stripe"`,
		`"Payment amount exceeds $50.00 limit"`,
		"matched_rules := [id |",
	} {
		assert.Contains(t, c.Rego, want)
	}
}

func TestParse_RejectsUnknownTopLevelField(t *testing.T) {
	src := paymentSource + "\nextra_field: true\n"
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extra_field")
}

func TestParse_RejectsUnknownConditionField(t *testing.T) {
	src := strings.Replace(paymentSource, "provider: stripe", "providr: stripe", 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providr")
}

func TestCompile_MinGreaterThanMax(t *testing.T) {
	src := strings.Replace(paymentSource, "{min: 0, max: 5000}", "{min: 10, max: 5}", 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok, "want *ValidationError, got %T", err)
	require.Len(t, verr.Errors, 1)
	assert.Contains(t, verr.Errors[0].Msg, "min 10 > max 5")
	assert.Greater(t, verr.Errors[0].Line, 0, "location must be carried")
}

func TestCompile_DuplicateRuleIDs(t *testing.T) {
	src := strings.Replace(paymentSource, "id: deny_large_payments", "id: allow_small_payments", 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate rule id "allow_small_payments"`)
}

func TestCompile_UnreferencedRule(t *testing.T) {
	src := strings.Replace(paymentSource,
		"    rules:",
		"    rule_order: [allow_small_payments]\n    rules:", 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `rule "deny_large_payments" is unreferenced`)
}

func TestCompile_RuleOrderUnknownID(t *testing.T) {
	src := strings.Replace(paymentSource,
		"    rules:",
		"    rule_order: [allow_small_payments, deny_large_payments, ghost_rule]\n    rules:", 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown rule "ghost_rule"`)
}

func TestCompile_InvalidVersion(t *testing.T) {
	src := strings.Replace(paymentSource, `version: "1.0.0"`, `version: "not-a-version"`, 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid semantic version")
}

func TestCompile_InvalidPackage(t *testing.T) {
	src := strings.Replace(paymentSource, "package: relay.policies.main", "package: Relay..main", 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dotted lowercase identifier")
}

func TestCompile_InvalidAction(t *testing.T) {
	src := strings.Replace(paymentSource, "action: deny", "action: reject", 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `action must be "allow" or "deny"`)
}

func TestCompile_InvalidPattern(t *testing.T) {
	src := strings.Replace(paymentSource,
		"amount: {min: 0, max: 5000}",
		`amount: {matches: "(["}`, 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestCompile_EmptyConstraint(t *testing.T) {
	src := strings.Replace(paymentSource, "amount: {min: 0, max: 5000}", "amount: {}", 1)
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
}

func TestCompile_NoPolicies(t *testing.T) {
	src := "version: \"1.0.0\"\npackage: relay.policies.main\npolicies: []\n"
	_, err := Compile([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one policy")
}

func TestCompile_CollectsMultipleErrors(t *testing.T) {
	src := strings.Replace(paymentSource, "{min: 0, max: 5000}", "{min: 10, max: 5}", 1)
	src = strings.Replace(src, "action: deny", "action: reject", 1)

	_, err := Compile([]byte(src))
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Len(t, verr.Errors, 2)
}
