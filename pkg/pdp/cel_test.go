package pdp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysec/relay/pkg/policy"
)

func TestCELPDP_EvaluatesLoadedPolicy(t *testing.T) {
	p := NewCELPDP(time.Second)
	require.NoError(t, p.Load(context.Background(), compilePayments(t)))

	allow, err := p.Evaluate(context.Background(), paymentInput(3500))
	require.NoError(t, err)
	assert.True(t, allow.Approved)
	assert.Equal(t, []string{"allow_small_payments"}, allow.MatchedRules)
	assert.Equal(t, p.PolicyVersion(), allow.PolicyVersion)

	deny, err := p.Evaluate(context.Background(), paymentInput(7500))
	require.NoError(t, err)
	assert.False(t, deny.Approved)
	assert.Equal(t, "Payment amount exceeds $50.00 limit", deny.DenialReason)
}

func TestCELPDP_NoPolicyFailsClosed(t *testing.T) {
	p := NewCELPDP(time.Second)

	d, err := p.Evaluate(context.Background(), paymentInput(3500))
	require.NoError(t, err)
	assert.Equal(t, Unavailable(), d)
	assert.False(t, p.Healthy(context.Background()))
	assert.Equal(t, VersionUnknown, p.PolicyVersion())
}

func TestCELPDP_ReloadSwapsVersion(t *testing.T) {
	p := NewCELPDP(time.Second)
	require.NoError(t, p.Load(context.Background(), compilePayments(t)))
	v1 := p.PolicyVersion()

	raised, err := policy.Compile([]byte(`
version: "1.1.0"
package: relay.policies.main
policies:
  - name: payment_controls
    rules:
      - id: allow_small_payments
        condition:
          provider: stripe
          method: create_payment
          parameter_constraints:
            amount: {min: 0, max: 10000}
        action: allow
`))
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background(), raised))

	assert.NotEqual(t, v1, p.PolicyVersion())

	d, err := p.Evaluate(context.Background(), paymentInput(7500))
	require.NoError(t, err)
	assert.True(t, d.Approved, "7500 is inside the raised ceiling")
}

func TestCELPDP_CancelledContextFailsClosed(t *testing.T) {
	p := NewCELPDP(time.Second)
	require.NoError(t, p.Load(context.Background(), compilePayments(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := p.Evaluate(ctx, paymentInput(3500))
	require.NoError(t, err)
	assert.Equal(t, Unavailable(), d)
}

func TestCELPDP_Healthy(t *testing.T) {
	p := NewCELPDP(time.Second)
	assert.False(t, p.Healthy(context.Background()))

	require.NoError(t, p.Load(context.Background(), compilePayments(t)))
	assert.True(t, p.Healthy(context.Background()))
	assert.Equal(t, BackendCEL, p.Backend())
}
