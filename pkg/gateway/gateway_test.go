package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysec/relay/pkg/identity"
	"github.com/relaysec/relay/pkg/ledger"
	"github.com/relaysec/relay/pkg/manifest"
	"github.com/relaysec/relay/pkg/pdp"
	"github.com/relaysec/relay/pkg/policy"
	"github.com/relaysec/relay/pkg/seal"
)

func compilePayments(t *testing.T) *policy.Compiled {
	t.Helper()
	src := strings.TrimSpace(`
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
`)
	compiled, err := policy.Compile([]byte(src))
	require.NoError(t, err)
	return compiled
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	l := ledger.New(db, ledger.DriverSQLite)
	require.NoError(t, l.Init(context.Background()))
	return l
}

// newTestGateway wires a real CEL decision point, a real signer, and an
// in-memory ledger. A microsecond sealTTL makes every issued seal expire
// effectively immediately.
func newTestGateway(t *testing.T, sealTTL time.Duration, cfg Config) *Gateway {
	t.Helper()
	p := pdp.NewCELPDP(0)
	require.NoError(t, p.Load(context.Background(), compilePayments(t)))

	signer, err := seal.NewSigner()
	require.NoError(t, err)

	return New(p, seal.NewEngine(signer, sealTTL), newTestLedger(t), cfg)
}

func paymentSubmission(t *testing.T, amount int, dryRun bool) (*manifest.Submission, []byte) {
	t.Helper()
	dry := ""
	if dryRun {
		dry = `, "dry_run": true`
	}
	raw := []byte(fmt.Sprintf(`{
		"agent": {"agent_id": "agent_1", "org_id": "org_a"},
		"action": {"provider": "stripe", "method": "create_payment", "parameters": {"amount": %d, "currency": "USD"}},
		"justification": {"reasoning": "invoice due"},
		"environment": "production"%s
	}`, amount, dry))
	sub, err := manifest.ParseSubmission(raw)
	require.NoError(t, err)
	return sub, raw
}

func TestValidate_ApprovedFlow(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Empty(t, res.DenialReason)
	require.NotNil(t, res.Seal)
	assert.Equal(t, res.ManifestID, res.Seal.ManifestID)
	assert.Equal(t, res.PolicyVersion, res.Seal.PolicyVersion)
	assert.True(t, strings.HasPrefix(res.PolicyVersion, "sha256:"))

	ok, err := seal.VerifySignature(res.Seal)
	require.NoError(t, err)
	assert.True(t, ok)

	m, err := g.Ledger().GetManifest(ctx, res.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, "agent_1", m.AgentID)
	assert.Equal(t, "stripe", m.Provider)
	assert.Equal(t, `{"amount":3500,"currency":"USD"}`, string(m.Parameters))

	stored, err := g.Ledger().GetSeal(ctx, res.Seal.SealID)
	require.NoError(t, err)
	assert.True(t, stored.Approved)
	assert.False(t, stored.WasExecuted)
}

func TestValidate_DeniedFlow(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 7500, false)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Nil(t, res.Seal, "denied responses carry no seal")
	assert.Equal(t, "Payment amount exceeds $50.00 limit", res.DenialReason)

	// The evidentiary seal is still recorded.
	q, err := g.Ledger().Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, q.Total)
	rec := q.Records[0]
	assert.Equal(t, res.ManifestID, rec.ManifestID)
	assert.False(t, rec.Approved)
	assert.Equal(t, "Payment amount exceeds $50.00 limit", rec.DenialReason)

	stored, err := g.Ledger().GetSeal(ctx, rec.SealID)
	require.NoError(t, err)
	ok, err := seal.VerifySignature(stored)
	require.NoError(t, err)
	assert.True(t, ok, "evidentiary seals are signed too")
}

func TestValidate_DryRunSkipsLedger(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, true)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)
	assert.True(t, res.Approved)
	require.NotNil(t, res.Seal, "dry run still returns the unpersisted seal")

	q, err := g.Ledger().Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, q.Total)

	_, err = g.Ledger().GetSeal(ctx, res.Seal.SealID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func countAuthEvents(t *testing.T, l *ledger.Ledger, eventType string) int {
	t.Helper()
	var n int
	require.NoError(t, l.DB().QueryRow(
		`SELECT COUNT(*) FROM auth_events WHERE event_type = $1`, eventType).Scan(&n))
	return n
}

func TestValidate_AuthMismatch(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	caller := &identity.AuthContext{AgentID: "agent_1", OrgID: "org_other"}
	_, err := g.Validate(ctx, sub, raw, caller, "203.0.113.9")
	assert.ErrorIs(t, err, ErrAuthMismatch)

	// Nothing was evaluated or persisted.
	q, err := g.Ledger().Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, q.Total)

	assert.Equal(t, 1, countAuthEvents(t, g.Ledger(), ledger.EventManifestAuthFail))
	assert.Equal(t, 0, countAuthEvents(t, g.Ledger(), ledger.EventManifestAuthOK))
}

func TestValidate_AuthMatch(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	caller := &identity.AuthContext{AgentID: "agent_1", OrgID: "org_a"}
	res, err := g.Validate(ctx, sub, raw, caller, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, res.Approved)

	assert.Equal(t, 1, countAuthEvents(t, g.Ledger(), ledger.EventManifestAuthOK))
	assert.Equal(t, 0, countAuthEvents(t, g.Ledger(), ledger.EventManifestAuthFail))
}

func TestValidate_NoCallerEmitsNoEvents(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	_, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)

	var n int
	require.NoError(t, g.Ledger().DB().QueryRow(`SELECT COUNT(*) FROM auth_events`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestValidate_EngineUnavailableFailsClosed(t *testing.T) {
	// A decision point with no policy loaded denies everything.
	signer, err := seal.NewSigner()
	require.NoError(t, err)
	g := New(pdp.NewCELPDP(0), seal.NewEngine(signer, 5*time.Minute), newTestLedger(t), Config{})

	sub, raw := paymentSubmission(t, 100, false)
	res, err := g.Validate(context.Background(), sub, raw, nil, "")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, pdp.DenialEngineUnavailable, res.DenialReason)
	assert.Equal(t, pdp.VersionUnknown, res.PolicyVersion)

	// The fail-closed denial is still evidence.
	q, err := g.Ledger().Query(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Total)
}

type recordedDecision struct {
	approved bool
	version  string
}

type captureRecorder struct {
	decisions []recordedDecision
}

func (c *captureRecorder) RecordDecision(_ context.Context, approved bool, version string, _ time.Duration) {
	c.decisions = append(c.decisions, recordedDecision{approved, version})
}

func TestValidate_RecordsMetrics(t *testing.T) {
	rec := &captureRecorder{}
	g := newTestGateway(t, 5*time.Minute, Config{Metrics: rec})

	sub, raw := paymentSubmission(t, 3500, false)
	res, err := g.Validate(context.Background(), sub, raw, nil, "")
	require.NoError(t, err)

	require.Len(t, rec.decisions, 1)
	assert.True(t, rec.decisions[0].approved)
	assert.Equal(t, res.PolicyVersion, rec.decisions[0].version)
}

func TestVerifySeal_Approved(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)

	v, err := g.VerifySeal(ctx, res.Seal.SealID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.True(t, v.Approved)
	assert.False(t, v.Expired)
	assert.False(t, v.AlreadyExecuted)
	assert.Empty(t, v.Reason)
	assert.Equal(t, res.ManifestID, v.ManifestID)
	assert.WithinDuration(t, res.Seal.IssuedAt, v.IssuedAt, 0)
	assert.WithinDuration(t, res.Seal.ExpiresAt, v.ExpiresAt, 0)
}

func TestVerifySeal_Denied(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 7500, false)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)

	q, err := g.Ledger().Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, q.Total)

	v, err := g.VerifySeal(ctx, q.Records[0].SealID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "Action was denied")
	assert.Contains(t, v.Reason, res.DenialReason)
}

func TestVerifySeal_Expired(t *testing.T) {
	g := newTestGateway(t, time.Microsecond, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	v, err := g.VerifySeal(ctx, res.Seal.SealID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, v.Expired)
	assert.Equal(t, "Seal has expired", v.Reason)
}

func TestVerifySeal_SkewGrace(t *testing.T) {
	// Long expired on paper, but inside a one-minute grace window.
	g := newTestGateway(t, time.Microsecond, Config{ClockSkew: time.Minute})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	v, err := g.VerifySeal(ctx, res.Seal.SealID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.False(t, v.Expired)
}

func TestVerifySeal_AlreadyExecuted(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)
	_, err = g.MarkExecuted(ctx, res.Seal.SealID)
	require.NoError(t, err)

	v, err := g.VerifySeal(ctx, res.Seal.SealID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, v.AlreadyExecuted)
	assert.Equal(t, "Seal has already been executed", v.Reason)
}

func TestVerifySeal_NotFound(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	_, err := g.VerifySeal(context.Background(), "seal_missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMarkExecuted_OneShot(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)

	first, err := g.MarkExecuted(ctx, res.Seal.SealID)
	require.NoError(t, err)
	assert.True(t, first.Marked)

	second, err := g.MarkExecuted(ctx, res.Seal.SealID)
	require.NoError(t, err)
	assert.False(t, second.Marked)
	assert.WithinDuration(t, first.ExecutedAt, second.ExecutedAt, 0,
		"repeat calls convey the original execution time")
}

func TestMarkExecuted_ExpiredRefused(t *testing.T) {
	g := newTestGateway(t, time.Microsecond, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 3500, false)

	res, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	_, err = g.MarkExecuted(ctx, res.Seal.SealID)
	assert.ErrorIs(t, err, ErrSealExpired)
}

func TestMarkExecuted_DeniedRefused(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()
	sub, raw := paymentSubmission(t, 7500, false)

	_, err := g.Validate(ctx, sub, raw, nil, "")
	require.NoError(t, err)

	q, err := g.Ledger().Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, q.Total)

	_, err = g.MarkExecuted(ctx, q.Records[0].SealID)
	assert.ErrorIs(t, err, ErrSealNotApproved)
}

func TestMarkExecuted_NotFound(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	_, err := g.MarkExecuted(context.Background(), "seal_missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestValidate_ConcurrentSubmissionsAreIndependent(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, Config{})
	ctx := context.Background()

	const n = 8
	sub, raw := paymentSubmission(t, 3500, false)
	results := make(chan *Result, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := g.Validate(ctx, sub, raw, nil, "")
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("validate: %v", err)
		case res := <-results:
			assert.True(t, res.Approved)
			assert.False(t, seen[res.ManifestID], "manifest ids must be unique")
			seen[res.ManifestID] = true
		}
	}

	q, err := g.Ledger().Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, n, q.Total)
}
