package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysec/relay/pkg/canonicalize"
	"github.com/relaysec/relay/pkg/manifest"
	"github.com/relaysec/relay/pkg/seal"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	l := New(db, DriverSQLite)
	require.NoError(t, l.Init(context.Background()))
	return l
}

func testEngine(t *testing.T) *seal.Engine {
	t.Helper()
	signer, err := seal.NewSigner()
	require.NoError(t, err)
	return seal.NewEngine(signer, 5*time.Minute)
}

func testManifest(id, orgID, agentID, provider string, createdAt time.Time) *manifest.Manifest {
	return &manifest.Manifest{
		ManifestID:  id,
		CreatedAt:   createdAt,
		AgentID:     agentID,
		OrgID:       orgID,
		Provider:    provider,
		Method:      "create_payment",
		Parameters:  json.RawMessage(`{"amount":3500}`),
		Reasoning:   "invoice due",
		Environment: "production",
		Raw:         json.RawMessage(`{"action":{"parameters":{"amount":3500}}}`),
	}
}

func TestInit_Idempotent(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Init(context.Background()))
}

func TestAppendDecision_RoundTrip(t *testing.T) {
	l := openTestLedger(t)
	eng := testEngine(t)
	ctx := context.Background()

	createdAt := canonicalize.Now()
	m := testManifest(manifest.NewManifestID(), "org_a", "agent_1", "stripe", createdAt)
	score := 0.75
	m.ConfidenceScore = &score
	m.UserID = "user_7"

	s, err := eng.Issue(m.ManifestID, true, "sha256:v1", "")
	require.NoError(t, err)
	require.NoError(t, l.AppendDecision(ctx, m, s))

	gotM, err := l.GetManifest(ctx, m.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, m.ManifestID, gotM.ManifestID)
	assert.Equal(t, "org_a", gotM.OrgID)
	assert.Equal(t, "user_7", gotM.UserID)
	assert.Equal(t, `{"amount":3500}`, string(gotM.Parameters))
	require.NotNil(t, gotM.ConfidenceScore)
	assert.InDelta(t, 0.75, *gotM.ConfidenceScore, 1e-9)
	assert.WithinDuration(t, createdAt, gotM.CreatedAt, 0)

	gotS, err := l.GetSeal(ctx, s.SealID)
	require.NoError(t, err)
	assert.Equal(t, s.SealID, gotS.SealID)
	assert.Equal(t, s.ManifestID, gotS.ManifestID)
	assert.True(t, gotS.Approved)
	assert.Empty(t, gotS.DenialReason)
	assert.False(t, gotS.WasExecuted)
	assert.Nil(t, gotS.ExecutedAt)
	assert.WithinDuration(t, s.IssuedAt, gotS.IssuedAt, 0)
	assert.WithinDuration(t, s.ExpiresAt, gotS.ExpiresAt, 0)

	// Signature must survive the storage round trip.
	ok, err := seal.VerifySignature(gotS)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendDecision_Duplicate(t *testing.T) {
	l := openTestLedger(t)
	eng := testEngine(t)
	ctx := context.Background()

	m := testManifest(manifest.NewManifestID(), "org_a", "agent_1", "stripe", canonicalize.Now())
	s, err := eng.Issue(m.ManifestID, true, "sha256:v1", "")
	require.NoError(t, err)

	require.NoError(t, l.AppendDecision(ctx, m, s))
	assert.ErrorIs(t, l.AppendDecision(ctx, m, s), ErrDuplicateManifest)

	var count int
	require.NoError(t, l.DB().QueryRow(`SELECT COUNT(*) FROM manifests`).Scan(&count))
	assert.Equal(t, 1, count, "failed append must leave no partial rows")
}

func TestAppendDecision_RejectsForeignSeal(t *testing.T) {
	l := openTestLedger(t)
	eng := testEngine(t)

	m := testManifest(manifest.NewManifestID(), "org_a", "agent_1", "stripe", canonicalize.Now())
	s, err := eng.Issue(manifest.NewManifestID(), true, "sha256:v1", "")
	require.NoError(t, err)

	assert.Error(t, l.AppendDecision(context.Background(), m, s))
}

func TestManifests_Immutable(t *testing.T) {
	l := openTestLedger(t)
	eng := testEngine(t)
	ctx := context.Background()

	m := testManifest(manifest.NewManifestID(), "org_a", "agent_1", "stripe", canonicalize.Now())
	s, err := eng.Issue(m.ManifestID, true, "sha256:v1", "")
	require.NoError(t, err)
	require.NoError(t, l.AppendDecision(ctx, m, s))

	_, err = l.DB().Exec(`UPDATE manifests SET reasoning = 'tampered' WHERE manifest_id = $1`, m.ManifestID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	_, err = l.DB().Exec(`DELETE FROM manifests WHERE manifest_id = $1`, m.ManifestID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestSeals_OnlyExecutedTransition(t *testing.T) {
	l := openTestLedger(t)
	eng := testEngine(t)
	ctx := context.Background()

	m := testManifest(manifest.NewManifestID(), "org_a", "agent_1", "stripe", canonicalize.Now())
	s, err := eng.Issue(m.ManifestID, true, "sha256:v1", "")
	require.NoError(t, err)
	require.NoError(t, l.AppendDecision(ctx, m, s))

	_, err = l.DB().Exec(`UPDATE seals SET policy_version = 'sha256:evil' WHERE seal_id = $1`, s.SealID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")

	// Flipping the decision alongside the executed transition is refused.
	_, err = l.DB().Exec(
		`UPDATE seals SET was_executed = TRUE, executed_at = $1, approved = FALSE WHERE seal_id = $2`,
		canonicalize.Time(canonicalize.Now()), s.SealID)
	require.Error(t, err)

	_, err = l.DB().Exec(`DELETE FROM seals WHERE seal_id = $1`, s.SealID)
	require.Error(t, err)

	// The legitimate transition goes through.
	at := canonicalize.Now()
	executedAt, already, err := l.MarkExecuted(ctx, s.SealID, at)
	require.NoError(t, err)
	assert.False(t, already)
	assert.WithinDuration(t, at, executedAt, 0)

	// And is itself one-shot, even with raw SQL.
	_, err = l.DB().Exec(
		`UPDATE seals SET executed_at = $1 WHERE seal_id = $2`,
		canonicalize.Time(canonicalize.Now().Add(time.Hour)), s.SealID)
	require.Error(t, err)
}

func TestMarkExecuted_SecondCallReportsOriginal(t *testing.T) {
	l := openTestLedger(t)
	eng := testEngine(t)
	ctx := context.Background()

	m := testManifest(manifest.NewManifestID(), "org_a", "agent_1", "stripe", canonicalize.Now())
	s, err := eng.Issue(m.ManifestID, true, "sha256:v1", "")
	require.NoError(t, err)
	require.NoError(t, l.AppendDecision(ctx, m, s))

	first := canonicalize.Now()
	got, already, err := l.MarkExecuted(ctx, s.SealID, first)
	require.NoError(t, err)
	assert.False(t, already)
	assert.WithinDuration(t, first, got, 0)

	second, already, err := l.MarkExecuted(ctx, s.SealID, first.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, already)
	assert.WithinDuration(t, first, second, 0, "second call conveys the first execution time")

	gotS, err := l.GetSeal(ctx, s.SealID)
	require.NoError(t, err)
	assert.True(t, gotS.WasExecuted)
	require.NotNil(t, gotS.ExecutedAt)
	assert.WithinDuration(t, first, *gotS.ExecutedAt, 0)
}

func TestMarkExecuted_UnknownSeal(t *testing.T) {
	l := openTestLedger(t)
	_, _, err := l.MarkExecuted(context.Background(), "seal_missing", canonicalize.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_NotFound(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.GetManifest(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.GetSeal(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// seedDecisions writes five decisions across two orgs and two providers
// with strictly increasing created_at.
func seedDecisions(t *testing.T, l *Ledger) []string {
	t.Helper()
	eng := testEngine(t)
	ctx := context.Background()
	base := canonicalize.Now().Add(-time.Hour)

	type row struct {
		org, agent, provider string
		approved             bool
		reason               string
	}
	rows := []row{
		{"org_a", "agent_1", "stripe", true, ""},
		{"org_a", "agent_1", "stripe", false, "Payment amount exceeds $50.00 limit"},
		{"org_a", "agent_2", "github", true, ""},
		{"org_b", "agent_3", "stripe", false, "No matching policy rule"},
		{"org_b", "agent_3", "github", false, "No matching policy rule"},
	}

	ids := make([]string, 0, len(rows))
	for i, r := range rows {
		m := testManifest(manifest.NewManifestID(), r.org, r.agent, r.provider, base.Add(time.Duration(i)*time.Minute))
		s, err := eng.Issue(m.ManifestID, r.approved, "sha256:v1", r.reason)
		require.NoError(t, err)
		require.NoError(t, l.AppendDecision(ctx, m, s))
		ids = append(ids, m.ManifestID)
	}
	return ids
}

func TestQuery_FiltersAndOrdering(t *testing.T) {
	l := openTestLedger(t)
	ids := seedDecisions(t, l)
	ctx := context.Background()

	all, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 5, all.Total)
	require.Len(t, all.Records, 5)
	// Newest first.
	assert.Equal(t, ids[4], all.Records[0].ManifestID)
	assert.Equal(t, ids[0], all.Records[4].ManifestID)

	orgA, err := l.Query(ctx, Filter{OrgID: "org_a"})
	require.NoError(t, err)
	assert.Equal(t, 3, orgA.Total)

	stripe, err := l.Query(ctx, Filter{Provider: "stripe"})
	require.NoError(t, err)
	assert.Equal(t, 3, stripe.Total)

	approved := true
	ok, err := l.Query(ctx, Filter{Approved: &approved})
	require.NoError(t, err)
	assert.Equal(t, 2, ok.Total)
	for _, rec := range ok.Records {
		assert.True(t, rec.Approved)
	}

	denied := false
	agent3Denied, err := l.Query(ctx, Filter{AgentID: "agent_3", Approved: &denied})
	require.NoError(t, err)
	assert.Equal(t, 2, agent3Denied.Total)
	assert.Equal(t, "No matching policy rule", agent3Denied.Records[0].DenialReason)
}

func TestQuery_TimeWindow(t *testing.T) {
	l := openTestLedger(t)
	ids := seedDecisions(t, l)
	ctx := context.Background()

	mid, err := l.GetManifest(ctx, ids[2])
	require.NoError(t, err)

	fromMid, err := l.Query(ctx, Filter{Since: mid.CreatedAt})
	require.NoError(t, err)
	assert.Equal(t, 3, fromMid.Total, "since bound is inclusive")

	upToMid, err := l.Query(ctx, Filter{Until: mid.CreatedAt})
	require.NoError(t, err)
	assert.Equal(t, 3, upToMid.Total, "until bound is inclusive")
}

func TestQuery_Pagination(t *testing.T) {
	l := openTestLedger(t)
	ids := seedDecisions(t, l)
	ctx := context.Background()

	page1, err := l.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page1.Total)
	assert.Equal(t, 2, page1.Limit)
	require.Len(t, page1.Records, 2)
	assert.Equal(t, ids[4], page1.Records[0].ManifestID)

	page2, err := l.Query(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page2.Records, 2)
	assert.Equal(t, ids[2], page2.Records[0].ManifestID)

	page3, err := l.Query(ctx, Filter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page3.Records, 1)
	assert.Equal(t, ids[0], page3.Records[0].ManifestID)

	capped, err := l.Query(ctx, Filter{Limit: MaxPageSize + 1})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, capped.Limit)
}

func TestStats_Aggregates(t *testing.T) {
	l := openTestLedger(t)
	seedDecisions(t, l)
	ctx := context.Background()

	st, err := l.Stats(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Total)
	assert.Equal(t, int64(2), st.Approved)
	assert.Equal(t, int64(3), st.Denied)
	assert.InDelta(t, 0.4, st.ApprovalRate, 1e-9)
	assert.Equal(t, int64(3), st.ByProvider["stripe"])
	assert.Equal(t, int64(2), st.ByProvider["github"])
	require.NotEmpty(t, st.TopAgents)
	assert.Equal(t, int64(2), st.TopAgents[0].Count)
	assert.Equal(t, int64(2), st.DenialsByReason["No matching policy rule"])
	assert.Equal(t, int64(1), st.DenialsByReason["Payment amount exceeds $50.00 limit"])

	orgB, err := l.Stats(ctx, Filter{OrgID: "org_b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), orgB.Total)
	assert.Equal(t, int64(0), orgB.Approved)
	assert.Equal(t, float64(0), orgB.ApprovalRate)
}

func TestStats_EmptyWindow(t *testing.T) {
	l := openTestLedger(t)
	st, err := l.Stats(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Total)
	assert.Equal(t, float64(0), st.ApprovalRate)
	assert.Empty(t, st.ByProvider)
}

func TestAuthEvents_AppendOnly(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	ev := &AuthEvent{
		EventType:     EventManifestAuthFail,
		AgentID:       "agent_1",
		OrgID:         "org_a",
		Endpoint:      "/v1/manifest/validate",
		IP:            "203.0.113.9",
		Success:       false,
		FailureReason: "token org mismatch",
	}
	require.NoError(t, l.AppendAuthEvent(ctx, ev))
	assert.NotEmpty(t, ev.EventID)
	assert.False(t, ev.CreatedAt.IsZero())

	_, err := l.DB().Exec(`UPDATE auth_events SET success = TRUE WHERE event_id = $1`, ev.EventID)
	require.Error(t, err)
	_, err = l.DB().Exec(`DELETE FROM auth_events WHERE event_id = $1`, ev.EventID)
	require.Error(t, err)

	require.Error(t, l.AppendAuthEvent(ctx, &AuthEvent{}), "event type is required")
}

func TestOrganizationsAndAgents_ActiveFlagOnly(t *testing.T) {
	l := openTestLedger(t)
	now := canonicalize.Time(canonicalize.Now())

	_, err := l.DB().Exec(fmt.Sprintf(
		`INSERT INTO organizations (org_id, name, contact_email, created_at, active) VALUES ('org_x', 'Example', 'ops@example.com', '%s', TRUE)`, now))
	require.NoError(t, err)
	_, err = l.DB().Exec(fmt.Sprintf(
		`INSERT INTO agents (agent_id, org_id, name, created_at, active) VALUES ('agent_x', 'org_x', 'worker', '%s', TRUE)`, now))
	require.NoError(t, err)

	_, err = l.DB().Exec(`UPDATE organizations SET active = FALSE WHERE org_id = 'org_x'`)
	assert.NoError(t, err)
	_, err = l.DB().Exec(`UPDATE organizations SET name = 'Renamed' WHERE org_id = 'org_x'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active flag")
	_, err = l.DB().Exec(`DELETE FROM organizations WHERE org_id = 'org_x'`)
	require.Error(t, err)

	_, err = l.DB().Exec(`UPDATE agents SET active = FALSE WHERE agent_id = 'agent_x'`)
	assert.NoError(t, err)
	_, err = l.DB().Exec(`UPDATE agents SET name = 'renamed' WHERE agent_id = 'agent_x'`)
	require.Error(t, err)
	_, err = l.DB().Exec(`DELETE FROM agents WHERE agent_id = 'agent_x'`)
	require.Error(t, err)
}

func TestHealthy(t *testing.T) {
	l := openTestLedger(t)
	assert.True(t, l.Healthy(context.Background()))
	require.NoError(t, l.Close())
	assert.False(t, l.Healthy(context.Background()))
}
