package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaysec/relay/pkg/canonicalize"
	"github.com/relaysec/relay/pkg/manifest"
	"github.com/relaysec/relay/pkg/seal"
)

const manifestColumns = `manifest_id, org_id, agent_id, user_id, provider, method, parameters, reasoning, confidence_score, environment, raw_manifest, created_at`

// GetManifest returns the stored manifest or ErrNotFound.
func (l *Ledger) GetManifest(ctx context.Context, manifestID string) (*manifest.Manifest, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE manifest_id = $1`, manifestID)

	var m manifest.Manifest
	var userID sql.NullString
	var confidence sql.NullFloat64
	var params, raw, createdAt string
	err := row.Scan(&m.ManifestID, &m.OrgID, &m.AgentID, &userID, &m.Provider, &m.Method,
		&params, &m.Reasoning, &confidence, &m.Environment, &raw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan manifest: %w", err)
	}

	m.UserID = userID.String
	if confidence.Valid {
		m.ConfidenceScore = &confidence.Float64
	}
	m.Parameters = json.RawMessage(params)
	m.Raw = json.RawMessage(raw)
	if m.CreatedAt, err = canonicalize.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("ledger: manifest created_at: %w", err)
	}
	return &m, nil
}

const sealColumns = `seal_id, manifest_id, approved, policy_version, denial_reason, signature, public_key, issued_at, expires_at, was_executed, executed_at`

// GetSeal returns the stored seal or ErrNotFound.
func (l *Ledger) GetSeal(ctx context.Context, sealID string) (*seal.Seal, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+sealColumns+` FROM seals WHERE seal_id = $1`, sealID)

	var s seal.Seal
	var denial, executedAt sql.NullString
	var issuedAt, expiresAt string
	err := row.Scan(&s.SealID, &s.ManifestID, &s.Approved, &s.PolicyVersion, &denial,
		&s.Signature, &s.PublicKey, &issuedAt, &expiresAt, &s.WasExecuted, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan seal: %w", err)
	}

	s.DenialReason = denial.String
	if s.IssuedAt, err = canonicalize.ParseTime(issuedAt); err != nil {
		return nil, fmt.Errorf("ledger: seal issued_at: %w", err)
	}
	if s.ExpiresAt, err = canonicalize.ParseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("ledger: seal expires_at: %w", err)
	}
	if executedAt.Valid {
		t, err := canonicalize.ParseTime(executedAt.String)
		if err != nil {
			return nil, fmt.Errorf("ledger: seal executed_at: %w", err)
		}
		s.ExecutedAt = &t
	}
	return &s, nil
}

// MarkExecuted performs the one-shot executed transition. The conditional
// update guarantees at most one caller observes already=false; later calls
// get the original execution time with already=true.
func (l *Ledger) MarkExecuted(ctx context.Context, sealID string, at time.Time) (executedAt time.Time, already bool, err error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE seals SET was_executed = TRUE, executed_at = $1 WHERE seal_id = $2 AND was_executed = FALSE`,
		canonicalize.Time(at), sealID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: mark executed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: mark executed rows: %w", err)
	}
	if n == 1 {
		return at, false, nil
	}

	var wasExecuted bool
	var executed sql.NullString
	err = l.db.QueryRowContext(ctx,
		`SELECT was_executed, executed_at FROM seals WHERE seal_id = $1`, sealID).
		Scan(&wasExecuted, &executed)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, ErrNotFound
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: read seal state: %w", err)
	}
	if !wasExecuted || !executed.Valid {
		// The transition is monotonic; a zero-row update on a live seal
		// means someone else already made it.
		return time.Time{}, false, errors.New("ledger: inconsistent seal execution state")
	}
	t, err := canonicalize.ParseTime(executed.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: seal executed_at: %w", err)
	}
	return t, true, nil
}

// Query returns one page of audit records, newest first, plus the total
// count over the same filter.
func (l *Ledger) Query(ctx context.Context, f Filter) (*QueryResult, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := f.conditions()
	const from = ` FROM manifests m JOIN seals s ON s.manifest_id = m.manifest_id`

	var total int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("ledger: count: %w", err)
	}

	q := `SELECT m.manifest_id, m.org_id, m.agent_id, m.user_id, m.provider, m.method, m.environment, m.parameters, m.reasoning, m.confidence_score, m.created_at,
		s.seal_id, s.approved, s.denial_reason, s.policy_version, s.was_executed, s.executed_at, s.expires_at` +
		from + where +
		fmt.Sprintf(` ORDER BY m.created_at DESC, m.manifest_id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]*AuditRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: query rows: %w", err)
	}

	return &QueryResult{Total: total, Limit: limit, Offset: offset, Records: records}, nil
}

// Stats aggregates the filtered window.
func (l *Ledger) Stats(ctx context.Context, f Filter) (*Stats, error) {
	where, args := f.conditions()
	const from = ` FROM manifests m JOIN seals s ON s.manifest_id = m.manifest_id`

	st := &Stats{
		ByProvider:      make(map[string]int64),
		TopAgents:       make([]AgentCount, 0, 10),
		DenialsByReason: make(map[string]int64),
	}

	row := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN s.approved THEN 1 ELSE 0 END), 0)`+from+where, args...)
	if err := row.Scan(&st.Total, &st.Approved); err != nil {
		return nil, fmt.Errorf("ledger: stats totals: %w", err)
	}
	st.Denied = st.Total - st.Approved
	if st.Total > 0 {
		st.ApprovalRate = float64(st.Approved) / float64(st.Total)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT m.provider, COUNT(*)`+from+where+` GROUP BY m.provider`, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: stats by provider: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var provider string
		var n int64
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, fmt.Errorf("ledger: stats by provider: %w", err)
		}
		st.ByProvider[provider] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: stats by provider: %w", err)
	}

	agentRows, err := l.db.QueryContext(ctx,
		`SELECT m.agent_id, COUNT(*) AS n`+from+where+` GROUP BY m.agent_id ORDER BY n DESC, m.agent_id ASC LIMIT 10`, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: stats top agents: %w", err)
	}
	defer func() { _ = agentRows.Close() }()
	for agentRows.Next() {
		var ac AgentCount
		if err := agentRows.Scan(&ac.AgentID, &ac.Count); err != nil {
			return nil, fmt.Errorf("ledger: stats top agents: %w", err)
		}
		st.TopAgents = append(st.TopAgents, ac)
	}
	if err := agentRows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: stats top agents: %w", err)
	}

	denialWhere := where
	if denialWhere == "" {
		denialWhere = ` WHERE NOT s.approved`
	} else {
		denialWhere += ` AND NOT s.approved`
	}
	denialRows, err := l.db.QueryContext(ctx,
		`SELECT COALESCE(s.denial_reason, ''), COUNT(*)`+from+denialWhere+` GROUP BY s.denial_reason`, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: stats denials: %w", err)
	}
	defer func() { _ = denialRows.Close() }()
	for denialRows.Next() {
		var reason string
		var n int64
		if err := denialRows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("ledger: stats denials: %w", err)
		}
		st.DenialsByReason[reason] = n
	}
	if err := denialRows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: stats denials: %w", err)
	}

	return st, nil
}

func (f Filter) conditions() (string, []any) {
	var conds []string
	var args []any
	add := func(expr string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if f.OrgID != "" {
		add("m.org_id = $%d", f.OrgID)
	}
	if f.AgentID != "" {
		add("m.agent_id = $%d", f.AgentID)
	}
	if f.Provider != "" {
		add("m.provider = $%d", f.Provider)
	}
	if f.Approved != nil {
		add("s.approved = $%d", *f.Approved)
	}
	if !f.Since.IsZero() {
		add("m.created_at >= $%d", canonicalize.Time(f.Since))
	}
	if !f.Until.IsZero() {
		add("m.created_at <= $%d", canonicalize.Time(f.Until))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanAuditRecord(rows *sql.Rows) (*AuditRecord, error) {
	var rec AuditRecord
	var userID, denial, executedAt sql.NullString
	var confidence sql.NullFloat64
	var params, createdAt, expiresAt string

	if err := rows.Scan(&rec.ManifestID, &rec.OrgID, &rec.AgentID, &userID, &rec.Provider,
		&rec.Method, &rec.Environment, &params, &rec.Reasoning, &confidence, &createdAt,
		&rec.SealID, &rec.Approved, &denial, &rec.PolicyVersion, &rec.WasExecuted,
		&executedAt, &expiresAt); err != nil {
		return nil, fmt.Errorf("ledger: scan record: %w", err)
	}

	rec.UserID = userID.String
	rec.DenialReason = denial.String
	if confidence.Valid {
		rec.ConfidenceScore = &confidence.Float64
	}
	rec.Parameters = json.RawMessage(params)

	var err error
	if rec.CreatedAt, err = canonicalize.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("ledger: record created_at: %w", err)
	}
	if rec.ExpiresAt, err = canonicalize.ParseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("ledger: record expires_at: %w", err)
	}
	if executedAt.Valid {
		t, err := canonicalize.ParseTime(executedAt.String)
		if err != nil {
			return nil, fmt.Errorf("ledger: record executed_at: %w", err)
		}
		rec.ExecutedAt = &t
	}
	return &rec, nil
}
