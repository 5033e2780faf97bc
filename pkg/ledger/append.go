package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaysec/relay/pkg/canonicalize"
	"github.com/relaysec/relay/pkg/manifest"
	"github.com/relaysec/relay/pkg/seal"
)

// AppendDecision records a manifest and its seal in one transaction. If it
// returns an error the caller must not hand the seal to the client: an
// unrecorded authorization is no authorization.
func (l *Ledger) AppendDecision(ctx context.Context, m *manifest.Manifest, s *seal.Seal) error {
	if m == nil || s == nil {
		return errors.New("ledger: nil manifest or seal")
	}
	if s.ManifestID != m.ManifestID {
		return fmt.Errorf("ledger: seal %s does not belong to manifest %s", s.SealID, m.ManifestID)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertManifest = `
		INSERT INTO manifests (manifest_id, org_id, agent_id, user_id, provider, method, parameters, reasoning, confidence_score, environment, raw_manifest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := tx.ExecContext(ctx, insertManifest,
		m.ManifestID, m.OrgID, m.AgentID, nullable(m.UserID), m.Provider, m.Method,
		string(m.Parameters), m.Reasoning, m.ConfidenceScore, m.Environment,
		string(m.Raw), canonicalize.Time(m.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateManifest
		}
		return fmt.Errorf("ledger: insert manifest: %w", err)
	}

	const insertSeal = `
		INSERT INTO seals (seal_id, manifest_id, approved, policy_version, denial_reason, signature, public_key, issued_at, expires_at, was_executed, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, NULL)`
	if _, err := tx.ExecContext(ctx, insertSeal,
		s.SealID, s.ManifestID, s.Approved, s.PolicyVersion, nullable(s.DenialReason),
		s.Signature, s.PublicKey, canonicalize.Time(s.IssuedAt), canonicalize.Time(s.ExpiresAt),
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateManifest
		}
		return fmt.Errorf("ledger: insert seal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// AppendAuthEvent records a security event. EventID and CreatedAt are
// assigned when the caller leaves them empty.
func (l *Ledger) AppendAuthEvent(ctx context.Context, ev *AuthEvent) error {
	if ev == nil || ev.EventType == "" {
		return errors.New("ledger: auth event requires a type")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = canonicalize.Now()
	}

	const q = `
		INSERT INTO auth_events (event_id, event_type, agent_id, org_id, endpoint, ip, success, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := l.db.ExecContext(ctx, q,
		ev.EventID, ev.EventType, nullable(ev.AgentID), nullable(ev.OrgID),
		nullable(ev.Endpoint), nullable(ev.IP), ev.Success, nullable(ev.FailureReason),
		canonicalize.Time(ev.CreatedAt),
	); err != nil {
		return fmt.Errorf("ledger: insert auth event: %w", err)
	}
	return nil
}

// nullable stores empty optional strings as NULL so the trigger guards can
// compare them with IS.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// The embedded driver reports constraint violations in message text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
