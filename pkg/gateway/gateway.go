// Package gateway orchestrates the validation hot path: schema-checked
// submissions come in, policy decisions and signed seals go out, and every
// non-dry-run decision lands in the ledger before the caller sees it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaysec/relay/pkg/canonicalize"
	"github.com/relaysec/relay/pkg/identity"
	"github.com/relaysec/relay/pkg/ledger"
	"github.com/relaysec/relay/pkg/manifest"
	"github.com/relaysec/relay/pkg/pdp"
	"github.com/relaysec/relay/pkg/seal"
)

var (
	// ErrAuthMismatch reports a manifest whose (agent_id, org_id) does not
	// match the presented credentials.
	ErrAuthMismatch = errors.New("gateway: manifest identity does not match credentials")

	// ErrSealExpired reports an execution attempt on an expired seal.
	ErrSealExpired = errors.New("gateway: seal expired")

	// ErrSealNotApproved reports an execution attempt on a denied seal.
	ErrSealNotApproved = errors.New("gateway: seal was not approved")

	// ErrLedgerUnavailable wraps audit-store faults so the HTTP layer can
	// tell them apart from programming mistakes.
	ErrLedgerUnavailable = errors.New("gateway: ledger unavailable")
)

const validateEndpoint = "/v1/manifest/validate"

// DecisionRecorder observes evaluation outcomes for metrics.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, approved bool, policyVersion string, elapsed time.Duration)
}

// Config tunes the orchestrator. Zero values get production defaults.
type Config struct {
	// EvalTimeout bounds one policy evaluation. Default 2s.
	EvalTimeout time.Duration
	// ClockSkew is the grace applied to expiry checks on verify and
	// mark-executed. Issuance never backdates. Default 0.
	ClockSkew time.Duration
	Logger    *slog.Logger
	Metrics   DecisionRecorder
}

// Gateway wires the decision point, the seal engine, and the ledger.
type Gateway struct {
	pdp         pdp.PolicyDecisionPoint
	sealer      *seal.Engine
	ledger      *ledger.Ledger
	log         *slog.Logger
	metrics     DecisionRecorder
	evalTimeout time.Duration
	skew        time.Duration
}

func New(p pdp.PolicyDecisionPoint, sealer *seal.Engine, led *ledger.Ledger, cfg Config) *Gateway {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		pdp:         p,
		sealer:      sealer,
		ledger:      led,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		evalTimeout: cfg.EvalTimeout,
		skew:        cfg.ClockSkew,
	}
}

// PDP exposes the decision point for health endpoints.
func (g *Gateway) PDP() pdp.PolicyDecisionPoint { return g.pdp }

// Ledger exposes the audit store for query endpoints.
func (g *Gateway) Ledger() *ledger.Ledger { return g.ledger }

// Sealer exposes the seal engine, mainly for its public key.
func (g *Gateway) Sealer() *seal.Engine { return g.sealer }

// Result is the outcome of one validation. Seal is nil on denial; the
// evidentiary seal still exists in the ledger.
type Result struct {
	ManifestID    string     `json:"manifest_id"`
	Approved      bool       `json:"approved"`
	Seal          *seal.Seal `json:"seal,omitempty"`
	DenialReason  string     `json:"denial_reason,omitempty"`
	PolicyVersion string     `json:"policy_version"`
}

// Validate runs the decision pipeline for one schema-checked submission.
// caller is nil when the deployment does not require auth on this endpoint;
// when present, the manifest's identity must match it. ip is recorded on
// auth events only.
func (g *Gateway) Validate(ctx context.Context, sub *manifest.Submission, raw []byte, caller *identity.AuthContext, ip string) (*Result, error) {
	if sub == nil {
		return nil, errors.New("gateway: nil submission")
	}

	if caller != nil {
		if sub.Agent.AgentID != caller.AgentID || sub.Agent.OrgID != caller.OrgID {
			g.authEvent(ctx, ledger.EventManifestAuthFail, caller, ip, false,
				fmt.Sprintf("manifest identity (%s, %s) does not match credentials (%s, %s)",
					sub.Agent.AgentID, sub.Agent.OrgID, caller.AgentID, caller.OrgID))
			return nil, ErrAuthMismatch
		}
		g.authEvent(ctx, ledger.EventManifestAuthOK, caller, ip, true, "")
	}

	m, err := sub.Manifest(manifest.NewManifestID(), canonicalize.Now(), raw)
	if err != nil {
		return nil, err
	}
	in, err := m.PolicyInput()
	if err != nil {
		return nil, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, g.evalTimeout)
	start := time.Now()
	d, err := g.pdp.Evaluate(evalCtx, in)
	cancel()
	if err != nil {
		// Backends fail closed on engine faults; an error here is a
		// programming mistake, not engine state.
		return nil, fmt.Errorf("gateway: evaluate: %w", err)
	}
	if g.metrics != nil {
		g.metrics.RecordDecision(ctx, d.Approved, d.PolicyVersion, time.Since(start))
	}

	s, err := g.sealer.Issue(m.ManifestID, d.Approved, d.PolicyVersion, d.DenialReason)
	if err != nil {
		return nil, fmt.Errorf("gateway: issue seal: %w", err)
	}

	if !sub.DryRun {
		err = g.ledger.AppendDecision(ctx, m, s)
		if errors.Is(err, ledger.ErrDuplicateManifest) {
			g.log.Warn("manifest id collision, regenerating", "manifest_id", m.ManifestID)
			if m, err = sub.Manifest(manifest.NewManifestID(), canonicalize.Now(), raw); err != nil {
				return nil, err
			}
			if s, err = g.sealer.Issue(m.ManifestID, d.Approved, d.PolicyVersion, d.DenialReason); err != nil {
				return nil, fmt.Errorf("gateway: issue seal: %w", err)
			}
			err = g.ledger.AppendDecision(ctx, m, s)
		}
		if err != nil {
			if errors.Is(err, ledger.ErrDuplicateManifest) {
				return nil, err
			}
			// An unrecorded decision must not reach the caller.
			return nil, fmt.Errorf("%w: append decision: %w", ErrLedgerUnavailable, err)
		}
	}

	g.log.Info("manifest decided",
		"manifest_id", m.ManifestID,
		"agent_id", m.AgentID,
		"org_id", m.OrgID,
		"provider", m.Provider,
		"method", m.Method,
		"approved", d.Approved,
		"policy_version", d.PolicyVersion,
		"dry_run", sub.DryRun,
	)

	res := &Result{
		ManifestID:    m.ManifestID,
		Approved:      d.Approved,
		DenialReason:  d.DenialReason,
		PolicyVersion: d.PolicyVersion,
	}
	if d.Approved {
		res.Seal = s
	}
	return res, nil
}

// Verification is the downstream executor's view of a seal.
type Verification struct {
	SealID          string    `json:"seal_id"`
	Valid           bool      `json:"valid"`
	Approved        bool      `json:"approved"`
	Expired         bool      `json:"expired"`
	AlreadyExecuted bool      `json:"already_executed"`
	Reason          string    `json:"reason,omitempty"`
	ManifestID      string    `json:"manifest_id"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// VerifySeal checks a stored seal: signature, approval, expiry, and the
// one-time-use flag. Valid means a downstream executor may honor it right
// now. Returns ledger.ErrNotFound for unknown ids.
func (g *Gateway) VerifySeal(ctx context.Context, sealID string) (*Verification, error) {
	s, err := g.getSeal(ctx, sealID)
	if err != nil {
		return nil, err
	}

	sigOK, err := seal.VerifySignature(s)
	if err != nil {
		// Undecodable signature material is an invalid seal, not a fault.
		sigOK = false
	}
	expired := s.Expired(canonicalize.Now(), g.skew)

	v := &Verification{
		SealID:          s.SealID,
		Approved:        s.Approved,
		Expired:         expired,
		AlreadyExecuted: s.WasExecuted,
		ManifestID:      s.ManifestID,
		IssuedAt:        s.IssuedAt,
		ExpiresAt:       s.ExpiresAt,
	}
	v.Valid = sigOK && s.Approved && !expired && !s.WasExecuted

	switch {
	case v.Valid:
	case !sigOK:
		v.Reason = "Invalid cryptographic signature"
	case !s.Approved:
		v.Reason = "Action was denied: " + s.DenialReason
	case expired:
		v.Reason = "Seal has expired"
	default:
		v.Reason = "Seal has already been executed"
	}
	return v, nil
}

// ExecutionMark is the result of a mark-executed call. Marked is false when
// the seal had already been consumed; ExecutedAt then carries the original
// execution time.
type ExecutionMark struct {
	SealID     string    `json:"seal_id"`
	Marked     bool      `json:"marked_executed"`
	ExecutedAt time.Time `json:"executed_at"`
}

// MarkExecuted consumes an approved seal. Expired unexecuted seals are
// refused; denied seals cannot be consumed at all. Returns
// ledger.ErrNotFound for unknown ids.
func (g *Gateway) MarkExecuted(ctx context.Context, sealID string) (*ExecutionMark, error) {
	s, err := g.getSeal(ctx, sealID)
	if err != nil {
		return nil, err
	}
	if !s.Approved {
		return nil, ErrSealNotApproved
	}
	if !s.WasExecuted && s.Expired(canonicalize.Now(), g.skew) {
		return nil, ErrSealExpired
	}

	executedAt, already, err := g.ledger.MarkExecuted(ctx, sealID, canonicalize.Now())
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: mark executed: %w", ErrLedgerUnavailable, err)
	}
	if !already {
		g.log.Info("seal executed", "seal_id", sealID, "manifest_id", s.ManifestID)
	}
	return &ExecutionMark{SealID: sealID, Marked: !already, ExecutedAt: executedAt}, nil
}

// getSeal reads one seal, passing ErrNotFound through untouched.
func (g *Gateway) getSeal(ctx context.Context, sealID string) (*seal.Seal, error) {
	s, err := g.ledger.GetSeal(ctx, sealID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get seal: %w", ErrLedgerUnavailable, err)
	}
	return s, nil
}

func (g *Gateway) authEvent(ctx context.Context, eventType string, caller *identity.AuthContext, ip string, success bool, reason string) {
	ev := &ledger.AuthEvent{
		EventType:     eventType,
		AgentID:       caller.AgentID,
		OrgID:         caller.OrgID,
		Endpoint:      validateEndpoint,
		IP:            ip,
		Success:       success,
		FailureReason: reason,
	}
	if err := g.ledger.AppendAuthEvent(ctx, ev); err != nil {
		g.log.Warn("auth event not recorded", "event_type", eventType, "error", err)
	}
}
