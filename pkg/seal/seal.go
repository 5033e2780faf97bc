// Package seal issues and verifies the short-lived Ed25519-signed tokens that
// evidence a policy decision for exactly one manifest. A seal is issued for
// every decision; a denied manifest gets an evidentiary seal with
// approved=false that no executor will honor.
package seal

import (
	"fmt"
	"strconv"
	"time"

	"github.com/relaysec/relay/pkg/canonicalize"
)

// DefaultTTL bounds the blast radius of a leaked seal while covering normal
// execution latency.
const DefaultTTL = 5 * time.Minute

// Seal carries a signed decision. Signature and PublicKey are std base64.
// Only (WasExecuted, ExecutedAt) ever change after issuance, and only from
// (false, nil) to (true, t).
type Seal struct {
	SealID        string     `json:"seal_id"`
	ManifestID    string     `json:"manifest_id"`
	Approved      bool       `json:"approved"`
	PolicyVersion string     `json:"policy_version"`
	DenialReason  string     `json:"denial_reason,omitempty"`
	Signature     string     `json:"signature"`
	PublicKey     string     `json:"public_key"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	WasExecuted   bool       `json:"was_executed"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
}

// payload returns the canonical bytes the signature covers. The denial_reason
// key is present iff non-empty, so approved and denied payloads stay distinct.
func payload(manifestID string, approved bool, policyVersion string, issuedAt, expiresAt time.Time, denialReason string) ([]byte, error) {
	m := map[string]any{
		"manifest_id":    manifestID,
		"approved":       approved,
		"policy_version": policyVersion,
		"issued_at":      canonicalize.Time(issuedAt),
		"expires_at":     canonicalize.Time(expiresAt),
	}
	if denialReason != "" {
		m["denial_reason"] = denialReason
	}
	return canonicalize.Canonicalize(m)
}

// NewSealID builds the public seal identifier. The manifest prefix keeps ids
// grep-able back to their manifest; the timestamp keeps them unique across
// manifests that share a prefix.
func NewSealID(manifestID string, issuedAt time.Time) string {
	prefix := manifestID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "seal_" + strconv.FormatInt(issuedAt.Unix(), 10) + "_" + prefix
}

// Engine issues seals with a single process-wide signing key. The key is
// read-only after construction.
type Engine struct {
	signer *Signer
	ttl    time.Duration
	now    func() time.Time
}

// NewEngine returns an issuing engine. ttl <= 0 selects DefaultTTL.
func NewEngine(signer *Signer, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{signer: signer, ttl: ttl, now: canonicalize.Now}
}

// TTL reports the configured seal lifetime.
func (e *Engine) TTL() time.Duration { return e.ttl }

// PublicKey returns the issuer public key, base64.
func (e *Engine) PublicKey() string { return e.signer.PublicKeyBase64() }

// Issue signs a decision for manifestID. denialReason must be empty when
// approved is true.
func (e *Engine) Issue(manifestID string, approved bool, policyVersion, denialReason string) (*Seal, error) {
	if approved && denialReason != "" {
		return nil, fmt.Errorf("seal: approved seal cannot carry a denial reason")
	}
	issuedAt := e.now()
	expiresAt := issuedAt.Add(e.ttl)

	data, err := payload(manifestID, approved, policyVersion, issuedAt, expiresAt, denialReason)
	if err != nil {
		return nil, fmt.Errorf("seal: payload: %w", err)
	}

	return &Seal{
		SealID:        NewSealID(manifestID, issuedAt),
		ManifestID:    manifestID,
		Approved:      approved,
		PolicyVersion: policyVersion,
		DenialReason:  denialReason,
		Signature:     e.signer.SignBase64(data),
		PublicKey:     e.signer.PublicKeyBase64(),
		IssuedAt:      issuedAt,
		ExpiresAt:     expiresAt,
	}, nil
}

// VerifySignature recomputes the canonical payload from the seal's own fields
// and checks the signature against the embedded public key. No state beyond
// the seal is consulted; expiry and execution are separate checks.
func VerifySignature(s *Seal) (bool, error) {
	data, err := payload(s.ManifestID, s.Approved, s.PolicyVersion, s.IssuedAt, s.ExpiresAt, s.DenialReason)
	if err != nil {
		return false, fmt.Errorf("seal: payload: %w", err)
	}
	return Verify(s.PublicKey, s.Signature, data)
}

// Expired reports whether the seal is past its lifetime at now. A seal is
// expired exactly when now >= expires_at; skew is an optional verifier-side
// grace for loosely synchronized clocks.
func (s *Seal) Expired(now time.Time, skew time.Duration) bool {
	return !now.Before(s.ExpiresAt.Add(skew))
}
