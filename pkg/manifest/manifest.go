// Package manifest defines the agent-submitted action manifest and the
// strict schema boundary it must cross before any policy or ledger work
// happens. Parameters are opaque to the gateway: they are canonicalized
// byte-for-byte from the submission and passed through to the policy
// engine and the audit ledger unchanged.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaysec/relay/pkg/canonicalize"
	"github.com/relaysec/relay/pkg/policy"
)

// Submission is the wire shape of POST /v1/manifest/validate. Parameters
// stay raw so the canonical form is derived from the client's exact bytes.
type Submission struct {
	Agent struct {
		AgentID string `json:"agent_id"`
		OrgID   string `json:"org_id"`
		UserID  string `json:"user_id,omitempty"`
	} `json:"agent"`
	Action struct {
		Provider   string          `json:"provider"`
		Method     string          `json:"method"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"action"`
	Justification struct {
		Reasoning       string   `json:"reasoning"`
		ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	} `json:"justification"`
	Environment string `json:"environment"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

// Manifest is the persisted entity. Parameters holds the canonical JSON of
// the submitted parameters object; Raw holds the full submission verbatim.
// Once written to the ledger a manifest never changes.
type Manifest struct {
	ManifestID      string          `json:"manifest_id"`
	CreatedAt       time.Time       `json:"created_at"`
	AgentID         string          `json:"agent_id"`
	OrgID           string          `json:"org_id"`
	UserID          string          `json:"user_id,omitempty"`
	Provider        string          `json:"provider"`
	Method          string          `json:"method"`
	Parameters      json.RawMessage `json:"parameters"`
	Reasoning       string          `json:"reasoning"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
	Environment     string          `json:"environment"`
	Raw             json.RawMessage `json:"-"`
}

// NewManifestID returns a server-assigned manifest identifier.
func NewManifestID() string {
	return uuid.New().String()
}

// Manifest builds the persisted entity from a validated submission. raw is
// the submission body exactly as received.
func (s *Submission) Manifest(id string, createdAt time.Time, raw []byte) (*Manifest, error) {
	params, err := canonicalize.Canonicalize(s.Action.Parameters)
	if err != nil {
		return nil, fmt.Errorf("manifest: canonicalize parameters: %w", err)
	}
	return &Manifest{
		ManifestID:      id,
		CreatedAt:       createdAt,
		AgentID:         s.Agent.AgentID,
		OrgID:           s.Agent.OrgID,
		UserID:          s.Agent.UserID,
		Provider:        s.Action.Provider,
		Method:          s.Action.Method,
		Parameters:      params,
		Reasoning:       s.Justification.Reasoning,
		ConfidenceScore: s.Justification.ConfidenceScore,
		Environment:     s.Environment,
		Raw:             raw,
	}, nil
}

// PolicyInput projects the manifest into the decision-engine input document.
func (m *Manifest) PolicyInput() (*policy.Input, error) {
	var params map[string]any
	if len(m.Parameters) > 0 {
		if err := json.Unmarshal(m.Parameters, &params); err != nil {
			return nil, fmt.Errorf("manifest: decode parameters: %w", err)
		}
	}
	return &policy.Input{
		ManifestID: m.ManifestID,
		Timestamp:  canonicalize.Time(m.CreatedAt),
		Agent: policy.InputAgent{
			AgentID: m.AgentID,
			OrgID:   m.OrgID,
			UserID:  m.UserID,
		},
		Action: policy.InputAction{
			Provider:   m.Provider,
			Method:     m.Method,
			Parameters: params,
		},
		Justification: policy.InputJustification{
			Reasoning:       m.Reasoning,
			ConfidenceScore: m.ConfidenceScore,
		},
		Environment: m.Environment,
	}, nil
}
