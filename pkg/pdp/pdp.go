// Package pdp defines the policy decision point abstraction.
//
// The validation orchestrator delegates every approve/deny question to a
// pluggable backend: a remote OPA server (default), in-process CEL programs
// compiled from the same source (lite deployments), or a policy module run
// under a WASI sandbox. Every backend is fail-closed: an unreachable engine,
// a malformed response, or a missed deadline yields a denied decision with
// PolicyVersion "unknown", never an error the caller might mistake for a
// retryable fault.
package pdp

import (
	"context"

	"github.com/relaysec/relay/pkg/policy"
)

// Backend identifies the policy engine flavor.
type Backend string

const (
	BackendOPA  Backend = "opa"
	BackendCEL  Backend = "cel"
	BackendWASM Backend = "wasm"
)

// VersionUnknown is reported when no policy version can be attributed to a
// decision.
const VersionUnknown = "unknown"

// DenialEngineUnavailable is the denial reason for every engine fault.
const DenialEngineUnavailable = "policy engine unavailable"

// Decision is the outcome of one evaluation.
type Decision struct {
	Approved      bool     `json:"approved"`
	DenialReason  string   `json:"denial_reason,omitempty"`
	PolicyVersion string   `json:"policy_version"`
	MatchedRules  []string `json:"matched_rules,omitempty"`
}

// PolicyDecisionPoint is the stable evaluation interface.
type PolicyDecisionPoint interface {
	// Evaluate decides one manifest projection. Engine faults surface as a
	// denied Decision with a nil error; a non-nil error is reserved for
	// programming mistakes, not engine state.
	Evaluate(ctx context.Context, in *policy.Input) (*Decision, error)

	// Load installs a compiled policy. In-flight evaluations finish against
	// the previous version; later ones observe the new one.
	Load(ctx context.Context, compiled *policy.Compiled) error

	// PolicyVersion returns the active version, or VersionUnknown.
	PolicyVersion() string

	// Backend identifies the engine flavor.
	Backend() Backend

	// Healthy reports whether the engine can currently decide.
	Healthy(ctx context.Context) bool
}

// Unavailable is the fail-closed decision for engine faults.
func Unavailable() *Decision {
	return &Decision{
		Approved:      false,
		DenialReason:  DenialEngineUnavailable,
		PolicyVersion: VersionUnknown,
	}
}
