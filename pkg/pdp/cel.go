package pdp

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/relaysec/relay/pkg/policy"
)

// CELPDP evaluates compiled rule programs in-process. It serves lite
// deployments with no external engine and the test suite. The active policy
// is swapped atomically on reload; in-flight evaluations keep the pointer
// they loaded.
type CELPDP struct {
	timeout time.Duration
	active  atomic.Pointer[policy.Compiled]
}

// NewCELPDP returns an embedded decision point with no policy loaded.
// Evaluations fail closed until Load is called.
func NewCELPDP(timeout time.Duration) *CELPDP {
	if timeout == 0 {
		timeout = defaultEvalTimeout
	}
	return &CELPDP{timeout: timeout}
}

// Evaluate implements PolicyDecisionPoint.
func (c *CELPDP) Evaluate(ctx context.Context, in *policy.Input) (*Decision, error) {
	compiled := c.active.Load()
	if compiled == nil || in == nil {
		return Unavailable(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := compiled.Evaluate(ctx, in)
	if err != nil {
		// Deadline or cancellation mid-walk.
		return Unavailable(), nil
	}

	return &Decision{
		Approved:      out.Approved,
		DenialReason:  out.DenialReason,
		PolicyVersion: compiled.Version,
		MatchedRules:  out.MatchedRules,
	}, nil
}

// Load implements PolicyDecisionPoint.
func (c *CELPDP) Load(_ context.Context, compiled *policy.Compiled) error {
	c.active.Store(compiled)
	return nil
}

// PolicyVersion implements PolicyDecisionPoint.
func (c *CELPDP) PolicyVersion() string {
	if compiled := c.active.Load(); compiled != nil {
		return compiled.Version
	}
	return VersionUnknown
}

// Backend implements PolicyDecisionPoint.
func (c *CELPDP) Backend() Backend { return BackendCEL }

// Healthy implements PolicyDecisionPoint. The embedded engine can decide
// exactly when a policy is loaded.
func (c *CELPDP) Healthy(context.Context) bool {
	return c.active.Load() != nil
}
