package policy

import (
	"context"
)

// Input is the document a manifest projects into for evaluation.
// Out-of-process engines receive exactly this shape as their query input:
// generated conditions read the action block and environment, and
// hand-written engine rules may reference any of it.
type Input struct {
	ManifestID    string             `json:"manifest_id,omitempty"`
	Timestamp     string             `json:"timestamp,omitempty"`
	Agent         InputAgent         `json:"agent"`
	Action        InputAction        `json:"action"`
	Justification InputJustification `json:"justification"`
	Environment   string             `json:"environment"`
}

// InputAgent identifies the caller proposing the action.
type InputAgent struct {
	AgentID string `json:"agent_id"`
	OrgID   string `json:"org_id"`
	UserID  string `json:"user_id,omitempty"`
}

// InputAction is the operation under decision.
type InputAction struct {
	Provider   string         `json:"provider"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters"`
}

// InputJustification is the agent's self-reported rationale.
type InputJustification struct {
	Reasoning       string   `json:"reasoning,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// Outcome is one evaluation result. MatchedRules lists every matching rule in
// evaluation order, denies and allows alike.
type Outcome struct {
	Approved     bool
	DenialReason string
	MatchedRules []string
}

// Evaluate runs every rule against the input. Any matching deny wins and the
// first one supplies the reason; otherwise a matching allow approves; no
// match is the default deny. A rule whose program errors is treated as not
// matching, which can only make the outcome stricter.
func (c *Compiled) Evaluate(ctx context.Context, in *Input) (*Outcome, error) {
	params := in.Action.Parameters
	if params == nil {
		params = map[string]any{}
	}
	activation := map[string]any{
		"provider":    in.Action.Provider,
		"method":      in.Action.Method,
		"environment": in.Environment,
		"parameters":  params,
	}

	out := &Outcome{}
	denied := false
	allowed := false

	for _, cr := range c.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		val, _, err := cr.prg.Eval(activation)
		if err != nil {
			continue
		}
		match, ok := val.Value().(bool)
		if !ok || !match {
			continue
		}

		out.MatchedRules = append(out.MatchedRules, cr.rule.ID)
		switch cr.rule.Action {
		case ActionDeny:
			if !denied {
				out.DenialReason = denyReason(cr.rule)
			}
			denied = true
		case ActionAllow:
			allowed = true
		}
	}

	if denied {
		out.Approved = false
		return out, nil
	}
	if allowed {
		out.Approved = true
		return out, nil
	}
	out.Approved = false
	out.DenialReason = DefaultDenyReason
	return out, nil
}
