package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relaysec/relay/pkg/policy"
)

const (
	defaultEvalTimeout = 2 * time.Second
	defaultPolicyPath  = "relay/policies/main"
	defaultPolicyName  = "relay"
)

// OPAConfig configures the remote engine adapter.
type OPAConfig struct {
	// BaseURL of the OPA server, e.g. "http://localhost:8181".
	BaseURL string
	// PolicyPath is the data path queried per evaluation.
	// Default: "relay/policies/main".
	PolicyPath string
	// PolicyName is the module name used for uploads. Default: "relay".
	PolicyName string
	// Timeout bounds each evaluation RPC. Default: 2s.
	Timeout time.Duration
}

// OPAPDP evaluates against a remote OPA server. Strict fail-closed: any
// transport error, non-200, malformed body, or missed deadline is a denied
// decision, not an error.
type OPAPDP struct {
	cfg     OPAConfig
	client  *http.Client
	version atomic.Value // string
}

// NewOPAPDP returns a remote-engine adapter.
func NewOPAPDP(cfg OPAConfig) *OPAPDP {
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultPolicyPath
	}
	if cfg.PolicyName == "" {
		cfg.PolicyName = defaultPolicyName
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEvalTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	p := &OPAPDP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	p.version.Store(VersionUnknown)
	return p
}

// opaRequest is the engine's input envelope.
type opaRequest struct {
	Input *policy.Input `json:"input"`
}

// opaResponse is the engine's result envelope. The queried document carries
// more keys; only these drive the decision.
type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow        bool     `json:"allow"`
	DenyReasons  []string `json:"deny_reasons,omitempty"`
	MatchedRules []string `json:"matched_rules,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// Evaluate implements PolicyDecisionPoint.
func (o *OPAPDP) Evaluate(ctx context.Context, in *policy.Input) (*Decision, error) {
	if in == nil {
		return Unavailable(), nil
	}

	payload, err := json.Marshal(opaRequest{Input: in})
	if err != nil {
		return Unavailable(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	url := o.cfg.BaseURL + "/v1/data/" + o.cfg.PolicyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Unavailable(), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		// Timeout, connection refused, DNS failure.
		return Unavailable(), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Unavailable(), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Unavailable(), nil
	}

	var envelope opaResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Unavailable(), nil
	}
	if envelope.Result == nil {
		// Undefined document: the policy is not loaded under this path.
		return Unavailable(), nil
	}

	version := envelope.Result.Version
	if version == "" {
		version = VersionUnknown
	} else {
		// Evaluations observe version drift before any explicit reload does.
		o.version.Store(version)
	}

	d := &Decision{
		Approved:      envelope.Result.Allow,
		PolicyVersion: version,
		MatchedRules:  envelope.Result.MatchedRules,
	}
	if !d.Approved {
		if len(envelope.Result.DenyReasons) > 0 {
			d.DenialReason = envelope.Result.DenyReasons[0]
		} else {
			d.DenialReason = policy.DefaultDenyReason
		}
	}
	return d, nil
}

// Load uploads the compiled Rego module under the configured name. Unlike
// Evaluate this is operator-facing, so faults are errors.
func (o *OPAPDP) Load(ctx context.Context, compiled *policy.Compiled) error {
	url := o.cfg.BaseURL + "/v1/policies/" + o.cfg.PolicyName
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(compiled.Rego))
	if err != nil {
		return fmt.Errorf("pdp: upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("pdp: upload to %s: %w", o.cfg.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pdp: upload rejected: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	o.version.Store(compiled.Version)
	return nil
}

// PolicyVersion implements PolicyDecisionPoint.
func (o *OPAPDP) PolicyVersion() string {
	return o.version.Load().(string)
}

// Backend implements PolicyDecisionPoint.
func (o *OPAPDP) Backend() Backend { return BackendOPA }

// Healthy probes the engine's health endpoint.
func (o *OPAPDP) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
