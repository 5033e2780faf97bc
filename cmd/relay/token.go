package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/relaysec/relay/pkg/identity"
)

// runTokenCmd implements `relay token`.
//
// Mints a bearer token offline from the token key file, for bootstrapping
// and operations work. The gateway still checks the registry on every
// request, so a minted token is only useful for an agent that actually
// exists and is active.
//
// Exit codes:
//
//	0 = token printed
//	2 = runtime error
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		agentID    string
		orgID      string
		scope      string
		ttl        time.Duration
		keyPath    string
		jsonOutput bool
	)

	cmd.StringVar(&agentID, "agent", "", "Agent id the token is for (REQUIRED)")
	cmd.StringVar(&orgID, "org", "", "Organization id the agent belongs to (REQUIRED)")
	cmd.StringVar(&scope, "scope", identity.ScopeAgent, "Token scope: agent or admin")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.StringVar(&keyPath, "key", "data/token.key", "Path to the bearer-token key")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return 2
	}
	if orgID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --org is required")
		return 2
	}
	if scope != identity.ScopeAgent && scope != identity.ScopeAdmin {
		_, _ = fmt.Fprintf(stderr, "Error: unknown scope %q (want %s or %s)\n",
			scope, identity.ScopeAgent, identity.ScopeAdmin)
		return 2
	}

	if _, err := os.Stat(keyPath); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: token key %s not found (run 'relay keygen' first)\n", keyPath)
		return 2
	}
	seed, err := loadOrGenerateSeed(keyPath, true)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: token key: %v\n", err)
		return 2
	}
	keySet, err := identity.NewInMemoryKeySetFromSeed(seed)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	token, err := identity.NewTokenManager(keySet, ttl).Issue(context.Background(), agentID, orgID, scope)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: issue token: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"token":      token,
			"agent_id":   agentID,
			"org_id":     orgID,
			"scope":      scope,
			"expires_in": ttl.String(),
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
