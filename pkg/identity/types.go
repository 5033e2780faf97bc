package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Organization is a tenant. Organizations are never deleted; deactivation
// flips Active and invalidates every token scoped to the org.
type Organization struct {
	OrgID        string    `json:"org_id"`
	Name         string    `json:"org_name"`
	ContactEmail string    `json:"contact_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Active       bool      `json:"active"`
}

// Agent is a registered caller scoped to exactly one organization.
type Agent struct {
	AgentID     string    `json:"agent_id"`
	OrgID       string    `json:"org_id"`
	Name        string    `json:"agent_name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Active      bool      `json:"active"`
}

// AuthContext identifies the authenticated caller of a protected endpoint.
type AuthContext struct {
	AgentID string
	OrgID   string
	Scope   string
}

// Token scopes. Admin tokens are minted for the bootstrap agent and may
// manage the org; agent tokens submit manifests and read their org's audit
// trail.
const (
	ScopeAdmin = "admin"
	ScopeAgent = "agent"
)

// AdminAgentName is the display name of the agent created alongside every
// organization.
const AdminAgentName = "admin-agent"

// NewOrgID returns an identifier of the form org_<16 hex>.
func NewOrgID() string {
	return "org_" + randomHex(8)
}

// NewAgentID returns an identifier of the form agent_<16 hex>.
func NewAgentID() string {
	return "agent_" + randomHex(8)
}

// AdminAgentID derives the bootstrap agent's identifier from its org. The
// org id is embedded whole, so the result reads agent_org_<16 hex>_admin.
func AdminAgentID(orgID string) string {
	return fmt.Sprintf("agent_%s_admin", orgID)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("identity: rand: %v", err))
	}
	return hex.EncodeToString(b)
}
