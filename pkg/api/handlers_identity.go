package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/relaysec/relay/pkg/identity"
)

type orgRegisterRequest struct {
	OrgName      string `json:"org_name"`
	ContactEmail string `json:"contact_email"`
}

type orgRegisterResponse struct {
	OrgID      string          `json:"org_id"`
	OrgName    string          `json:"org_name"`
	AdminAgent *identity.Agent `json:"admin_agent"`
	JWTToken   string          `json:"jwt_token"`
}

// handleRegisterOrg is the unauthenticated bootstrap endpoint: it creates
// the org, its admin agent, and the first bearer token in one call.
func (s *Server) handleRegisterOrg(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req orgRegisterRequest
	if err := strictDecode(body, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, CodeSchemaViolation, err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.OrgName) == "" {
		WriteInvalidRequest(w, "org_name is required")
		return
	}

	reg, err := s.ids.RegisterOrg(r.Context(), req.OrgName, req.ContactEmail)
	if err != nil {
		WriteInternal(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, &orgRegisterResponse{
		OrgID:      reg.Org.OrgID,
		OrgName:    reg.Org.Name,
		AdminAgent: reg.AdminAgent,
		JWTToken:   reg.Token,
	})
}

type orgResponse struct {
	OrgID        string    `json:"org_id"`
	OrgName      string    `json:"org_name"`
	ContactEmail string    `json:"contact_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Active       bool      `json:"active"`
	AgentCount   int       `json:"agent_count"`
}

// handleGetOrg returns the caller's own org summary.
func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	caller := s.mustAuth(w, r)
	if caller == nil {
		return
	}
	orgID := r.PathValue("org_id")
	if orgID != caller.OrgID {
		WriteForbidden(w, "token is not scoped to this organization")
		return
	}

	org, err := s.ids.Store().GetOrg(r.Context(), orgID)
	if errors.Is(err, identity.ErrNotFound) {
		WriteNotFound(w, "organization not found")
		return
	}
	if err != nil {
		WriteInternal(w, s.log, err)
		return
	}
	count, err := s.ids.Store().CountAgents(r.Context(), orgID)
	if err != nil {
		WriteInternal(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, &orgResponse{
		OrgID:        org.OrgID,
		OrgName:      org.Name,
		ContactEmail: org.ContactEmail,
		CreatedAt:    org.CreatedAt,
		Active:       org.Active,
		AgentCount:   count,
	})
}

type agentRegisterRequest struct {
	OrgID       string `json:"org_id"`
	AgentName   string `json:"agent_name"`
	Description string `json:"description"`
	IssueAPIKey bool   `json:"issue_api_key"`
}

type agentRegisterResponse struct {
	identity.Agent
	JWTToken string `json:"jwt_token"`
	APIKey   string `json:"api_key,omitempty"`
}

// handleRegisterAgent creates an agent in the caller's org. The API key,
// when requested, is returned exactly once.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	caller := s.mustAuth(w, r)
	if caller == nil {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req agentRegisterRequest
	if err := strictDecode(body, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, CodeSchemaViolation, err.Error(), nil)
		return
	}
	if req.OrgID == "" || strings.TrimSpace(req.AgentName) == "" {
		WriteInvalidRequest(w, "org_id and agent_name are required")
		return
	}
	if req.OrgID != caller.OrgID {
		WriteForbidden(w, "token is not scoped to this organization")
		return
	}

	reg, err := s.ids.RegisterAgent(r.Context(), req.OrgID, req.AgentName, req.Description, req.IssueAPIKey)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		WriteNotFound(w, "organization not found")
		return
	case errors.Is(err, identity.ErrInactive):
		WriteForbidden(w, "organization is inactive")
		return
	case err != nil:
		WriteInternal(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, &agentRegisterResponse{
		Agent:    *reg.Agent,
		JWTToken: reg.Token,
		APIKey:   reg.APIKey,
	})
}

type agentListResponse struct {
	OrgID  string            `json:"org_id"`
	Agents []*identity.Agent `json:"agents"`
}

// handleListAgents lists the caller's org. There is no cross-org variant.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	caller := s.mustAuth(w, r)
	if caller == nil {
		return
	}

	agents, err := s.ids.Store().ListAgents(r.Context(), caller.OrgID)
	if err != nil {
		WriteInternal(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, &agentListResponse{OrgID: caller.OrgID, Agents: agents})
}
