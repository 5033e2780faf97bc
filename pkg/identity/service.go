package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relaysec/relay/pkg/canonicalize"
)

// ErrInactive reports a principal whose agent or org has been deactivated.
// Tokens and API keys held by inactive principals stop working immediately.
var ErrInactive = errors.New("identity: agent or organization inactive")

// Service ties the registry, the token manager, and API keys together into
// the registration and authentication flows.
type Service struct {
	store  *Store
	tokens *TokenManager
}

func NewService(store *Store, tokens *TokenManager) *Service {
	return &Service{store: store, tokens: tokens}
}

// Store exposes the underlying registry for read paths that do not need the
// auth flows.
func (s *Service) Store() *Store { return s.store }

// Tokens exposes the token manager, mainly for its TTL.
func (s *Service) Tokens() *TokenManager { return s.tokens }

// Registration is the result of bootstrapping a new organization.
type Registration struct {
	Org        *Organization
	AdminAgent *Agent
	Token      string
}

// RegisterOrg creates an organization plus its admin agent and mints an
// admin-scoped token for immediate use. An id collision is regenerated and
// retried once.
func (s *Service) RegisterOrg(ctx context.Context, name, contactEmail string) (*Registration, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("identity: organization name is required")
	}

	org := &Organization{
		OrgID:        NewOrgID(),
		Name:         name,
		ContactEmail: contactEmail,
		CreatedAt:    canonicalize.Now(),
		Active:       true,
	}
	err := s.store.CreateOrg(ctx, org)
	if errors.Is(err, ErrDuplicateID) {
		org.OrgID = NewOrgID()
		err = s.store.CreateOrg(ctx, org)
	}
	if err != nil {
		return nil, err
	}

	admin := &Agent{
		AgentID:     AdminAgentID(org.OrgID),
		OrgID:       org.OrgID,
		Name:        AdminAgentName,
		Description: "initial admin agent created during organization registration",
		CreatedAt:   canonicalize.Now(),
		Active:      true,
	}
	if err := s.store.CreateAgent(ctx, admin, ""); err != nil {
		return nil, err
	}

	token, err := s.tokens.Issue(ctx, admin.AgentID, org.OrgID, ScopeAdmin)
	if err != nil {
		return nil, err
	}
	return &Registration{Org: org, AdminAgent: admin, Token: token}, nil
}

// AgentRegistration is the result of creating an agent. APIKey is the
// plaintext secret, present only when issuance was requested; it is never
// recoverable afterwards.
type AgentRegistration struct {
	Agent  *Agent
	Token  string
	APIKey string
}

// RegisterAgent creates an agent in an existing, active organization.
func (s *Service) RegisterAgent(ctx context.Context, orgID, name, description string, issueAPIKey bool) (*AgentRegistration, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("identity: agent name is required")
	}
	org, err := s.store.GetOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.Active {
		return nil, ErrInactive
	}

	var apiKey, hash string
	if issueAPIKey {
		if apiKey, err = NewAPIKey(); err != nil {
			return nil, err
		}
		if hash, err = HashAPIKey(apiKey); err != nil {
			return nil, err
		}
	}

	agent := &Agent{
		AgentID:     NewAgentID(),
		OrgID:       orgID,
		Name:        name,
		Description: description,
		CreatedAt:   canonicalize.Now(),
		Active:      true,
	}
	err = s.store.CreateAgent(ctx, agent, hash)
	if errors.Is(err, ErrDuplicateID) {
		agent.AgentID = NewAgentID()
		err = s.store.CreateAgent(ctx, agent, hash)
	}
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Issue(ctx, agent.AgentID, orgID, ScopeAgent)
	if err != nil {
		return nil, err
	}
	return &AgentRegistration{Agent: agent, Token: token, APIKey: apiKey}, nil
}

// Authenticate validates a bearer token and confirms the agent and its org
// are still registered and active.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*AuthContext, error) {
	claims, err := s.tokens.Validate(bearer)
	if err != nil {
		return nil, fmt.Errorf("identity: token: %w", err)
	}
	ac, err := s.checkRegistry(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if ac.OrgID != claims.OrgID {
		// Agents never move orgs, so a mismatch means a stale or forged token.
		return nil, errors.New("identity: token org mismatch")
	}
	ac.Scope = claims.Scope
	return ac, nil
}

// AuthenticateAPIKey validates an "agent_id.secret" header value.
func (s *Service) AuthenticateAPIKey(ctx context.Context, header string) (*AuthContext, error) {
	agentID, secret, err := SplitAPIKeyHeader(header)
	if err != nil {
		return nil, err
	}
	hash, err := s.store.APIKeyHash(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !CheckAPIKey(hash, secret) {
		return nil, errors.New("identity: api key mismatch")
	}
	ac, err := s.checkRegistry(ctx, agentID)
	if err != nil {
		return nil, err
	}
	ac.Scope = ScopeAgent
	return ac, nil
}

func (s *Service) checkRegistry(ctx context.Context, agentID string) (*AuthContext, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("identity: agent %s not registered", agentID)
	}
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return nil, ErrInactive
	}
	org, err := s.store.GetOrg(ctx, agent.OrgID)
	if err != nil {
		return nil, err
	}
	if !org.Active {
		return nil, ErrInactive
	}
	return &AuthContext{AgentID: agent.AgentID, OrgID: agent.OrgID}, nil
}
