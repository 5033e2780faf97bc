package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/text/unicode/norm"

	"github.com/relaysec/relay/pkg/canonicalize"
)

var (
	ErrNotFound    = errors.New("identity: not found")
	ErrDuplicateID = errors.New("identity: id already registered")
)

// Store reads and writes the org/agent registry. It shares the ledger's
// database handle; the tables and their update guards come from the ledger
// schema, which permits only the active flag to change after insert.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateOrg inserts a new organization. The display name is NFC-normalized
// in place before storage.
func (st *Store) CreateOrg(ctx context.Context, o *Organization) error {
	o.Name = norm.NFC.String(o.Name)
	_, err := st.db.ExecContext(ctx,
		`INSERT INTO organizations (org_id, name, contact_email, created_at, active) VALUES ($1, $2, $3, $4, $5)`,
		o.OrgID, o.Name, nullable(o.ContactEmail), canonicalize.Time(o.CreatedAt), o.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("identity: insert org: %w", err)
	}
	return nil
}

func (st *Store) GetOrg(ctx context.Context, orgID string) (*Organization, error) {
	var o Organization
	var contact sql.NullString
	var createdAt string
	err := st.db.QueryRowContext(ctx,
		`SELECT org_id, name, contact_email, created_at, active FROM organizations WHERE org_id = $1`, orgID).
		Scan(&o.OrgID, &o.Name, &contact, &createdAt, &o.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get org: %w", err)
	}
	o.ContactEmail = contact.String
	if o.CreatedAt, err = canonicalize.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("identity: org created_at: %w", err)
	}
	return &o, nil
}

// CountAgents reports how many agents belong to an org, active or not.
func (st *Store) CountAgents(ctx context.Context, orgID string) (int, error) {
	var n int
	err := st.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE org_id = $1`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("identity: count agents: %w", err)
	}
	return n, nil
}

// CreateAgent inserts a new agent. apiKeyHash may be empty when the agent
// has no long-lived credential.
func (st *Store) CreateAgent(ctx context.Context, a *Agent, apiKeyHash string) error {
	a.Name = norm.NFC.String(a.Name)
	_, err := st.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, org_id, name, description, api_key_hash, created_at, active) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.AgentID, a.OrgID, a.Name, nullable(a.Description), nullable(apiKeyHash),
		canonicalize.Time(a.CreatedAt), a.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("identity: insert agent: %w", err)
	}
	return nil
}

func (st *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	var description sql.NullString
	var createdAt string
	err := st.db.QueryRowContext(ctx,
		`SELECT agent_id, org_id, name, description, created_at, active FROM agents WHERE agent_id = $1`, agentID).
		Scan(&a.AgentID, &a.OrgID, &a.Name, &description, &createdAt, &a.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get agent: %w", err)
	}
	a.Description = description.String
	if a.CreatedAt, err = canonicalize.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("identity: agent created_at: %w", err)
	}
	return &a, nil
}

// ListAgents returns an org's agents, newest first.
func (st *Store) ListAgents(ctx context.Context, orgID string) ([]*Agent, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT agent_id, org_id, name, description, created_at, active FROM agents WHERE org_id = $1 ORDER BY created_at DESC, agent_id DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("identity: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var description sql.NullString
		var createdAt string
		if err := rows.Scan(&a.AgentID, &a.OrgID, &a.Name, &description, &createdAt, &a.Active); err != nil {
			return nil, fmt.Errorf("identity: scan agent: %w", err)
		}
		a.Description = description.String
		if a.CreatedAt, err = canonicalize.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("identity: agent created_at: %w", err)
		}
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: list agents: %w", err)
	}
	return agents, nil
}

// SetOrgActive flips the only mutable org column.
func (st *Store) SetOrgActive(ctx context.Context, orgID string, active bool) error {
	return st.setActive(ctx, `UPDATE organizations SET active = $1 WHERE org_id = $2`, orgID, active)
}

// SetAgentActive flips the only mutable agent column.
func (st *Store) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	return st.setActive(ctx, `UPDATE agents SET active = $1 WHERE agent_id = $2`, agentID, active)
}

func (st *Store) setActive(ctx context.Context, query, id string, active bool) error {
	res, err := st.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("identity: set active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: set active rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// APIKeyHash returns the stored hash for an agent, or empty when the agent
// holds no API key.
func (st *Store) APIKeyHash(ctx context.Context, agentID string) (string, error) {
	var hash sql.NullString
	err := st.db.QueryRowContext(ctx,
		`SELECT api_key_hash FROM agents WHERE agent_id = $1`, agentID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("identity: api key hash: %w", err)
	}
	return hash.String, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
