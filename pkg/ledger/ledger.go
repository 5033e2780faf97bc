// Package ledger is the durable audit store for manifests, seals, and auth
// events. Immutability is enforced by the database itself: schema triggers
// refuse updates and deletes on manifest and auth-event rows, and refuse any
// seal update other than the one-shot (false,null) -> (true,t) executed
// transition. The same SQL runs on Postgres and on the embedded SQLite
// driver for lite deployments.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned for lookups of unknown manifests or seals.
	ErrNotFound = errors.New("ledger: not found")
	// ErrDuplicateManifest is returned when an insert collides on
	// manifest_id (or the derived seal_id). The caller regenerates ids and
	// retries once.
	ErrDuplicateManifest = errors.New("ledger: duplicate manifest id")
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Page bounds for Query.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Ledger wraps the shared database handle. All statements run under the
// caller's context so request deadlines cut database work short.
type Ledger struct {
	db     *sql.DB
	driver string
}

// New wraps an existing handle. driver selects the trigger dialect.
func New(db *sql.DB, driver string) *Ledger {
	return &Ledger{db: db, driver: driver}
}

// Open connects and applies pool limits. SQLite is pinned to a single
// connection: the embedded driver serializes writers, and one connection
// sidesteps its busy-handling entirely.
func Open(driver, dsn string, maxOpen, maxIdle int) (*Ledger, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		maxOpen = 1
		maxIdle = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	return &Ledger{db: db, driver: driver}, nil
}

// Init creates tables, indexes, and the immutability triggers. Idempotent.
func (l *Ledger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schemaFor(l.driver)); err != nil {
		return fmt.Errorf("ledger: init schema: %w", err)
	}
	return nil
}

// DB exposes the shared handle for the identity store, which lives in the
// same database.
func (l *Ledger) DB() *sql.DB { return l.db }

// Driver returns the active driver name.
func (l *Ledger) Driver() string { return l.driver }

// Close releases the pool.
func (l *Ledger) Close() error { return l.db.Close() }

// Healthy reports whether the database answers a ping.
func (l *Ledger) Healthy(ctx context.Context) bool {
	return l.db.PingContext(ctx) == nil
}

// AuditRecord is one row of the decision history: a manifest joined with
// its seal.
type AuditRecord struct {
	ManifestID      string          `json:"manifest_id"`
	OrgID           string          `json:"org_id"`
	AgentID         string          `json:"agent_id"`
	UserID          string          `json:"user_id,omitempty"`
	Provider        string          `json:"provider"`
	Method          string          `json:"method"`
	Environment     string          `json:"environment"`
	Parameters      json.RawMessage `json:"parameters"`
	Reasoning       string          `json:"reasoning"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	SealID          string          `json:"seal_id"`
	Approved        bool            `json:"approved"`
	DenialReason    string          `json:"denial_reason,omitempty"`
	PolicyVersion   string          `json:"policy_version"`
	WasExecuted     bool            `json:"was_executed"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// Filter narrows Query and Stats. Zero values mean "no constraint".
type Filter struct {
	OrgID    string
	AgentID  string
	Provider string
	Approved *bool
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// QueryResult is one page of audit records plus the unpaged total.
type QueryResult struct {
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
	Records []*AuditRecord `json:"records"`
}

// AgentCount is one row of the top-agents aggregate.
type AgentCount struct {
	AgentID string `json:"agent_id"`
	Count   int64  `json:"count"`
}

// Stats aggregates the filtered decision window.
type Stats struct {
	Total           int64            `json:"total"`
	Approved        int64            `json:"approved"`
	Denied          int64            `json:"denied"`
	ApprovalRate    float64          `json:"approval_rate"`
	ByProvider      map[string]int64 `json:"by_provider"`
	TopAgents       []AgentCount     `json:"top_agents"`
	DenialsByReason map[string]int64 `json:"denials_by_reason"`
}

// Auth event types recorded for security forensics.
const (
	EventLogin             = "login"
	EventTokenIssue        = "token_issue"
	EventTokenValidateFail = "token_validate_fail"
	EventManifestAuthOK    = "manifest_auth_ok"
	EventManifestAuthFail  = "manifest_auth_fail"
	EventAuditScopeDenied  = "audit_scope_denied"
)

// AuthEvent is an append-only security event.
type AuthEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	AgentID       string    `json:"agent_id,omitempty"`
	OrgID         string    `json:"org_id,omitempty"`
	Endpoint      string    `json:"endpoint,omitempty"`
	IP            string    `json:"ip,omitempty"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
