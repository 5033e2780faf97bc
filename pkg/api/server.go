// Package api exposes the authorization gateway over HTTP: the manifest
// hot path, seal verification and execution marking, audit queries, and
// the org/agent registry. Every request is schema-checked before any other
// work, and every error carries a stable error_code.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaysec/relay/pkg/gateway"
	"github.com/relaysec/relay/pkg/identity"
	"github.com/relaysec/relay/pkg/ledger"
)

// Defaults for Config zero values.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxBodyBytes   = 256 << 10
	DefaultMaxInFlight    = 512
)

// Config tunes the HTTP surface. Zero values get production defaults.
type Config struct {
	// ServiceName and Version show up in discovery and health responses.
	ServiceName string
	Version     string

	// AuthRequired protects the validate endpoint and scopes audit reads.
	// Registry endpoints always require a token regardless.
	AuthRequired bool

	// AllowedOrigins for CORS. Empty allows every origin.
	AllowedOrigins []string

	// RequestTimeout is the overall per-request deadline. Default 5s.
	RequestTimeout time.Duration

	// MaxBodyBytes caps request bodies. Default 256 KiB.
	MaxBodyBytes int64

	// MaxInFlight bounds concurrent validate requests. Default 512.
	MaxInFlight int

	// Limiter rejects clients above their request budget. Nil disables.
	Limiter ClientLimiter

	// Metrics receives RED observations. Nil disables.
	Metrics RequestRecorder

	// Reloader recompiles and installs the active policy. Nil disables the
	// reload endpoint.
	Reloader PolicyReloader

	Logger *slog.Logger
}

// Server wires the gateway and the identity service to the REST surface.
type Server struct {
	gw  *gateway.Gateway
	ids *identity.Service
	cfg Config
	log *slog.Logger
}

// NewServer applies defaults and builds the server. Call Router to obtain
// the handler.
func NewServer(gw *gateway.Gateway, ids *identity.Service, cfg Config) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "relay-gateway"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{gw: gw, ids: ids, cfg: cfg, log: cfg.Logger}
}

// Router assembles the endpoint table and the middleware chain.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleNotFound)
	mux.HandleFunc("/{$}", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/manifest/health", s.handleManifestHealth)
	// Backpressure guards the hot path only; reads stay cheap.
	mux.Handle("/v1/manifest/validate",
		InflightCap(s.cfg.MaxInFlight)(http.HandlerFunc(s.handleValidate)))
	mux.HandleFunc("/v1/seal/verify", s.handleVerifySeal)
	mux.HandleFunc("/v1/seal/mark-executed", s.handleMarkExecuted)
	mux.HandleFunc("/v1/audit/query", s.handleAuditQuery)
	mux.HandleFunc("/v1/audit/stats", s.handleAuditStats)
	mux.HandleFunc("/v1/orgs/register", s.handleRegisterOrg)
	mux.HandleFunc("/v1/orgs/{org_id}", s.handleGetOrg)
	mux.HandleFunc("/v1/agents/register", s.handleRegisterAgent)
	mux.HandleFunc("/v1/agents", s.handleListAgents)
	mux.HandleFunc("/v1/policy/reload", s.handlePolicyReload)

	return chain(mux,
		Recovery(s.log),
		CORS(s.cfg.AllowedOrigins),
		RequestLog(s.log, s.cfg.Metrics),
		Deadline(s.cfg.RequestTimeout),
		BodyLimit(s.cfg.MaxBodyBytes),
		RateLimit(s.cfg.Limiter, s.log),
		s.authenticate,
	)
}

type authCtxKey struct{}

// AuthFrom returns the authenticated caller, or nil.
func AuthFrom(ctx context.Context) *identity.AuthContext {
	ac, _ := ctx.Value(authCtxKey{}).(*identity.AuthContext)
	return ac
}

// authenticate resolves credentials when they are presented: a bearer token
// in Authorization or an agent API key in X-API-Key. Presenting bad
// credentials is a 401 even on endpoints that do not require auth;
// enforcement of presence is per endpoint. Failures collapse to one message
// so callers cannot probe which agents exist.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			ac  *identity.AuthContext
			err error
		)
		switch {
		case r.Header.Get("Authorization") != "":
			scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
			if !strings.EqualFold(scheme, "Bearer") || token == "" {
				s.authFailure(r, "malformed authorization header")
				WriteUnauthorized(w, "agent not found or inactive")
				return
			}
			ac, err = s.ids.Authenticate(r.Context(), token)
		case r.Header.Get("X-API-Key") != "":
			ac, err = s.ids.AuthenticateAPIKey(r.Context(), r.Header.Get("X-API-Key"))
		default:
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			s.authFailure(r, err.Error())
			WriteUnauthorized(w, "agent not found or inactive")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authCtxKey{}, ac)))
	})
}

// mustAuth writes a 401 and returns nil when the request has no caller.
func (s *Server) mustAuth(w http.ResponseWriter, r *http.Request) *identity.AuthContext {
	ac := AuthFrom(r.Context())
	if ac == nil {
		WriteUnauthorized(w, "bearer token or API key required")
	}
	return ac
}

func (s *Server) authFailure(r *http.Request, reason string) {
	ev := &ledger.AuthEvent{
		EventType:     ledger.EventTokenValidateFail,
		Endpoint:      r.URL.Path,
		IP:            clientIP(r),
		Success:       false,
		FailureReason: reason,
	}
	if err := s.gw.Ledger().AppendAuthEvent(r.Context(), ev); err != nil {
		s.log.Warn("auth event not recorded", "error", err)
	}
}

// readBody drains the capped request body, mapping oversize to a 413.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WritePayloadTooLarge(w, mbe.Limit)
			return nil, false
		}
		WriteInvalidRequest(w, "request body could not be read")
		return nil, false
	}
	return body, true
}

// strictDecode rejects unknown fields and trailing data so SDK and server
// cannot drift silently.
func strictDecode(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after the JSON body")
	}
	return nil
}

// writeGatewayError maps orchestrator errors to the stable taxonomy.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		WriteDeadlineExceeded(w)
	case errors.Is(err, gateway.ErrAuthMismatch):
		WriteForbidden(w, "manifest identity does not match credentials")
	case errors.Is(err, ledger.ErrNotFound):
		WriteNotFound(w, "seal not found")
	case errors.Is(err, gateway.ErrSealExpired):
		WriteProblem(w, http.StatusConflict, CodeSealExpired, "seal has expired", nil)
	case errors.Is(err, gateway.ErrSealNotApproved):
		WriteProblem(w, http.StatusConflict, CodeSealNotApproved,
			"a denied seal cannot be executed", nil)
	case errors.Is(err, ledger.ErrDuplicateManifest):
		// Second collision in a row; the client cannot fix this.
		WriteProblem(w, http.StatusInternalServerError, CodeManifestConflict,
			"manifest id collision persisted after retry", nil)
	case errors.Is(err, gateway.ErrLedgerUnavailable):
		WriteProblem(w, http.StatusServiceUnavailable, CodeLedgerUnavailable,
			"audit ledger unavailable", nil)
	default:
		WriteInternal(w, s.log, err)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	WriteNotFound(w, "no such endpoint")
}
