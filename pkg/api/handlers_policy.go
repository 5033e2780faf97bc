package api

import (
	"context"
	"net/http"

	"github.com/relaysec/relay/pkg/identity"
)

// PolicyReloader recompiles the active policy and installs it on the
// decision point. Implementations decide the source: a local file, the
// artifact store's current bundle, or both.
type PolicyReloader interface {
	Reload(ctx context.Context) (version string, err error)
}

// handlePolicyReload swaps the active policy without a restart. Admin-only
// when auth is enabled.
func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	if s.cfg.Reloader == nil {
		WriteNotFound(w, "policy reload is not configured")
		return
	}
	if s.cfg.AuthRequired {
		caller := s.mustAuth(w, r)
		if caller == nil {
			return
		}
		if caller.Scope != identity.ScopeAdmin {
			WriteForbidden(w, "policy reload requires an admin token")
			return
		}
	}

	version, err := s.cfg.Reloader.Reload(r.Context())
	if err != nil {
		s.log.Error("policy reload failed", "error", err)
		WriteProblem(w, http.StatusInternalServerError, CodeInternal,
			"policy reload failed", nil)
		return
	}
	s.log.Info("policy reloaded", "policy_version", version)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "reloaded",
		"policy_version": version,
	})
}
