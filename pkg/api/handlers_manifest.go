package api

import (
	"errors"
	"net/http"

	"github.com/relaysec/relay/pkg/manifest"
	"github.com/relaysec/relay/pkg/pdp"
)

// handleValidate is the hot path: schema check, optional auth consistency,
// policy evaluation, seal issuance, ledger append.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	sub, err := manifest.ParseSubmission(body)
	if err != nil {
		var se *manifest.SchemaError
		if errors.As(err, &se) {
			WriteSchemaViolation(w, se)
			return
		}
		WriteInvalidRequest(w, err.Error())
		return
	}

	caller := AuthFrom(r.Context())
	if s.cfg.AuthRequired && caller == nil {
		WriteUnauthorized(w, "bearer token or API key required")
		return
	}

	res, err := s.gw.Validate(r.Context(), sub, body, caller, clientIP(r))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleVerifySeal lets a downstream executor check a seal without trusting
// the caller that presented it.
func (s *Server) handleVerifySeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	sealID := r.URL.Query().Get("seal_id")
	if sealID == "" {
		WriteInvalidRequest(w, "seal_id query parameter is required")
		return
	}

	v, err := s.gw.VerifySeal(r.Context(), sealID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleMarkExecuted consumes an approved seal. The second call for the
// same seal is a 409 carrying the original execution time.
func (s *Server) handleMarkExecuted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	sealID := r.URL.Query().Get("seal_id")
	if sealID == "" {
		WriteInvalidRequest(w, "seal_id query parameter is required")
		return
	}

	mark, err := s.gw.MarkExecuted(r.Context(), sealID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	if !mark.Marked {
		WriteProblem(w, http.StatusConflict, CodeSealAlreadyExecuted,
			"seal has already been executed", map[string]any{
				"seal_id":          mark.SealID,
				"already_executed": true,
				"executed_at":      mark.ExecutedAt,
			})
		return
	}
	writeJSON(w, http.StatusOK, mark)
}

type engineHealth struct {
	Status          string `json:"status"`
	EngineAvailable bool   `json:"engine_available"`
	PolicyVersion   string `json:"policy_version"`
	PolicyLoaded    bool   `json:"policy_loaded"`
}

// handleManifestHealth reports the decision point's view of the world.
func (s *Server) handleManifestHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	engine := s.gw.PDP()
	available := engine.Healthy(r.Context())
	version := engine.PolicyVersion()

	h := &engineHealth{
		Status:          "healthy",
		EngineAvailable: available,
		PolicyVersion:   version,
		PolicyLoaded:    version != pdp.VersionUnknown,
	}
	if !available || !h.PolicyLoaded {
		h.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, h)
}
