package api

import "net/http"

// handleRoot is the service-discovery document.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": s.cfg.ServiceName,
		"version": s.cfg.Version,
		"status":  "operational",
		"endpoints": map[string]string{
			"validate":        "POST /v1/manifest/validate",
			"verify_seal":     "GET /v1/seal/verify?seal_id=...",
			"mark_executed":   "POST /v1/seal/mark-executed?seal_id=...",
			"audit_query":     "GET /v1/audit/query",
			"audit_stats":     "GET /v1/audit/stats",
			"register_org":    "POST /v1/orgs/register",
			"get_org":         "GET /v1/orgs/{org_id}",
			"register_agent":  "POST /v1/agents/register",
			"list_agents":     "GET /v1/agents",
			"health":          "GET /health",
			"manifest_health": "GET /v1/manifest/health",
		},
	})
}

type healthResponse struct {
	Status       string `json:"status"`
	Database     string `json:"database"`
	PolicyEngine string `json:"policy_engine"`
	Version      string `json:"version"`
}

// handleHealth is the liveness probe with dependency status. Always 200;
// orchestrators read the body, load balancers only need the socket.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	h := &healthResponse{
		Status:       "healthy",
		Database:     "connected",
		PolicyEngine: "available",
		Version:      s.cfg.Version,
	}
	if !s.gw.Ledger().Healthy(r.Context()) {
		h.Status = "degraded"
		h.Database = "unavailable"
	}
	if !s.gw.PDP().Healthy(r.Context()) {
		h.Status = "degraded"
		h.PolicyEngine = "unavailable"
	}
	writeJSON(w, http.StatusOK, h)
}
