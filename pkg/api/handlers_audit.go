package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/relaysec/relay/pkg/ledger"
)

// auditFilter parses the shared query parameters and applies org scoping.
// When auth is required the filter is forced to the caller's org; an
// explicit mismatching org_id is a 403 and leaves an audit trail of its
// own. Returns false after writing the error response.
func (s *Server) auditFilter(w http.ResponseWriter, r *http.Request) (ledger.Filter, bool) {
	var f ledger.Filter
	q := r.URL.Query()

	f.OrgID = q.Get("org_id")
	f.AgentID = q.Get("agent_id")
	f.Provider = q.Get("provider")

	if v := q.Get("approved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteInvalidRequest(w, "approved must be true or false")
			return f, false
		}
		f.Approved = &b
	}
	var ok bool
	if f.Since, ok = parseTimeParam(w, q.Get("since"), "since"); !ok {
		return f, false
	}
	if f.Until, ok = parseTimeParam(w, q.Get("until"), "until"); !ok {
		return f, false
	}
	if f.Limit, ok = parseIntParam(w, q.Get("limit"), "limit"); !ok {
		return f, false
	}
	if f.Offset, ok = parseIntParam(w, q.Get("offset"), "offset"); !ok {
		return f, false
	}

	if s.cfg.AuthRequired {
		caller := s.mustAuth(w, r)
		if caller == nil {
			return f, false
		}
		if f.OrgID != "" && f.OrgID != caller.OrgID {
			s.scopeDenied(r, caller.AgentID, caller.OrgID, f.OrgID)
			WriteForbidden(w, "token is not scoped to this organization")
			return f, false
		}
		f.OrgID = caller.OrgID
	}
	return f, true
}

func parseTimeParam(w http.ResponseWriter, v, name string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		WriteInvalidRequest(w, name+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}

func parseIntParam(w http.ResponseWriter, v, name string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		WriteInvalidRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) scopeDenied(r *http.Request, agentID, ownOrg, requested string) {
	ev := &ledger.AuthEvent{
		EventType:     ledger.EventAuditScopeDenied,
		AgentID:       agentID,
		OrgID:         ownOrg,
		Endpoint:      r.URL.Path,
		IP:            clientIP(r),
		Success:       false,
		FailureReason: fmt.Sprintf("requested audit records of %s", requested),
	}
	if err := s.gw.Ledger().AppendAuthEvent(r.Context(), ev); err != nil {
		s.log.Warn("auth event not recorded", "error", err)
	}
}

// handleAuditQuery returns one page of decision records, newest first.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	f, ok := s.auditFilter(w, r)
	if !ok {
		return
	}

	res, err := s.gw.Ledger().Query(r.Context(), f)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAuditStats aggregates the filtered decision window.
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	f, ok := s.auditFilter(w, r)
	if !ok {
		return
	}

	stats, err := s.gw.Ledger().Stats(r.Context(), f)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		WriteDeadlineExceeded(w)
		return
	}
	s.log.Error("audit read failed", "error", err)
	WriteProblem(w, http.StatusServiceUnavailable, CodeLedgerUnavailable,
		"audit ledger unavailable", nil)
}
