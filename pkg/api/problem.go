package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/relaysec/relay/pkg/manifest"
)

// Stable error codes. Clients branch on these, never on message text.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeSchemaViolation     = "schema_violation"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeSealAlreadyExecuted = "seal_already_executed"
	CodeSealExpired         = "seal_expired"
	CodeSealNotApproved     = "seal_not_approved"
	CodeManifestConflict    = "manifest_conflict"
	CodePayloadTooLarge     = "payload_too_large"
	CodeRateLimited         = "rate_limited"
	CodeBackpressure        = "backpressure"
	CodeDeadlineExceeded    = "deadline_exceeded"
	CodeLedgerUnavailable   = "ledger_unavailable"
	CodeInternal            = "internal"
)

// Problem is the compact error shape every endpoint returns.
type Problem struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.ErrorCode, p.Message)
}

// WriteProblem writes one error response.
func WriteProblem(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, &Problem{ErrorCode: code, Message: message, Details: details})
}

// WriteInvalidRequest writes a 400 for anything malformed other than a
// schema violation.
func WriteInvalidRequest(w http.ResponseWriter, message string) {
	WriteProblem(w, http.StatusBadRequest, CodeInvalidRequest, message, nil)
}

// WriteSchemaViolation writes a 400 carrying the offending field path.
func WriteSchemaViolation(w http.ResponseWriter, se *manifest.SchemaError) {
	var details any
	if se.Field != "" {
		details = map[string]string{"field": se.Field}
	}
	WriteProblem(w, http.StatusBadRequest, CodeSchemaViolation, se.Message, details)
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteProblem(w, http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// WriteForbidden writes a 403.
func WriteForbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "insufficient permissions"
	}
	WriteProblem(w, http.StatusForbidden, CodeForbidden, message, nil)
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteProblem(w, http.StatusNotFound, CodeNotFound, message, nil)
}

// WriteMethodNotAllowed writes a 405.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteProblem(w, http.StatusMethodNotAllowed, CodeInvalidRequest,
		"the HTTP method is not supported for this endpoint", nil)
}

// WritePayloadTooLarge writes a 413.
func WritePayloadTooLarge(w http.ResponseWriter, limit int64) {
	WriteProblem(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
		fmt.Sprintf("request body exceeds %d bytes", limit), nil)
}

// WriteRateLimited writes a 429 with a Retry-After hint.
func WriteRateLimited(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteProblem(w, http.StatusTooManyRequests, CodeRateLimited,
		"rate limit exceeded, retry after the indicated interval", nil)
}

// WriteBackpressure writes a 503 with a Retry-After hint.
func WriteBackpressure(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	WriteProblem(w, http.StatusServiceUnavailable, CodeBackpressure,
		"server is at capacity", nil)
}

// WriteDeadlineExceeded writes a 504.
func WriteDeadlineExceeded(w http.ResponseWriter) {
	WriteProblem(w, http.StatusGatewayTimeout, CodeDeadlineExceeded,
		"the request deadline was exceeded", nil)
}

// WriteInternal writes a 500. The error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, log *slog.Logger, err error) {
	if log == nil {
		log = slog.Default()
	}
	log.Error("internal server error", "error", err)
	WriteProblem(w, http.StatusInternalServerError, CodeInternal,
		"an unexpected error occurred", nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
