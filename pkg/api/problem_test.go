package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaysec/relay/pkg/manifest"
)

func TestWriteProblem_Shape(t *testing.T) {
	w := httptest.NewRecorder()
	WriteProblem(w, http.StatusConflict, CodeSealAlreadyExecuted,
		"seal has already been executed", map[string]any{"seal_id": "abc"})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	p := decodeProblem(t, w.Body.Bytes())
	assert.Equal(t, CodeSealAlreadyExecuted, p.ErrorCode)
	assert.Equal(t, "seal has already been executed", p.Message)
	details, ok := p.Details.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "abc", details["seal_id"])
}

func TestWriteProblem_OmitsEmptyDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNotFound(w, "seal not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), "details")
}

func TestWriteSchemaViolation_CarriesFieldPath(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSchemaViolation(w, &manifest.SchemaError{
		Field:   "justification.confidence_score",
		Message: "must be <= 1",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	p := decodeProblem(t, w.Body.Bytes())
	assert.Equal(t, CodeSchemaViolation, p.ErrorCode)
	details, _ := p.Details.(map[string]any)
	assert.Equal(t, "justification.confidence_score", details["field"])
}

func TestWriteRateLimited_SetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	WriteRateLimited(w, 5)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, decodeProblem(t, w.Body.Bytes()).ErrorCode)
}

func TestWriteInternal_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternal(w, nil, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func TestProblem_ErrorString(t *testing.T) {
	p := &Problem{ErrorCode: CodeForbidden, Message: "nope"}
	assert.Equal(t, "forbidden: nope", p.Error())
}
