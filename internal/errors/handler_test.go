package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
	"licensegate/internal/purchase"
)

func newTestHandler(includeStack bool) *ErrorHandler {
	return NewErrorHandler(slog.New(slog.NewJSONHandler(io.Discard, nil)), includeStack)
}

func TestErrorToProblem(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{"invalid purchase", fmt.Errorf("wrap: %w", purchase.ErrInvalidPurchase), http.StatusBadRequest, TypeInvalidPurchase, ""},
		{"sale in flight", fmt.Errorf("reserve: %w", purchase.ErrSaleInFlight), http.StatusConflict, TypeSaleInFlight, ""},
		{"issuance", fmt.Errorf("sale 1: %w", license.ErrIssuance), http.StatusInternalServerError, TypeIssuanceFailed, license.ErrCodeIssuance},
		{"key config", license.ErrConfig, http.StatusServiceUnavailable, TypeKeyConfig, license.ErrCodeConfig},
		{"expired", license.ErrExpired, http.StatusUnprocessableEntity, TypeLicenseInvalid, license.ErrCodeExpired},
		{"wrong product", license.ErrWrongProduct, http.StatusUnprocessableEntity, TypeLicenseInvalid, license.ErrCodeWrongProduct},
		{"malformed", license.ErrMalformed, http.StatusUnprocessableEntity, TypeLicenseInvalid, license.ErrCodeMalformed},
		{"timeout", fmt.Errorf("issue: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, TypeTimeout, ""},
		{"api error", ErrValidation("identity", "identity is required"), http.StatusBadRequest, TypeValidation, "VALIDATION_FAILED"},
		{"too large", PayloadTooLarge(1024), http.StatusRequestEntityTooLarge, TypePayloadTooLarge, "PAYLOAD_TOO_LARGE"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, TypeInternal, ""},
	}

	h := newTestHandler(false)
	req := httptest.NewRequest(http.MethodPost, "/issue", nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problem := h.ErrorToProblem(tt.err, req)
			assert.Equal(t, tt.wantStatus, problem.Status)
			assert.Equal(t, tt.wantType, problem.Type)
			assert.Equal(t, "/issue", problem.Instance)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, problem.Extensions["error_code"])
			} else {
				assert.NotContains(t, problem.Extensions, "error_code")
			}
		})
	}
}

func TestHandleError_WritesProblemJSON(t *testing.T) {
	h := newTestHandler(false)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/webhook/purchase", nil)

	h.HandleError(w, r, purchase.ErrInvalidPurchase)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, TypeInvalidPurchase, body["type"])
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
	assert.Equal(t, "/webhook/purchase", body["instance"])
	assert.Contains(t, body, "trace_id")
	assert.NotContains(t, body, "stack")
}

func TestHandleError_Nil(t *testing.T) {
	w := httptest.NewRecorder()
	newTestHandler(false).HandleError(w, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandlePanic(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/issue", nil)

	newTestHandler(true).HandlePanic(w, r, "kaboom")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "kaboom", body["panic"])
	assert.Contains(t, body, "stack")
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	h := newTestHandler(false)

	w := httptest.NewRecorder()
	h.NotFound(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.MethodNotAllowed(w, httptest.NewRequest(http.MethodDelete, "/issue", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), "Method DELETE is not allowed")
}

func TestProblemDetails_MarshalJSON(t *testing.T) {
	problem := NewProblemDetails(http.StatusConflict, TypeConflict, "Conflict", "", "").
		WithExtension("retry_after", 1).
		WithExtension("status", 999)

	data, err := json.Marshal(problem)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, float64(http.StatusConflict), body["status"], "standard fields win over extensions")
	assert.Equal(t, float64(1), body["retry_after"])
	assert.NotContains(t, body, "detail")
	assert.NotContains(t, body, "instance")
}
