package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/correlation"
)

func TestKindsMatchSentinels(t *testing.T) {
	err := fmt.Errorf("create booking: %w", Conflict("resource %s is already booked", "r1"))

	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))

	cause := errors.New("dial tcp: refused")
	up := Upstream(cause, "escrow relayer unavailable")
	assert.ErrorIs(t, up, ErrUpstreamFailure)
	assert.ErrorIs(t, up, cause)
	assert.Contains(t, up.Error(), "dial tcp: refused")
}

func TestFromError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{NotFound("booking %s not found", "b1"), http.StatusNotFound, "NOT_FOUND"},
		{Conflict("taken"), http.StatusConflict, "CONFLICT"},
		{Forbidden("not a party"), http.StatusForbidden, "FORBIDDEN"},
		{InvalidTransition("pending to completed"), http.StatusConflict, "INVALID_TRANSITION"},
		{Upstream(errors.New("x"), "relayer"), http.StatusBadGateway, "UPSTREAM_FAILURE"},
		{Validation("rating must be between 1 and 5"), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{NewBadRequestError("bad"), http.StatusBadRequest, "BAD_REQUEST"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			api := FromError(tt.err)
			assert.Equal(t, tt.status, api.StatusCode)
			assert.Equal(t, tt.code, api.Code)
		})
	}

	assert.Equal(t, "booking b1 not found", FromError(NotFound("booking %s not found", "b1")).Message)
	assert.Equal(t, "An unexpected error occurred", FromError(errors.New("pq: secret detail")).Message)
}

func TestWriteIncludesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(correlation.WithID(req.Context(), "corr-7"))
	rec := httptest.NewRecorder()

	FromError(Forbidden("nope")).Write(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "corr-7", body["request_id"])
	assert.Equal(t, "nope", body["message"])
}

func TestErrorHandlerRecovers(t *testing.T) {
	h := ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
