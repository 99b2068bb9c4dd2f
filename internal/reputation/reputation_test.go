package reputation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/config"
)

func TestReviewDelta(t *testing.T) {
	assert.Equal(t, 20, ReviewDelta(5))
	assert.Equal(t, 0, ReviewDelta(3))
	assert.Equal(t, -20, ReviewDelta(1))
}

func TestHTTPNotifierApply(t *testing.T) {
	var got deltaPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reputation/deltas", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(config.ReputationConfig{URL: srv.URL, Timeout: time.Second})
	require.NoError(t, n.Apply(context.Background(), "0xprovider", 20, "review"))
	assert.Equal(t, deltaPayload{Address: "0xprovider", Delta: 20, Reason: "review"}, got)
}

func TestHTTPNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(config.ReputationConfig{URL: srv.URL, Timeout: time.Second})
	err := n.Apply(context.Background(), "0xa", -10, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
