package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
)

func TestHTTPCatalogFindByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/resources/gpu-1" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(model.Resource{
			ID:           "gpu-1",
			Provider:     "0xprovider",
			PricePerHour: decimal.RequireFromString("0.10"),
			CPU:          8,
			ResourceType: "gpu",
			IsActive:     true,
		})
	}))
	defer srv.Close()

	c := NewHTTPCatalog(config.CatalogConfig{URL: srv.URL + "/", Timeout: time.Second}, config.CircuitBreakerConfig{MaxFailures: 1})

	res, err := c.FindByID(context.Background(), "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, "0xprovider", res.Provider)
	assert.True(t, decimal.RequireFromString("0.1").Equal(res.PricePerHour))

	_, err = c.FindByID(context.Background(), "missing")
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))

	// Not found does not trip the breaker.
	_, err = c.FindByID(context.Background(), "gpu-1")
	assert.NoError(t, err)
}

func TestHTTPCatalogUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPCatalog(config.CatalogConfig{URL: srv.URL, Timeout: time.Second}, config.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})

	_, err := c.FindByID(context.Background(), "gpu-1")
	assert.Equal(t, apierrors.KindUpstreamFailure, apierrors.KindOf(err))

	_, err = c.FindByID(context.Background(), "gpu-1")
	assert.Equal(t, apierrors.KindUpstreamFailure, apierrors.KindOf(err))
}

type countingCatalog struct {
	inner Catalog
	calls atomic.Int32
}

func (c *countingCatalog) FindByID(ctx context.Context, id string) (*model.Resource, error) {
	c.calls.Add(1)
	return c.inner.FindByID(ctx, id)
}

func TestCachedCatalog(t *testing.T) {
	inner := &countingCatalog{inner: NewStaticCatalog(&model.Resource{ID: "r1", IsActive: true})}
	c := NewCached(inner, 16, time.Minute)

	for i := 0; i < 3; i++ {
		r, err := c.FindByID(context.Background(), "r1")
		require.NoError(t, err)
		assert.Equal(t, "r1", r.ID)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	_, err := c.FindByID(context.Background(), "nope")
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
}
