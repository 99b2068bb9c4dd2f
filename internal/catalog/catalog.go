// Package catalog resolves rentable resources from the resource catalog service.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/breaker"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
)

// Catalog looks up resources by id.
type Catalog interface {
	FindByID(ctx context.Context, resourceID string) (*model.Resource, error)
}

// HTTPCatalog reads resources from the catalog REST API.
type HTTPCatalog struct {
	baseURL    string
	httpClient *http.Client
	cb         *breaker.CircuitBreaker
}

// NewHTTPCatalog creates a new HTTPCatalog.
func NewHTTPCatalog(cfg config.CatalogConfig, cbCfg config.CircuitBreakerConfig) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cb: breaker.New(cbCfg),
	}
}

func (c *HTTPCatalog) FindByID(ctx context.Context, resourceID string) (*model.Resource, error) {
	var res model.Resource
	err := c.cb.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/resources/"+url.PathEscape(resourceID), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apierrors.Upstream(err, "resource catalog unavailable")
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return apierrors.NotFound("resource %s not found", resourceID)
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return apierrors.Upstream(fmt.Errorf("status %d: %s", resp.StatusCode, body), "resource catalog returned an error")
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return apierrors.Upstream(err, "resource catalog returned a malformed response")
		}
		return nil
	}, func(err error) bool {
		return apierrors.KindOf(err) == apierrors.KindNotFound
	})
	if errors.Is(err, breaker.ErrOpen) {
		return nil, apierrors.Upstream(err, "resource catalog unavailable")
	}
	if err != nil {
		return nil, err
	}
	if res.ID == "" {
		res.ID = resourceID
	}
	return &res, nil
}

// StaticCatalog serves resources from memory.
type StaticCatalog struct {
	mu        sync.RWMutex
	resources map[string]*model.Resource
}

// NewStaticCatalog creates a StaticCatalog holding resources.
func NewStaticCatalog(resources ...*model.Resource) *StaticCatalog {
	c := &StaticCatalog{resources: make(map[string]*model.Resource)}
	for _, r := range resources {
		c.Put(r)
	}
	return c
}

// Put adds or replaces a resource.
func (c *StaticCatalog) Put(r *model.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *r
	c.resources[r.ID] = &cp
}

func (c *StaticCatalog) FindByID(ctx context.Context, resourceID string) (*model.Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resources[resourceID]
	if !ok {
		return nil, apierrors.NotFound("resource %s not found", resourceID)
	}
	cp := *r
	return &cp, nil
}

// Cached wraps a Catalog with a bounded read-through cache. Entries expire
// after ttl.
type Cached struct {
	next  Catalog
	cache *expirable.LRU[string, model.Resource]
}

// NewCached wraps next with a cache of at most size entries.
func NewCached(next Catalog, size int, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: expirable.NewLRU[string, model.Resource](size, nil, ttl)}
}

func (c *Cached) FindByID(ctx context.Context, resourceID string) (*model.Resource, error) {
	if r, ok := c.cache.Get(resourceID); ok {
		return &r, nil
	}
	r, err := c.next.FindByID(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(resourceID, *r)
	return r, nil
}
