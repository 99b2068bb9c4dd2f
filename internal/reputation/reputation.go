// Package reputation forwards reputation deltas to the reputation service.
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rentgrid/backend/internal/config"
)

// Notifier applies a reputation delta to an address.
type Notifier interface {
	Apply(ctx context.Context, address string, delta int, reason string) error
}

// ReviewDelta is the reputation change caused by a review with the given rating.
func ReviewDelta(rating int) int {
	return (rating - 3) * 10
}

// HTTPNotifier posts deltas to the reputation service.
type HTTPNotifier struct {
	url        string
	httpClient *http.Client
}

// NewHTTPNotifier creates a new HTTPNotifier.
func NewHTTPNotifier(cfg config.ReputationConfig) *HTTPNotifier {
	return &HTTPNotifier{
		url:        strings.TrimRight(cfg.URL, "/") + "/reputation/deltas",
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type deltaPayload struct {
	Address string `json:"address"`
	Delta   int    `json:"delta"`
	Reason  string `json:"reason,omitempty"`
}

func (n *HTTPNotifier) Apply(ctx context.Context, address string, delta int, reason string) error {
	body, err := json.Marshal(deltaPayload{Address: address, Delta: delta, Reason: reason})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post reputation delta: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("reputation service returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// Noop discards deltas.
type Noop struct{}

func (Noop) Apply(ctx context.Context, address string, delta int, reason string) error { return nil }
