package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/realtime"
	"github.com/rentgrid/backend/internal/repository"
)

// AlertEvaluator turns samples into alerts.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, resourceID string, sample *model.MetricsSample) ([]*model.Alert, error)
	Active(ctx context.Context, resourceID string) ([]*model.Alert, error)
}

// window holds the most recent samples of one resource, oldest first.
type window struct {
	mu      sync.Mutex
	loaded  bool
	samples []*model.MetricsSample
}

// stale reports whether s is older than the newest sample held. The caller
// holds w.mu.
func (w *window) stale(s *model.MetricsSample) bool {
	n := len(w.samples)
	return n > 0 && s.Timestamp.Before(w.samples[n-1].Timestamp)
}

// push appends s and returns the window contents. The caller holds w.mu.
func (w *window) push(s *model.MetricsSample, size int) []*model.MetricsSample {
	w.samples = append(w.samples, s)
	if len(w.samples) > size {
		w.samples = append([]*model.MetricsSample(nil), w.samples[len(w.samples)-size:]...)
	}
	return w.snapshot()
}

func (w *window) snapshot() []*model.MetricsSample {
	return append([]*model.MetricsSample(nil), w.samples...)
}

// Monitor ingests metric samples and derives resource health.
type Monitor struct {
	samples   repository.MetricsRepository
	alerts    AlertEvaluator
	publisher realtime.Publisher
	windows   *lru.Cache[string, *window]
	size      int
	logger    *slog.Logger
	now       func() time.Time
}

// NewMonitor creates a Monitor keeping cfg.SampleWindow samples for at most
// cfg.MaxResources resources in memory.
func NewMonitor(samples repository.MetricsRepository, alerts AlertEvaluator, publisher realtime.Publisher, cfg config.MonitoringConfig, logger *slog.Logger) (*Monitor, error) {
	maxResources := cfg.MaxResources
	if maxResources < 1 {
		maxResources = 10000
	}
	windows, err := lru.New[string, *window](maxResources)
	if err != nil {
		return nil, fmt.Errorf("create sample window cache: %w", err)
	}
	size := cfg.SampleWindow
	if size < 1 {
		size = 10
	}
	return &Monitor{
		samples:   samples,
		alerts:    alerts,
		publisher: publisher,
		windows:   windows,
		size:      size,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func validSample(s *model.MetricsSample) error {
	if s.ResourceID == "" {
		return apierrors.Validation("resource id is required")
	}
	for name, v := range map[string]float64{
		"cpu_usage":    s.CPUUsage,
		"memory_usage": s.MemoryUsage,
		"disk_usage":   s.DiskUsage,
		"availability": s.Availability,
	} {
		if v < 0 || v > 100 {
			return apierrors.Validation("%s must be between 0 and 100, got %v", name, v)
		}
	}
	if s.ResponseTime < 0 || s.NetworkIn < 0 || s.NetworkOut < 0 || s.Cost < 0 {
		return apierrors.Validation("response_time, network and cost must not be negative")
	}
	return nil
}

// window returns the sample window of a resource, loading it from storage
// on first use.
func (m *Monitor) window(ctx context.Context, resourceID string) (*window, error) {
	w := &window{}
	if prev, ok, _ := m.windows.PeekOrAdd(resourceID, w); ok {
		w = prev
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loaded {
		return w, nil
	}
	recent, err := m.samples.Recent(ctx, resourceID, m.size)
	if err != nil {
		return nil, fmt.Errorf("load recent samples: %w", err)
	}
	w.samples = w.samples[:0]
	for i := len(recent) - 1; i >= 0; i-- {
		w.samples = append(w.samples, recent[i])
	}
	w.loaded = true
	return w, nil
}

// Ingest stores a sample, evaluates alert thresholds and publishes the new
// health of the resource. Samples are last-write-wins by timestamp per
// resource: one older than the newest held is dropped and the current
// health is returned unchanged.
func (m *Monitor) Ingest(ctx context.Context, sample *model.MetricsSample) (*model.ResourceHealth, error) {
	if err := validSample(sample); err != nil {
		return nil, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.now()
	}

	w, err := m.window(ctx, sample.ResourceID)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.stale(sample) {
		recent := w.snapshot()
		w.mu.Unlock()
		m.logger.Debug("stale sample ignored", "resource_id", sample.ResourceID, "timestamp", sample.Timestamp)
		return m.derive(ctx, sample.ResourceID, recent), nil
	}
	if err := m.samples.Append(ctx, sample); err != nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("store sample: %w", err)
	}
	recent := w.push(sample, m.size)
	w.mu.Unlock()

	if m.alerts != nil {
		if _, err := m.alerts.Evaluate(ctx, sample.ResourceID, sample); err != nil {
			m.logger.Error("alert evaluation failed", "resource_id", sample.ResourceID, "error", err)
		}
	}

	health := m.derive(ctx, sample.ResourceID, recent)
	if m.publisher != nil {
		m.publisher.Publish(realtime.MetricsTopic(sample.ResourceID), realtime.EventMetrics, sample)
		m.publisher.Publish(realtime.HealthTopic(sample.ResourceID), realtime.EventHealth, health)
	}
	return health, nil
}

func (m *Monitor) derive(ctx context.Context, resourceID string, samples []*model.MetricsSample) *model.ResourceHealth {
	avg := Averages(samples)
	score := HealthScore(avg)
	status := StatusFor(score)
	if avg.Samples == 0 {
		status = model.HealthStatusOffline
	}

	health := &model.ResourceHealth{
		ResourceID:   resourceID,
		Status:       status,
		Score:        score,
		Averages:     avg,
		ActiveAlerts: []*model.Alert{},
		LastUpdated:  m.now(),
	}
	if n := len(samples); n > 0 {
		health.LastUpdated = samples[n-1].Timestamp
	}
	if m.alerts != nil {
		active, err := m.alerts.Active(ctx, resourceID)
		if err != nil {
			m.logger.Warn("active alert lookup failed", "resource_id", resourceID, "error", err)
		} else if active != nil {
			health.ActiveAlerts = active
		}
	}
	return health
}

// Health returns the current health of a resource. A resource with no
// samples is offline with a score of 0.
func (m *Monitor) Health(ctx context.Context, resourceID string) (*model.ResourceHealth, error) {
	w, err := m.window(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	samples := w.snapshot()
	w.mu.Unlock()
	return m.derive(ctx, resourceID, samples), nil
}

// RecentMetrics returns up to limit stored samples, newest first.
func (m *Monitor) RecentMetrics(ctx context.Context, resourceID string, limit int) ([]*model.MetricsSample, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	samples, err := m.samples.Recent(ctx, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent samples: %w", err)
	}
	return samples, nil
}
