package alerts

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/catalog"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/repository"
)

type published struct {
	topic     string
	eventType string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(topic, eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic, eventType})
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.topic)
	}
	return out
}

type chanNotifier chan *model.Alert

func (c chanNotifier) SendResourceAlert(ctx context.Context, alert *model.Alert, provider string) error {
	c <- alert
	return nil
}

type fixture struct {
	mgr   *Manager
	repo  *repository.MemoryAlertRepository
	pub   *recordingPublisher
	clock time.Time
}

func newFixture(t *testing.T, cfg Config, notifier Notifier) *fixture {
	t.Helper()
	repo := repository.NewMemoryAlertRepository()
	pub := &recordingPublisher{}
	cat := catalog.NewStaticCatalog(&model.Resource{ID: "res-1", Provider: "0xprovider", PricePerHour: decimal.RequireFromString("0.10"), IsActive: true})
	f := &fixture{
		repo:  repo,
		pub:   pub,
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mgr = NewManager(repo, cfg, Deps{Catalog: cat, Notifier: notifier, Publisher: pub}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.mgr.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func defaultConfig() Config {
	return Config{Thresholds: config.DefaultThresholds()}
}

func TestRaiseValidates(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	ctx := context.Background()

	_, err := f.mgr.Raise(ctx, RaiseRequest{ResourceID: "res-1", Type: "weather", Severity: model.SeverityLow})
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	_, err = f.mgr.Raise(ctx, RaiseRequest{ResourceID: "res-1", Type: model.AlertTypeCost, Severity: "urgent"})
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	_, err = f.mgr.Raise(ctx, RaiseRequest{
		ResourceID: "res-1",
		Type:       model.AlertTypeCost,
		Severity:   model.SeverityLow,
		Detail:     model.SecurityDetail{Finding: "open port"},
	})
	assert.ErrorIs(t, err, apierrors.ErrValidation)
}

func TestRaisePublishesAndNotifies(t *testing.T) {
	notes := make(chanNotifier, 1)
	f := newFixture(t, defaultConfig(), notes)

	alert, err := f.mgr.Raise(context.Background(), RaiseRequest{
		ResourceID: "res-1",
		Type:       model.AlertTypeSecurity,
		Severity:   model.SeverityHigh,
		Message:    "SSH open to the world",
		Detail:     model.SecurityDetail{Finding: "0.0.0.0/0:22", Source: "scanner"},
	})
	require.NoError(t, err)
	assert.False(t, alert.Resolved)
	assert.Equal(t, []string{"alerts", "alerts:0xprovider"}, f.pub.topics())

	select {
	case got := <-notes:
		assert.Equal(t, alert.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("high severity alert was not forwarded")
	}
}

func TestEvaluateDoesNotDeduplicate(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	ctx := context.Background()
	sample := &model.MetricsSample{ResourceID: "res-1", CPUUsage: 96, MemoryUsage: 50, DiskUsage: 10, Availability: 99.95}

	for i := 0; i < 3; i++ {
		raised, err := f.mgr.Evaluate(ctx, "res-1", sample)
		require.NoError(t, err)
		require.Len(t, raised, 1)
		f.advance(30 * time.Second)
	}

	active, err := f.mgr.Active(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, active, 3)
	for _, a := range active {
		assert.Equal(t, model.SeverityCritical, a.Severity)
		assert.Equal(t, model.PerformanceDetail{Metric: "cpu", Value: 96, Threshold: 95}, a.Detail)
	}
	assert.True(t, active[0].Timestamp.After(active[2].Timestamp), "newest first")
}

func TestEvaluateThresholdTable(t *testing.T) {
	tests := []struct {
		name   string
		sample model.MetricsSample
		want   map[string]model.Severity
	}{
		{"quiet", model.MetricsSample{CPUUsage: 80, MemoryUsage: 85, DiskUsage: 90, Availability: 99}, map[string]model.Severity{}},
		{"cpu warning", model.MetricsSample{CPUUsage: 81, Availability: 100}, map[string]model.Severity{"cpu": model.SeverityMedium}},
		{"memory critical", model.MetricsSample{MemoryUsage: 95.5, Availability: 100}, map[string]model.Severity{"memory": model.SeverityCritical}},
		{"disk warning", model.MetricsSample{DiskUsage: 91, Availability: 100}, map[string]model.Severity{"disk": model.SeverityMedium}},
		{"availability warning", model.MetricsSample{Availability: 98.5}, map[string]model.Severity{"availability": model.SeverityMedium}},
		{"availability critical", model.MetricsSample{Availability: 90}, map[string]model.Severity{"availability": model.SeverityCritical}},
		{"everything", model.MetricsSample{CPUUsage: 99, MemoryUsage: 99, DiskUsage: 99, Availability: 10}, map[string]model.Severity{
			"cpu": model.SeverityCritical, "memory": model.SeverityCritical, "disk": model.SeverityCritical, "availability": model.SeverityCritical,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make(map[string]model.Severity)
			for _, b := range breaches(config.DefaultThresholds(), &tt.sample) {
				got[b.metric] = b.severity
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateSuppressionWindow(t *testing.T) {
	cfg := defaultConfig()
	cfg.Thresholds.SuppressionWindow = time.Minute
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	sample := &model.MetricsSample{CPUUsage: 96, Availability: 100}

	raised, err := f.mgr.Evaluate(ctx, "res-1", sample)
	require.NoError(t, err)
	assert.Len(t, raised, 1)

	f.advance(30 * time.Second)
	raised, err = f.mgr.Evaluate(ctx, "res-1", sample)
	require.NoError(t, err)
	assert.Empty(t, raised)

	f.advance(31 * time.Second)
	raised, err = f.mgr.Evaluate(ctx, "res-1", sample)
	require.NoError(t, err)
	assert.Len(t, raised, 1)
}

func TestEvaluateAutoResolve(t *testing.T) {
	cfg := defaultConfig()
	cfg.AutoResolve = true
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	_, err := f.mgr.Evaluate(ctx, "res-1", &model.MetricsSample{CPUUsage: 96, DiskUsage: 96, Availability: 100})
	require.NoError(t, err)
	manual, err := f.mgr.Raise(ctx, RaiseRequest{ResourceID: "res-1", Type: model.AlertTypeCost, Severity: model.SeverityLow})
	require.NoError(t, err)

	f.advance(time.Minute)
	_, err = f.mgr.Evaluate(ctx, "res-1", &model.MetricsSample{CPUUsage: 20, DiskUsage: 96, Availability: 100})
	require.NoError(t, err)

	active, err := f.mgr.Active(ctx, "res-1")
	require.NoError(t, err)
	var metrics []string
	for _, a := range active {
		metrics = append(metrics, alertMetric(a))
	}
	assert.ElementsMatch(t, []string{"disk", "disk", ""}, metrics)

	still, err := f.repo.GetByID(ctx, manual.ID)
	require.NoError(t, err)
	assert.False(t, still.Resolved)
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	ctx := context.Background()

	alert, err := f.mgr.Raise(ctx, RaiseRequest{ResourceID: "res-1", Type: model.AlertTypeCost, Severity: model.SeverityLow, Message: "spend spike"})
	require.NoError(t, err)

	first, err := f.mgr.Resolve(ctx, alert.ID)
	require.NoError(t, err)
	require.True(t, first.Resolved)

	f.advance(time.Hour)
	second, err := f.mgr.Resolve(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, second.Resolved)
	assert.Equal(t, first.ResolvedAt, second.ResolvedAt)

	resolvedEvents := 0
	for _, e := range f.pub.events {
		if e.eventType == "alert_resolved" && e.topic == "alerts" {
			resolvedEvents++
		}
	}
	assert.Equal(t, 1, resolvedEvents)

	_, err = f.mgr.Resolve(ctx, uuid.New())
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	ctx := context.Background()

	_, err := f.mgr.Raise(ctx, RaiseRequest{ResourceID: "res-1", Type: model.AlertTypeCost, Severity: model.SeverityLow})
	require.NoError(t, err)
	f.advance(time.Second)
	_, err = f.mgr.Raise(ctx, RaiseRequest{ResourceID: "res-2", Type: model.AlertTypeSecurity, Severity: model.SeverityHigh})
	require.NoError(t, err)

	all, err := f.mgr.List(ctx, model.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "res-2", all[0].ResourceID)

	sev := model.SeverityHigh
	high, err := f.mgr.List(ctx, model.AlertFilter{Severity: &sev})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, model.AlertTypeSecurity, high[0].Type)
}
