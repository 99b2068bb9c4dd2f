package monitoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/alerts"
	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/repository"
)

func ptr(v float64) *float64 { return &v }

func TestCheckCompliance(t *testing.T) {
	tests := []struct {
		name    string
		metrics *model.BookingMetrics
		want    []string
	}{
		{"no metrics", nil, nil},
		{
			"high cpu only",
			&model.BookingMetrics{Uptime: ptr(99.95), CPUUsage: 96, MemoryUsage: 50, DiskUsage: 10, Availability: 99.95},
			[]string{ReasonCPU},
		},
		{
			"uptime and memory",
			&model.BookingMetrics{Uptime: ptr(98), CPUUsage: 10, MemoryUsage: 91},
			[]string{ReasonUptime, ReasonMemory},
		},
		{
			"no uptime reported",
			&model.BookingMetrics{CPUUsage: 90, MemoryUsage: 90},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &model.Booking{SLA: model.SLA{UptimeTarget: 99.9}, Metrics: tt.metrics}
			assert.Equal(t, tt.want, CheckCompliance(b))
		})
	}
}

func TestHealthScore(t *testing.T) {
	assert.Equal(t, 0.0, HealthScore(Averages(nil)))

	samples := []*model.MetricsSample{
		{CPUUsage: 20, MemoryUsage: 40, DiskUsage: 10, Availability: 100},
		{CPUUsage: 40, MemoryUsage: 20, DiskUsage: 30, Availability: 98},
	}
	avg := Averages(samples)
	assert.Equal(t, 2, avg.Samples)
	assert.InDelta(t, 30, avg.CPUUsage, 1e-9)
	assert.InDelta(t, (70+70+80+99)/4.0, HealthScore(avg), 1e-9)

	worst := Averages([]*model.MetricsSample{{CPUUsage: 100, MemoryUsage: 100, DiskUsage: 100, Availability: 0}})
	best := Averages([]*model.MetricsSample{{Availability: 100}})
	assert.Equal(t, 0.0, HealthScore(worst))
	assert.Equal(t, 100.0, HealthScore(best))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, model.HealthStatusHealthy, StatusFor(80))
	assert.Equal(t, model.HealthStatusWarning, StatusFor(79.99))
	assert.Equal(t, model.HealthStatusWarning, StatusFor(60))
	assert.Equal(t, model.HealthStatusCritical, StatusFor(59.9))
	assert.Equal(t, model.HealthStatusCritical, StatusFor(20))
	assert.Equal(t, model.HealthStatusOffline, StatusFor(19.9))
}

func TestSyntheticSourceStaysInRange(t *testing.T) {
	src := NewSyntheticSource(42)
	r := &model.Resource{ID: "res-1", PricePerHour: decimal.RequireFromString("0.10")}
	for i := 0; i < 500; i++ {
		s, err := src.Collect(context.Background(), r)
		require.NoError(t, err)
		require.NoError(t, validSample(s))
		assert.Equal(t, "res-1", s.ResourceID)
		assert.InDelta(t, 0.10, s.Cost, 1e-9)
	}
}

type fakeStatusAPI struct {
	out *ec2.DescribeInstanceStatusOutput
	err error
	in  *ec2.DescribeInstanceStatusInput
}

func (f *fakeStatusAPI) DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	f.in = params
	return f.out, f.err
}

func TestEC2AvailabilitySource(t *testing.T) {
	ec2Resource := &model.Resource{ID: "res-ec2", ResourceType: ResourceTypeEC2, InstanceID: "i-123", Region: "eu-west-1"}
	status := func(state types.InstanceStateName, check types.SummaryStatus) *ec2.DescribeInstanceStatusOutput {
		return &ec2.DescribeInstanceStatusOutput{InstanceStatuses: []types.InstanceStatus{{
			InstanceId:     aws.String("i-123"),
			InstanceState:  &types.InstanceState{Name: state},
			InstanceStatus: &types.InstanceStatusSummary{Status: check},
		}}}
	}

	tests := []struct {
		name string
		out  *ec2.DescribeInstanceStatusOutput
		want float64
	}{
		{"running", status(types.InstanceStateNameRunning, types.SummaryStatusOk), 100},
		{"stopped", status(types.InstanceStateNameStopped, types.SummaryStatusNotApplicable), 0},
		{"impaired", status(types.InstanceStateNameRunning, types.SummaryStatusImpaired), 0},
		{"unknown instance", &ec2.DescribeInstanceStatusOutput{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeStatusAPI{out: tt.out}
			var region string
			src := NewEC2AvailabilitySource(NewSyntheticSource(1), func(r string) InstanceStatusAPI {
				region = r
				return api
			})
			s, err := src.Collect(context.Background(), ec2Resource)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Availability)
			assert.Equal(t, "eu-west-1", region)
			assert.Equal(t, []string{"i-123"}, api.in.InstanceIds)
		})
	}

	t.Run("non ec2 resource", func(t *testing.T) {
		api := &fakeStatusAPI{err: errors.New("should not be called")}
		src := NewEC2AvailabilitySource(NewSyntheticSource(1), func(string) InstanceStatusAPI { return api })
		s, err := src.Collect(context.Background(), &model.Resource{ID: "res-2", ResourceType: "gpu"})
		require.NoError(t, err)
		assert.Greater(t, s.Availability, 0.0)
		assert.Nil(t, api.in)
	})

	t.Run("api error", func(t *testing.T) {
		api := &fakeStatusAPI{err: errors.New("throttled")}
		src := NewEC2AvailabilitySource(NewSyntheticSource(1), func(string) InstanceStatusAPI { return api })
		_, err := src.Collect(context.Background(), ec2Resource)
		assert.Error(t, err)
	})
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic, eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func newTestMonitor(t *testing.T, window int) (*Monitor, *repository.MemoryMetricsRepository, *recordingPublisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	samples := repository.NewMemoryMetricsRepository(100)
	mgr := alerts.NewManager(repository.NewMemoryAlertRepository(), alerts.Config{Thresholds: config.DefaultThresholds()}, alerts.Deps{}, logger)
	pub := &recordingPublisher{}
	m, err := NewMonitor(samples, mgr, pub, config.MonitoringConfig{SampleWindow: window, MaxResources: 2}, logger)
	require.NoError(t, err)
	return m, samples, pub
}

func TestHealthWithoutSamplesIsOffline(t *testing.T) {
	m, _, _ := newTestMonitor(t, 10)
	h, err := m.Health(context.Background(), "res-unknown")
	require.NoError(t, err)
	assert.Equal(t, model.HealthStatusOffline, h.Status)
	assert.Equal(t, 0.0, h.Score)
	assert.Empty(t, h.ActiveAlerts)
}

func TestIngestComputesHealthAndAlerts(t *testing.T) {
	m, _, pub := newTestMonitor(t, 2)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := m.Ingest(ctx, &model.MetricsSample{ResourceID: "res-1", CPUUsage: 10, MemoryUsage: 10, DiskUsage: 10, Availability: 100, Timestamp: base})
	require.NoError(t, err)
	_, err = m.Ingest(ctx, &model.MetricsSample{ResourceID: "res-1", CPUUsage: 96, MemoryUsage: 50, DiskUsage: 10, Availability: 99.95, Timestamp: base.Add(30 * time.Second)})
	require.NoError(t, err)
	h, err := m.Ingest(ctx, &model.MetricsSample{ResourceID: "res-1", CPUUsage: 96, MemoryUsage: 50, DiskUsage: 10, Availability: 99.95, Timestamp: base.Add(time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, 2, h.Averages.Samples, "window keeps the last two samples")
	assert.InDelta(t, (4+50+90+99.95)/4, h.Score, 1e-9)
	assert.Equal(t, model.HealthStatusWarning, h.Status)
	assert.Len(t, h.ActiveAlerts, 2)
	assert.Equal(t, base.Add(time.Minute), h.LastUpdated)
	assert.Contains(t, pub.topics, "health:res-1")
	assert.Contains(t, pub.topics, "metrics:res-1")
}

func TestIngestRejectsOutOfRange(t *testing.T) {
	m, _, _ := newTestMonitor(t, 10)
	_, err := m.Ingest(context.Background(), &model.MetricsSample{ResourceID: "res-1", CPUUsage: 120})
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	_, err = m.Ingest(context.Background(), &model.MetricsSample{CPUUsage: 10})
	assert.ErrorIs(t, err, apierrors.ErrValidation)
}

func TestHealthReloadsEvictedWindow(t *testing.T) {
	m, samples, _ := newTestMonitor(t, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, samples.Append(ctx, &model.MetricsSample{ResourceID: "res-1", Availability: 100, Timestamp: now.Add(-time.Minute)}))
	require.NoError(t, samples.Append(ctx, &model.MetricsSample{ResourceID: "res-1", Availability: 100, Timestamp: now}))

	h, err := m.Health(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.Averages.Samples)
	assert.Equal(t, 100.0, h.Score)
	assert.Equal(t, model.HealthStatusHealthy, h.Status)

	for _, id := range []string{"res-2", "res-3"} {
		_, err := m.Health(ctx, id)
		require.NoError(t, err)
	}
	h, err = m.Health(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.Averages.Samples)
}

func TestRecentMetrics(t *testing.T) {
	m, _, _ := newTestMonitor(t, 10)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		_, err := m.Ingest(ctx, &model.MetricsSample{ResourceID: "res-1", CPUUsage: float64(i), Availability: 100, Timestamp: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	recent, err := m.RecentMetrics(ctx, "res-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 2.0, recent[0].CPUUsage)
}

func TestIngestIgnoresOlderSample(t *testing.T) {
	m, _, pub := newTestMonitor(t, 10)
	ctx := context.Background()
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fresh, err := m.Ingest(ctx, &model.MetricsSample{ResourceID: "res-1", CPUUsage: 10, MemoryUsage: 10, DiskUsage: 10, Availability: 100, Timestamp: noon})
	require.NoError(t, err)
	published := len(pub.topics)

	h, err := m.Ingest(ctx, &model.MetricsSample{ResourceID: "res-1", CPUUsage: 96, MemoryUsage: 96, DiskUsage: 96, Availability: 50, Timestamp: noon.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, fresh.Score, h.Score)
	assert.Equal(t, noon, h.LastUpdated)
	assert.Empty(t, h.ActiveAlerts, "stale sample raises no alerts")
	assert.Len(t, pub.topics, published, "stale sample is not published")

	recent, err := m.RecentMetrics(ctx, "res-1", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1, "stale sample is not stored")

	h, err = m.Ingest(ctx, &model.MetricsSample{ResourceID: "res-1", CPUUsage: 20, MemoryUsage: 10, DiskUsage: 10, Availability: 100, Timestamp: noon.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, h.Averages.Samples)
	assert.Equal(t, noon.Add(time.Minute), h.LastUpdated)
}
