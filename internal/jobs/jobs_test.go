package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/booking"
	"github.com/rentgrid/backend/internal/catalog"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLedger struct {
	resources []string
	result    booking.SweepResult
	err       error

	mu    sync.Mutex
	sweep []bool
}

func (f *fakeLedger) ActiveResources(ctx context.Context) ([]string, error) {
	return f.resources, f.err
}

func (f *fakeLedger) SweepExpired(ctx context.Context, now time.Time, autoComplete bool) (booking.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweep = append(f.sweep, autoComplete)
	return f.result, f.err
}

type fakeSource struct {
	fail map[string]bool
}

func (f fakeSource) Collect(ctx context.Context, r *model.Resource) (*model.MetricsSample, error) {
	if f.fail[r.ID] {
		return nil, errors.New("agent unreachable")
	}
	return &model.MetricsSample{CPUUsage: 40, MemoryUsage: 50, Availability: 100}, nil
}

type recordingIngester struct {
	mu      sync.Mutex
	samples []*model.MetricsSample
}

func (r *recordingIngester) Ingest(ctx context.Context, s *model.MetricsSample) (*model.ResourceHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return &model.ResourceHealth{ResourceID: s.ResourceID}, nil
}

func newCatalog() *catalog.StaticCatalog {
	return catalog.NewStaticCatalog(
		&model.Resource{ID: "res-1", Provider: "0xp", IsActive: true},
		&model.Resource{ID: "res-2", Provider: "0xp", IsActive: true},
	)
}

func TestCollectMetrics(t *testing.T) {
	ledger := &fakeLedger{resources: []string{"res-1", "res-2"}}
	ingester := &recordingIngester{}
	r := NewRunner(ledger, newCatalog(), fakeSource{}, ingester, false, testLogger())
	fixed := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.CollectMetrics(context.Background()))
	require.Len(t, ingester.samples, 2)
	assert.Equal(t, "res-1", ingester.samples[0].ResourceID)
	assert.Equal(t, "res-2", ingester.samples[1].ResourceID)
	assert.Equal(t, fixed, ingester.samples[0].Timestamp)
}

func TestCollectMetricsPartialFailure(t *testing.T) {
	ledger := &fakeLedger{resources: []string{"res-1", "res-2", "res-missing"}}
	ingester := &recordingIngester{}
	r := NewRunner(ledger, newCatalog(), fakeSource{fail: map[string]bool{"res-2": true}}, ingester, false, testLogger())

	require.NoError(t, r.CollectMetrics(context.Background()))
	assert.Len(t, ingester.samples, 1)
}

func TestCollectMetricsAllFailing(t *testing.T) {
	ledger := &fakeLedger{resources: []string{"res-1"}}
	r := NewRunner(ledger, newCatalog(), fakeSource{fail: map[string]bool{"res-1": true}}, &recordingIngester{}, false, testLogger())

	assert.Error(t, r.CollectMetrics(context.Background()))
}

func TestSweepExpired(t *testing.T) {
	ledger := &fakeLedger{result: booking.SweepResult{Expired: 2, Completed: 2}}
	r := NewRunner(ledger, newCatalog(), fakeSource{}, &recordingIngester{}, true, testLogger())

	require.NoError(t, r.SweepExpired(context.Background()))
	assert.Equal(t, []bool{true}, ledger.sweep)

	ledger.result = booking.SweepResult{Expired: 1, Failed: 1}
	assert.Error(t, r.SweepExpired(context.Background()))
}

func TestSchedulerRegister(t *testing.T) {
	s := NewScheduler(time.Second, nil, testLogger())

	require.NoError(t, s.Register("noop", "@every 1h", func(ctx context.Context) error { return nil }))
	require.NoError(t, s.Register("disabled", "", func(ctx context.Context) error { return nil }))
	assert.Error(t, s.Register("noop", "@every 1h", func(ctx context.Context) error { return nil }))
	assert.Error(t, s.Register("bad", "not a schedule", func(ctx context.Context) error { return nil }))

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "noop", jobs[0].Name)
}

func TestSchedulerRunNowRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	s := NewScheduler(time.Second, metrics, testLogger())

	done := make(chan struct{})
	require.NoError(t, s.Register("heartbeat", "@every 1h", func(ctx context.Context) error {
		defer close(done)
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return errors.New("boom")
	}))
	require.NoError(t, s.RunNow("heartbeat"))
	assert.Error(t, s.RunNow("missing"))

	<-done
	s.Start()
	s.Stop()

	count, err := testutil.GatherAndCount(reg, "rentgrid_jobs_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
