package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rentgrid/backend/internal/booking"
	"github.com/rentgrid/backend/internal/catalog"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/monitoring"
)

// Job names.
const (
	JobCollectMetrics = "collect_metrics"
	JobSweepExpired   = "sweep_expired"
)

// BookingLedger is the part of the booking service the jobs use.
type BookingLedger interface {
	ActiveResources(ctx context.Context) ([]string, error)
	SweepExpired(ctx context.Context, now time.Time, autoComplete bool) (booking.SweepResult, error)
}

// Ingester accepts collected samples.
type Ingester interface {
	Ingest(ctx context.Context, sample *model.MetricsSample) (*model.ResourceHealth, error)
}

// Runner holds the marketplace background jobs.
type Runner struct {
	ledger       BookingLedger
	catalog      catalog.Catalog
	source       monitoring.MetricsSource
	monitor      Ingester
	autoComplete bool
	logger       *slog.Logger
	now          func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(ledger BookingLedger, cat catalog.Catalog, source monitoring.MetricsSource, monitor Ingester, autoComplete bool, logger *slog.Logger) *Runner {
	return &Runner{
		ledger:       ledger,
		catalog:      cat,
		source:       source,
		monitor:      monitor,
		autoComplete: autoComplete,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Register adds the runner's jobs to s.
func (r *Runner) Register(s *Scheduler, collectSchedule, sweepSchedule string) error {
	if err := s.Register(JobCollectMetrics, collectSchedule, r.CollectMetrics); err != nil {
		return err
	}
	return s.Register(JobSweepExpired, sweepSchedule, r.SweepExpired)
}

// CollectMetrics samples every resource with an active booking and feeds
// the samples to the monitor. A failing resource does not stop the others.
func (r *Runner) CollectMetrics(ctx context.Context) error {
	ids, err := r.ledger.ActiveResources(ctx)
	if err != nil {
		return fmt.Errorf("list active resources: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.collect(ctx, id); err != nil {
			r.logger.Warn("metrics collection failed", "resource_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	r.logger.Info("metrics collected", "resources", len(ids), "failed", len(errs))
	if len(errs) == len(ids) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (r *Runner) collect(ctx context.Context, resourceID string) error {
	res, err := r.catalog.FindByID(ctx, resourceID)
	if err != nil {
		return err
	}
	sample, err := r.source.Collect(ctx, res)
	if err != nil {
		return err
	}
	sample.ResourceID = resourceID
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.now()
	}
	_, err = r.monitor.Ingest(ctx, sample)
	return err
}

// SweepExpired reports active bookings whose window has ended.
func (r *Runner) SweepExpired(ctx context.Context) error {
	res, err := r.ledger.SweepExpired(ctx, r.now(), r.autoComplete)
	if err != nil {
		return fmt.Errorf("sweep expired bookings: %w", err)
	}
	if res.Expired > 0 {
		r.logger.Info("expired bookings swept", "expired", res.Expired, "completed", res.Completed, "failed", res.Failed)
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d expired bookings could not be completed", res.Failed)
	}
	return nil
}
