// Package booking implements the booking ledger: conflict-free reservations,
// cost snapshots and the status state machine, each escrow-backed.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/catalog"
	"github.com/rentgrid/backend/internal/events"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/reputation"
	"github.com/rentgrid/backend/internal/repository"
	"github.com/rentgrid/backend/internal/telemetry"
)

// Escrow is the escrow capability the ledger depends on.
type Escrow interface {
	OpenEscrow(ctx context.Context, b *model.Booking) (string, error)
	Release(ctx context.Context, b *model.Booking) error
	Refund(ctx context.Context, b *model.Booking) error
	ReportViolation(bookingID, summary string) bool
}

// DisputeNotifier is told when a booking enters dispute.
type DisputeNotifier interface {
	SendBookingDisputed(ctx context.Context, b *model.Booking, reason string) error
}

// Deps are the optional collaborators of a Service.
type Deps struct {
	Reputation reputation.Notifier
	Events     events.Publisher
	Disputes   DisputeNotifier
	Metrics    *telemetry.Metrics
}

// Service is the booking ledger.
type Service struct {
	repo    repository.BookingRepository
	catalog catalog.Catalog
	escrow  Escrow
	deps    Deps
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a Service.
func NewService(repo repository.BookingRepository, cat catalog.Catalog, escrow Escrow, deps Deps, logger *slog.Logger) *Service {
	if deps.Reputation == nil {
		deps.Reputation = reputation.Noop{}
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	return &Service{
		repo:    repo,
		catalog: cat,
		escrow:  escrow,
		deps:    deps,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func notFound(err error, id uuid.UUID) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apierrors.NotFound("booking %s not found", id)
	}
	return err
}

func validateCreate(req *model.BookingCreateRequest) error {
	if req.ResourceID == "" {
		return apierrors.Validation("resource_id is required")
	}
	if req.Consumer == "" {
		return apierrors.Validation("consumer is required")
	}
	if req.DurationHours < 1 {
		return apierrors.Validation("duration_hours must be at least 1, got %d", req.DurationHours)
	}
	if req.StartTime.IsZero() {
		return apierrors.Validation("start_time is required")
	}
	billed := time.Duration(req.DurationHours) * time.Hour
	if req.EndTime.IsZero() {
		req.EndTime = req.StartTime.Add(billed)
	}
	if !req.EndTime.After(req.StartTime) {
		return apierrors.Validation("end_time must be after start_time")
	}
	if window := req.EndTime.Sub(req.StartTime); window != billed {
		return apierrors.Validation("booking window of %s does not match duration_hours %d", window, req.DurationHours)
	}
	return nil
}

// Create reserves the window, opens the escrow and stores the booking as
// pending. Nothing is stored when the escrow cannot be opened.
func (s *Service) Create(ctx context.Context, req model.BookingCreateRequest) (*model.Booking, error) {
	if err := validateCreate(&req); err != nil {
		s.deps.Metrics.BookingCreated("invalid")
		return nil, err
	}

	resource, err := s.catalog.FindByID(ctx, req.ResourceID)
	if err != nil {
		s.deps.Metrics.BookingCreated("catalog_error")
		return nil, err
	}
	if !resource.IsActive {
		s.deps.Metrics.BookingCreated("conflict")
		return nil, apierrors.Conflict("resource %s is not active", resource.ID)
	}
	if resource.Provider == req.Consumer {
		s.deps.Metrics.BookingCreated("invalid")
		return nil, apierrors.Validation("a provider cannot book its own resource")
	}

	b := &model.Booking{
		BaseEntity:    model.NewBaseEntity(),
		ResourceID:    resource.ID,
		Consumer:      req.Consumer,
		Provider:      resource.Provider,
		StartTime:     req.StartTime.UTC(),
		EndTime:       req.EndTime.UTC(),
		DurationHours: req.DurationHours,
		TotalCost:     resource.PricePerHour.Mul(decimal.NewFromInt(int64(req.DurationHours))),
		Status:        model.BookingStatusPending,
		ResourceSpecs: resource.Specs(),
		SLA: model.SLA{
			UptimeTarget:       resource.SLA.UptimeTarget,
			LatencyTarget:      resource.SLA.LatencyTarget,
			AvailabilityTarget: resource.SLA.AvailabilityTarget,
		},
		Reviews: []model.Review{},
	}

	err = s.repo.Reserve(ctx, b, func(ctx context.Context, b *model.Booking) error {
		escrowID, err := s.escrow.OpenEscrow(ctx, b)
		if err != nil {
			return err
		}
		b.EscrowID = escrowID
		return nil
	})
	if err != nil {
		if b.EscrowID != "" {
			s.compensate(ctx, b, err)
		}
		if errors.Is(err, repository.ErrOverlap) {
			s.deps.Metrics.BookingCreated("conflict")
			return nil, apierrors.Conflict("resource %s is already booked between %s and %s",
				b.ResourceID, b.StartTime.Format(time.RFC3339), b.EndTime.Format(time.RFC3339))
		}
		s.deps.Metrics.BookingCreated("failed")
		return nil, fmt.Errorf("reserve booking: %w", err)
	}

	s.deps.Metrics.BookingCreated("created")
	s.logger.Info("booking created", "booking_id", b.ID, "resource_id", b.ResourceID,
		"consumer", b.Consumer, "escrow_id", b.EscrowID, "total_cost", b.TotalCost.String())
	s.emit(ctx, events.BookingCreated, b, "")
	return b, nil
}

// compensate refunds an escrow whose booking could not be stored.
func (s *Service) compensate(ctx context.Context, b *model.Booking, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.escrow.Refund(ctx, b); err != nil {
		s.logger.Error("escrow compensation failed, escrow left open", "booking_id", b.ID,
			"escrow_id", b.EscrowID, "cause", cause, "error", err)
		return
	}
	s.logger.Warn("booking insert failed after escrow open, escrow refunded", "booking_id", b.ID,
		"escrow_id", b.EscrowID, "cause", cause)
}

func (s *Service) emit(ctx context.Context, eventType string, b *model.Booking, reason string) {
	if err := s.deps.Events.Publish(ctx, events.NewBookingEvent(eventType, b, reason)); err != nil {
		s.logger.Warn("booking event publish failed", "booking_id", b.ID, "event", eventType, "error", err)
	}
}

// Get returns a booking.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	b, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return b, nil
}

// List returns a page of bookings and the total match count.
func (s *Service) List(ctx context.Context, filter model.BookingFilter, pagination model.Pagination) ([]*model.Booking, int, error) {
	bookings, total, err := s.repo.List(ctx, filter, pagination.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("list bookings: %w", err)
	}
	return bookings, total, nil
}

// ListActive returns active bookings.
func (s *Service) ListActive(ctx context.Context, pagination model.Pagination) ([]*model.Booking, int, error) {
	return s.List(ctx, model.BookingFilter{Statuses: []model.BookingStatus{model.BookingStatusActive}}, pagination)
}

// ListExpired returns active bookings whose window ended at or before now.
// They are reported, not transitioned.
func (s *Service) ListExpired(ctx context.Context, now time.Time, pagination model.Pagination) ([]*model.Booking, int, error) {
	return s.List(ctx, model.BookingFilter{
		Statuses:  []model.BookingStatus{model.BookingStatusActive},
		EndBefore: now,
	}, pagination)
}

// Analytics aggregates bookings matching filter.
func (s *Service) Analytics(ctx context.Context, filter model.BookingFilter) (*model.BookingAnalytics, error) {
	a, err := s.repo.Analytics(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("booking analytics: %w", err)
	}
	return a, nil
}

// ActiveResources returns the resources with a booking active now.
func (s *Service) ActiveResources(ctx context.Context) ([]string, error) {
	return s.repo.ActiveResources(ctx, s.now())
}

// Update changes the SLA targets or the resource configuration snapshot of a non-terminal booking.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req model.BookingUpdateRequest) (*model.Booking, error) {
	if req.SLA != nil {
		if err := validateTargets(*req.SLA); err != nil {
			return nil, err
		}
	}
	b, err := s.repo.Mutate(ctx, id, func(ctx context.Context, b *model.Booking) error {
		if b.Status.Terminal() {
			return apierrors.InvalidTransition("booking %s is %s and can no longer be updated", b.ID, b.Status)
		}
		if req.SLA != nil {
			b.SLA.UptimeTarget = req.SLA.UptimeTarget
			b.SLA.LatencyTarget = req.SLA.LatencyTarget
			b.SLA.AvailabilityTarget = req.SLA.AvailabilityTarget
		}
		if req.ResourceSpecs != nil {
			b.ResourceSpecs = *req.ResourceSpecs
		}
		b.Touch()
		return nil
	})
	if err != nil {
		return nil, notFound(err, id)
	}
	return b, nil
}

func validateTargets(t model.SLATargets) error {
	if t.UptimeTarget < 0 || t.UptimeTarget > 100 {
		return apierrors.Validation("uptime_target must be between 0 and 100")
	}
	if t.AvailabilityTarget < 0 || t.AvailabilityTarget > 100 {
		return apierrors.Validation("availability_target must be between 0 and 100")
	}
	if t.LatencyTarget < 0 {
		return apierrors.Validation("latency_target must not be negative")
	}
	return nil
}

// Delete removes a booking outside its lifecycle. Administrative only.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	b, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return notFound(err, id)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return notFound(err, id)
	}
	if !b.Status.Terminal() {
		s.logger.Warn("deleted booking with unsettled escrow", "booking_id", id, "escrow_id", b.EscrowID, "status", b.Status)
	}
	s.logger.Info("booking deleted", "booking_id", id)
	return nil
}
