package booking

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/events"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/monitoring"
	"github.com/rentgrid/backend/internal/reputation"
)

var transitionEvents = map[model.BookingStatus]string{
	model.BookingStatusActive:    events.BookingActivated,
	model.BookingStatusCompleted: events.BookingCompleted,
	model.BookingStatusCancelled: events.BookingCancelled,
	model.BookingStatusDisputed:  events.BookingDisputed,
}

// transition moves a booking to status to. guard runs first and may reject
// the change. Release and refund run inside the same unit as the status
// write: if the escrow call fails, the status is left unchanged.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to model.BookingStatus, reason string, guard func(*model.Booking) error) (*model.Booking, error) {
	if !to.Valid() {
		return nil, apierrors.Validation("unknown booking status %q", to)
	}

	var (
		from     model.BookingStatus
		escrowID string
		settled  bool
	)
	b, err := s.repo.Mutate(ctx, id, func(ctx context.Context, b *model.Booking) error {
		if guard != nil {
			if err := guard(b); err != nil {
				return err
			}
		}
		if !model.CanTransition(b.Status, to) {
			return apierrors.InvalidTransition("cannot move booking from %s to %s", b.Status, to)
		}
		from = b.Status
		now := s.now()

		switch to {
		case model.BookingStatusCompleted:
			if err := s.escrow.Release(ctx, b); err != nil {
				return err
			}
			escrowID, settled = b.EscrowID, true
			b.CompletedAt = &now
		case model.BookingStatusCancelled:
			if err := s.escrow.Refund(ctx, b); err != nil {
				return err
			}
			escrowID, settled = b.EscrowID, true
			b.CancelledAt = &now
			b.CancellationReason = reason
		case model.BookingStatusDisputed:
			b.IsDisputed = true
		}

		b.Status = to
		b.StatusReason = reason
		b.Touch()
		return nil
	})
	if err != nil {
		if settled {
			s.logger.Error("escrow settled but status change not stored, reconcile booking",
				"booking_id", id, "escrow_id", escrowID, "from", from, "to", to, "error", err)
		}
		return nil, notFound(err, id)
	}

	s.deps.Metrics.BookingTransition(string(from), string(to))
	s.logger.Info("booking status changed", "booking_id", b.ID, "from", from, "to", to, "reason", reason)
	s.emit(ctx, transitionEvents[to], b, reason)
	if to == model.BookingStatusDisputed {
		s.notifyDispute(ctx, b, reason)
	}
	return b, nil
}

// UpdateStatus applies a status change request.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, req model.BookingStatusRequest) (*model.Booking, error) {
	return s.transition(ctx, id, req.Status, req.Reason, nil)
}

// Cancel cancels a pending or active booking and refunds its escrow. Only
// the consumer or the provider may cancel.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, req model.BookingCancelRequest) (*model.Booking, error) {
	return s.transition(ctx, id, model.BookingStatusCancelled, req.Reason, func(b *model.Booking) error {
		if !b.IsParty(req.Actor) {
			return apierrors.Forbidden("only the consumer or the provider can cancel booking %s", b.ID)
		}
		if !b.Status.Holding() {
			return apierrors.InvalidTransition("cannot cancel a %s booking", b.Status)
		}
		b.CancelledBy = req.Actor
		return nil
	})
}

// Complete completes an active booking and releases its escrow.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	return s.transition(ctx, id, model.BookingStatusCompleted, "", func(b *model.Booking) error {
		if b.Status != model.BookingStatusActive {
			return apierrors.InvalidTransition("cannot complete a %s booking", b.Status)
		}
		return nil
	})
}

// SetDisputed sets or clears the dispute flag without changing status.
func (s *Service) SetDisputed(ctx context.Context, id uuid.UUID, disputed bool, reason string) (*model.Booking, error) {
	var raised bool
	b, err := s.repo.Mutate(ctx, id, func(ctx context.Context, b *model.Booking) error {
		if b.Status.Terminal() {
			return apierrors.InvalidTransition("cannot change the dispute flag of a %s booking", b.Status)
		}
		raised = disputed && !b.IsDisputed
		b.IsDisputed = disputed
		b.Touch()
		return nil
	})
	if err != nil {
		return nil, notFound(err, id)
	}

	s.logger.Info("booking dispute flag set", "booking_id", b.ID, "disputed", disputed)
	if raised {
		s.emit(ctx, events.BookingDisputed, b, reason)
		s.notifyDispute(ctx, b, reason)
	}
	return b, nil
}

func (s *Service) notifyDispute(ctx context.Context, b *model.Booking, reason string) {
	if s.deps.Disputes == nil {
		return
	}
	if err := s.deps.Disputes.SendBookingDisputed(ctx, b, reason); err != nil {
		s.logger.Warn("dispute notification failed", "booking_id", b.ID, "error", err)
	}
}

var errStale = errors.New("metrics sample older than current snapshot")

func validateMetrics(m model.BookingMetrics) error {
	check := func(name string, v float64) error {
		if v < 0 || v > 100 {
			return apierrors.Validation("%s must be between 0 and 100, got %v", name, v)
		}
		return nil
	}
	for name, v := range map[string]float64{
		"cpu_usage":    m.CPUUsage,
		"memory_usage": m.MemoryUsage,
		"disk_usage":   m.DiskUsage,
		"availability": m.Availability,
	} {
		if err := check(name, v); err != nil {
			return err
		}
	}
	if m.Uptime != nil {
		if err := check("uptime", *m.Uptime); err != nil {
			return err
		}
	}
	if m.Latency != nil && *m.Latency < 0 {
		return apierrors.Validation("latency must not be negative")
	}
	return nil
}

// UpdateMetrics stores a metrics snapshot and checks it against the SLA.
// Snapshots are last-write-wins by RecordedAt: a sample older than the
// stored one is ignored and reported as not applied. Each violation reason
// increments the violation counter and a report is queued for the chain.
func (s *Service) UpdateMetrics(ctx context.Context, id uuid.UUID, m model.BookingMetrics) (*model.MetricsUpdate, error) {
	if err := validateMetrics(m); err != nil {
		return nil, err
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.now()
	}

	var reasons []string
	b, err := s.repo.Mutate(ctx, id, func(ctx context.Context, b *model.Booking) error {
		if b.Status.Terminal() {
			return apierrors.InvalidTransition("metrics are not accepted for a %s booking", b.Status)
		}
		if b.Metrics != nil && m.RecordedAt.Before(b.Metrics.RecordedAt) {
			return errStale
		}
		snapshot := m
		b.Metrics = &snapshot
		reasons = monitoring.CheckCompliance(b)
		b.SLA.Violations += len(reasons)
		b.Touch()
		return nil
	})
	if errors.Is(err, errStale) {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("stale metrics ignored", "booking_id", id, "recorded_at", m.RecordedAt)
		return &model.MetricsUpdate{Booking: current, Applied: false}, nil
	}
	if err != nil {
		return nil, notFound(err, id)
	}

	if len(reasons) > 0 {
		s.logger.Warn("sla violation detected", "booking_id", b.ID, "reasons", reasons, "violations", b.SLA.Violations)
		s.escrow.ReportViolation(b.ID.String(), strings.Join(reasons, "; "))
	}
	return &model.MetricsUpdate{Booking: b, Applied: true, Violations: reasons}, nil
}

// AddReview appends a review by one party and applies the reputation delta
// to the other party. A notifier failure does not fail the review.
func (s *Service) AddReview(ctx context.Context, id uuid.UUID, req model.ReviewCreateRequest) (*model.Booking, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, apierrors.Validation("rating must be between 1 and 5, got %d", req.Rating)
	}

	var counterparty string
	b, err := s.repo.Mutate(ctx, id, func(ctx context.Context, b *model.Booking) error {
		if !b.IsParty(req.Reviewer) {
			return apierrors.Forbidden("only the consumer or the provider can review booking %s", b.ID)
		}
		for _, r := range b.Reviews {
			if r.Reviewer == req.Reviewer {
				return apierrors.Conflict("%s has already reviewed booking %s", req.Reviewer, b.ID)
			}
		}
		b.Reviews = append(b.Reviews, model.Review{
			Reviewer:  req.Reviewer,
			Rating:    req.Rating,
			Comment:   req.Comment,
			Timestamp: s.now(),
		})
		counterparty = b.Counterparty(req.Reviewer)
		b.Touch()
		return nil
	})
	if err != nil {
		return nil, notFound(err, id)
	}

	if delta := reputation.ReviewDelta(req.Rating); delta != 0 {
		if err := s.deps.Reputation.Apply(ctx, counterparty, delta, "review:"+b.ID.String()); err != nil {
			s.logger.Warn("reputation update failed", "booking_id", b.ID, "address", counterparty, "delta", delta, "error", err)
		}
	}
	return b, nil
}
