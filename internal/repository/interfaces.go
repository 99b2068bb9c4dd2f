// Package repository defines data access interfaces.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rentgrid/backend/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrOverlap is returned when a booking window intersects a pending or
	// active booking on the same resource.
	ErrOverlap = errors.New("booking window overlaps an existing booking")
)

// FundFunc runs inside a reservation after the overlap check passes and before
// the booking is stored. It typically opens the escrow and sets EscrowID.
type FundFunc func(ctx context.Context, b *model.Booking) error

// MutateFunc changes a booking loaded for update. Returning an error discards
// every change made to b.
type MutateFunc func(ctx context.Context, b *model.Booking) error

// BookingRepository defines booking data access methods.
type BookingRepository interface {
	// Reserve atomically checks b's window against holding bookings on the same
	// resource, runs fund and inserts b. No other reservation for the resource
	// may interleave between the check and the insert.
	Reserve(ctx context.Context, b *model.Booking, fund FundFunc) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	List(ctx context.Context, filter model.BookingFilter, pagination model.Pagination) ([]*model.Booking, int, error)
	// Mutate serializes writers of one booking: it loads the booking, runs fn
	// and persists the result only if fn succeeds.
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*model.Booking, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Analytics(ctx context.Context, filter model.BookingFilter) (*model.BookingAnalytics, error)
	// ActiveResources returns the ids of resources with an active booking at now.
	ActiveResources(ctx context.Context, now time.Time) ([]string, error)
}

// AlertRepository defines alert data access methods.
type AlertRepository interface {
	Create(ctx context.Context, alert *model.Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Alert, error)
	// List returns matching alerts newest first.
	List(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error)
	// Resolve marks the alert resolved. Resolving a resolved alert is a no-op.
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) (*model.Alert, error)
}

// MetricsRepository stores raw resource metric samples.
type MetricsRepository interface {
	Append(ctx context.Context, sample *model.MetricsSample) error
	// Recent returns up to limit samples for the resource, newest first.
	Recent(ctx context.Context, resourceID string, limit int) ([]*model.MetricsSample, error)
}
