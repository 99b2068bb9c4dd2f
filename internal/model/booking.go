package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookingStatus represents the lifecycle status of a booking.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusActive    BookingStatus = "active"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusDisputed  BookingStatus = "disputed"
)

// bookingTransitions lists the legal next states for each status. A
// disputed booking has no exit: its escrow stays held.
var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending: {BookingStatusActive, BookingStatusCancelled},
	BookingStatusActive:  {BookingStatusCompleted, BookingStatusDisputed, BookingStatusCancelled},
}

// Valid reports whether s is a known status.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPending, BookingStatusActive, BookingStatusCompleted, BookingStatusCancelled, BookingStatusDisputed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s BookingStatus) Terminal() bool {
	return s == BookingStatusCompleted || s == BookingStatusCancelled
}

// Holding reports whether a booking in this status reserves its window.
func (s BookingStatus) Holding() bool {
	return s == BookingStatusPending || s == BookingStatusActive
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to BookingStatus) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HoldingStatuses are the statuses that take part in conflict detection.
var HoldingStatuses = []BookingStatus{BookingStatusPending, BookingStatusActive}

// ResourceSpecs is the resource configuration captured when the booking is made.
type ResourceSpecs struct {
	CPU          int    `json:"cpu"`
	RAM          int    `json:"ram"`
	Storage      int    `json:"storage"`
	ResourceType string `json:"resource_type"`
}

// SLA holds the per-booking service level targets and the violation counter.
// Violations only ever grows.
type SLA struct {
	UptimeTarget       float64 `json:"uptime_target"`
	LatencyTarget      float64 `json:"latency_target"`
	AvailabilityTarget float64 `json:"availability_target"`
	Violations         int     `json:"violations"`
}

// SLATargets is the mutable part of an SLA.
type SLATargets struct {
	UptimeTarget       float64 `json:"uptime_target"`
	LatencyTarget      float64 `json:"latency_target"`
	AvailabilityTarget float64 `json:"availability_target"`
}

// BookingMetrics is the last metrics snapshot pushed for a booking.
// Uptime and Latency are optional: a push that omits them is not checked against them.
type BookingMetrics struct {
	Uptime       *float64  `json:"uptime,omitempty"`
	Latency      *float64  `json:"latency,omitempty"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	DiskUsage    float64   `json:"disk_usage"`
	Availability float64   `json:"availability"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Review is a rating left by one party of a booking.
type Review struct {
	Reviewer  string    `json:"reviewer"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Booking is a time-boxed reservation of a resource backed by an escrow.
type Booking struct {
	BaseEntity
	ResourceID    string          `json:"resource_id" db:"resource_id"`
	Consumer      string          `json:"consumer" db:"consumer"`
	Provider      string          `json:"provider" db:"provider"`
	StartTime     time.Time       `json:"start_time" db:"start_time"`
	EndTime       time.Time       `json:"end_time" db:"end_time"`
	DurationHours int             `json:"duration_hours" db:"duration_hours"`
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`
	EscrowID      string          `json:"escrow_id" db:"escrow_id"`
	Status        BookingStatus   `json:"status" db:"status"`
	IsDisputed    bool            `json:"is_disputed" db:"is_disputed"`
	ResourceSpecs ResourceSpecs   `json:"resource_specs" db:"resource_specs"`
	Metrics       *BookingMetrics `json:"metrics,omitempty" db:"metrics"`
	SLA           SLA             `json:"sla" db:"sla"`

	CancellationReason string     `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CancelledBy        string     `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	StatusReason       string     `json:"status_reason,omitempty" db:"status_reason"`
	Reviews            []Review   `json:"reviews" db:"reviews"`
}

// IsParty reports whether address is the consumer or the provider of the booking.
func (b *Booking) IsParty(address string) bool {
	return address != "" && (address == b.Consumer || address == b.Provider)
}

// Counterparty returns the other party of the booking, or "" if address is not a party.
func (b *Booking) Counterparty(address string) string {
	switch address {
	case b.Consumer:
		return b.Provider
	case b.Provider:
		return b.Consumer
	}
	return ""
}

// Overlaps reports whether [start, end) intersects the booking window.
// Touching boundaries do not overlap.
func (b *Booking) Overlaps(start, end time.Time) bool {
	return b.StartTime.Before(end) && b.EndTime.After(start)
}

// Expired reports whether the booking window has passed while still active.
func (b *Booking) Expired(now time.Time) bool {
	return b.Status == BookingStatusActive && !b.EndTime.After(now)
}

// BookingCreateRequest represents a request to create a booking.
type BookingCreateRequest struct {
	ResourceID    string    `json:"resource_id"`
	Consumer      string    `json:"consumer"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationHours int       `json:"duration_hours"`
}

// BookingUpdateRequest represents a partial update of the mutable booking fields.
type BookingUpdateRequest struct {
	SLA           *SLATargets    `json:"sla,omitempty"`
	ResourceSpecs *ResourceSpecs `json:"resource_specs,omitempty"`
}

// BookingStatusRequest represents a status change request.
type BookingStatusRequest struct {
	Status BookingStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// BookingCancelRequest represents a cancellation request.
type BookingCancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// ReviewCreateRequest represents a request to add a review.
type ReviewCreateRequest struct {
	Reviewer string `json:"reviewer"`
	Rating   int    `json:"rating"`
	Comment  string `json:"comment,omitempty"`
}

// BookingFilter defines filtering options for booking queries.
type BookingFilter struct {
	Statuses   []BookingStatus
	Consumer   string
	Provider   string
	ResourceID string
	DateRange  DateRange
	EndBefore  time.Time
}

// Matches reports whether b passes the filter.
func (f BookingFilter) Matches(b *Booking) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == b.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Consumer != "" && f.Consumer != b.Consumer {
		return false
	}
	if f.Provider != "" && f.Provider != b.Provider {
		return false
	}
	if f.ResourceID != "" && f.ResourceID != b.ResourceID {
		return false
	}
	if !f.DateRange.Start.IsZero() && !b.EndTime.After(f.DateRange.Start) {
		return false
	}
	if !f.DateRange.End.IsZero() && !b.StartTime.Before(f.DateRange.End) {
		return false
	}
	if !f.EndBefore.IsZero() && b.EndTime.After(f.EndBefore) {
		return false
	}
	return true
}

// BookingAnalytics aggregates bookings matching a filter.
type BookingAnalytics struct {
	TotalCount       int                   `json:"total_count"`
	ByStatus         map[BookingStatus]int `json:"by_status"`
	TotalVolume      decimal.Decimal       `json:"total_volume"`
	AvgDurationHours float64               `json:"avg_duration_hours"`
	TotalViolations  int                   `json:"total_violations"`
	DisputedCount    int                   `json:"disputed_count"`
}

// MetricsUpdate is the outcome of a metrics push.
type MetricsUpdate struct {
	Booking    *Booking `json:"booking"`
	Applied    bool     `json:"applied"`
	Violations []string `json:"violations,omitempty"`
}

// Clone returns a deep copy of b.
func (b *Booking) Clone() *Booking {
	c := *b
	if b.Metrics != nil {
		m := *b.Metrics
		if b.Metrics.Uptime != nil {
			v := *b.Metrics.Uptime
			m.Uptime = &v
		}
		if b.Metrics.Latency != nil {
			v := *b.Metrics.Latency
			m.Latency = &v
		}
		c.Metrics = &m
	}
	if b.CancelledAt != nil {
		t := *b.CancelledAt
		c.CancelledAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	c.Reviews = append([]Review(nil), b.Reviews...)
	return &c
}
