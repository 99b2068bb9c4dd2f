package repository

import (
	"github.com/shopspring/decimal"

	"github.com/rentgrid/backend/internal/model"
)

// aggregate builds analytics over bookings already filtered by the caller.
func aggregate(bookings []*model.Booking) *model.BookingAnalytics {
	out := &model.BookingAnalytics{
		ByStatus:    make(map[model.BookingStatus]int),
		TotalVolume: decimal.Zero,
	}
	hours := 0
	for _, b := range bookings {
		out.TotalCount++
		out.ByStatus[b.Status]++
		out.TotalVolume = out.TotalVolume.Add(b.TotalCost)
		out.TotalViolations += b.SLA.Violations
		if b.IsDisputed {
			out.DisputedCount++
		}
		hours += b.DurationHours
	}
	if out.TotalCount > 0 {
		out.AvgDurationHours = float64(hours) / float64(out.TotalCount)
	}
	return out
}
