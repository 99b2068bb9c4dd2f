package booking

import (
	"context"
	"time"

	"github.com/rentgrid/backend/internal/events"
	"github.com/rentgrid/backend/internal/model"
)

// SweepResult summarises one expired-booking sweep.
type SweepResult struct {
	Expired   int
	Completed int
	Failed    int
}

// SweepExpired publishes an expiry event for every active booking whose
// window has ended. With autoComplete the booking is also completed, which
// releases its escrow.
func (s *Service) SweepExpired(ctx context.Context, now time.Time, autoComplete bool) (SweepResult, error) {
	var res SweepResult
	page := model.Pagination{Page: 1, PageSize: 500}
	var expired []*model.Booking
	for {
		batch, total, err := s.ListExpired(ctx, now, page)
		if err != nil {
			return res, err
		}
		expired = append(expired, batch...)
		if len(batch) == 0 || page.Offset()+len(batch) >= total {
			break
		}
		page.Page++
	}

	for _, b := range expired {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Expired++
		s.emit(ctx, events.BookingExpired, b, "")
		if !autoComplete {
			continue
		}
		if _, err := s.Complete(ctx, b.ID); err != nil {
			res.Failed++
			s.logger.Error("auto-complete of expired booking failed", "booking_id", b.ID, "error", err)
			continue
		}
		res.Completed++
	}
	return res, nil
}
