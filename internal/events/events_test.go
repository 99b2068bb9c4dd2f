package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/model"
)

func TestNewBookingEvent(t *testing.T) {
	b := &model.Booking{
		BaseEntity: model.NewBaseEntity(),
		ResourceID: "res-1",
		Consumer:   "0xc",
		Provider:   "0xp",
		Status:     model.BookingStatusCancelled,
		EscrowID:   "esc-1",
		TotalCost:  decimal.RequireFromString("2.40"),
	}

	ev := NewBookingEvent(BookingCancelled, b, "changed plans")
	assert.Equal(t, b.ID.String(), ev.BookingID)
	assert.Equal(t, "2.4", ev.TotalCost)
	assert.WithinDuration(t, time.Now(), ev.OccurredAt, time.Second)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"booking.cancelled"`)
	assert.Contains(t, string(raw), `"reason":"changed plans"`)
}
