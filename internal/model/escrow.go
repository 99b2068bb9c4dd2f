package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Escrow mirrors an on-chain escrow holding funds for one booking.
// Released and Refunded are never both true.
type Escrow struct {
	ID            string          `json:"id"`
	Consumer      string          `json:"consumer"`
	Provider      string          `json:"provider"`
	Amount        decimal.Decimal `json:"amount"`
	StartTime     time.Time       `json:"start_time"`
	DurationHours int             `json:"duration_hours"`
	Released      bool            `json:"released"`
	Refunded      bool            `json:"refunded"`
}

// Settled reports whether the escrow has been released or refunded.
func (e *Escrow) Settled() bool {
	return e.Released || e.Refunded
}
