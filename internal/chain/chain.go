// Package chain talks to the on-chain escrow contract.
//
// Every mutating call returns only once the transaction is confirmed. The
// contract moves an escrow forward exactly once, to released or to refunded.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/rentgrid/backend/internal/model"
)

var (
	// ErrEscrowNotFound is returned for an unknown escrow id.
	ErrEscrowNotFound = errors.New("escrow not found")
	// ErrAlreadySettled is returned when settling an escrow that was settled
	// the other way (release after refund, or refund after release).
	ErrAlreadySettled = errors.New("escrow already settled")
	// ErrCircuitOpen is returned while the relay circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("escrow relay circuit open")
	// ErrInvalidAmount is returned for non-positive or unrepresentable amounts.
	ErrInvalidAmount = errors.New("invalid escrow amount")
)

// CreateRequest describes a new escrow.
type CreateRequest struct {
	Provider      string
	Consumer      string
	DurationHours int
	Amount        decimal.Decimal
	StartTime     time.Time
}

// Receipt is the confirmation of an escrow transaction. Noop is set when the
// contract accepted a call that changed nothing, such as a repeated release.
type Receipt struct {
	EscrowID string `json:"escrow_id"`
	TxHash   string `json:"tx_hash"`
	Block    uint64 `json:"block"`
	Noop     bool   `json:"noop"`
}

// EscrowClient is the escrow contract call surface.
type EscrowClient interface {
	CreateEscrow(ctx context.Context, req CreateRequest) (*Receipt, error)
	ReleaseEscrow(ctx context.Context, escrowID string) (*Receipt, error)
	RefundEscrow(ctx context.Context, escrowID string) (*Receipt, error)
	ReportSLAViolation(ctx context.Context, subject, description string) (*Receipt, error)
	GetEscrow(ctx context.Context, escrowID string) (*model.Escrow, error)
}

// EvidenceDigest returns the 0x-prefixed keccak-256 digest of a violation
// description, as stored on chain.
func EvidenceDigest(description string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(description))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// ToBaseUnits converts a token amount to integer base units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return "", ErrInvalidAmount
	}
	return shifted.String(), nil
}

// FromBaseUnits converts integer base units back to a token amount.
func FromBaseUnits(units string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(units)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(-decimals), nil
}
