package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rentgrid/backend/internal/model"
)

// Contract call names, used for call accounting and fault injection.
const (
	OpCreate  = "create"
	OpRelease = "release"
	OpRefund  = "refund"
	OpReport  = "report"
)

// Violation is a recorded SLA violation report.
type Violation struct {
	Subject     string
	Description string
	Digest      string
}

// MemoryContract is an in-process escrow contract with the same settlement
// rules as the deployed one.
type MemoryContract struct {
	mu         sync.Mutex
	escrows    map[string]*model.Escrow
	violations []Violation
	calls      map[string]int
	block      uint64

	// Fail, when set, is consulted before every call; a non-nil error
	// aborts the call without side effects.
	Fail func(op string) error
}

// NewMemoryContract creates an empty MemoryContract.
func NewMemoryContract() *MemoryContract {
	return &MemoryContract{
		escrows: make(map[string]*model.Escrow),
		calls:   make(map[string]int),
	}
}

func (m *MemoryContract) begin(op string) error {
	m.calls[op]++
	if m.Fail != nil {
		if err := m.Fail(op); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryContract) receipt(escrowID, op string, noop bool) *Receipt {
	m.block++
	return &Receipt{
		EscrowID: escrowID,
		TxHash:   EvidenceDigest(fmt.Sprintf("%s:%s:%d", op, escrowID, m.block)),
		Block:    m.block,
		Noop:     noop,
	}
}

func (m *MemoryContract) CreateEscrow(ctx context.Context, req CreateRequest) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreate); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	id := uuid.NewString()
	m.escrows[id] = &model.Escrow{
		ID:            id,
		Consumer:      req.Consumer,
		Provider:      req.Provider,
		Amount:        req.Amount,
		StartTime:     req.StartTime,
		DurationHours: req.DurationHours,
	}
	return m.receipt(id, OpCreate, false), nil
}

func (m *MemoryContract) ReleaseEscrow(ctx context.Context, escrowID string) (*Receipt, error) {
	return m.settle(escrowID, OpRelease)
}

func (m *MemoryContract) RefundEscrow(ctx context.Context, escrowID string) (*Receipt, error) {
	return m.settle(escrowID, OpRefund)
}

func (m *MemoryContract) settle(escrowID, op string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(op); err != nil {
		return nil, err
	}
	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	release := op == OpRelease
	switch {
	case release && e.Released, !release && e.Refunded:
		return m.receipt(escrowID, op, true), nil
	case e.Settled():
		return nil, ErrAlreadySettled
	}
	if release {
		e.Released = true
	} else {
		e.Refunded = true
	}
	return m.receipt(escrowID, op, false), nil
}

func (m *MemoryContract) ReportSLAViolation(ctx context.Context, subject, description string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpReport); err != nil {
		return nil, err
	}
	m.violations = append(m.violations, Violation{
		Subject:     subject,
		Description: description,
		Digest:      EvidenceDigest(description),
	})
	return m.receipt("", OpReport, false), nil
}

func (m *MemoryContract) GetEscrow(ctx context.Context, escrowID string) (*model.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	c := *e
	return &c, nil
}

// Calls returns how many times op was invoked, including failed attempts.
func (m *MemoryContract) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Violations returns the recorded violation reports.
func (m *MemoryContract) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Violation(nil), m.violations...)
}

// Escrows returns a snapshot of all escrows.
func (m *MemoryContract) Escrows() []*model.Escrow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Escrow, 0, len(m.escrows))
	for _, e := range m.escrows {
		c := *e
		out = append(out, &c)
	}
	return out
}
