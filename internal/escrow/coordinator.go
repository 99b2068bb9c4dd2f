// Package escrow coordinates booking transitions with escrow contract calls.
//
// Open, release and refund are synchronous: the caller commits its ledger
// change only after the call returns a confirmed receipt. Violation reports
// are queued and delivered in the background.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/archive"
	"github.com/rentgrid/backend/internal/chain"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/telemetry"
)

type report struct {
	bookingID string
	summary   string
	queuedAt  time.Time
}

// Coordinator issues escrow calls on behalf of the booking ledger.
type Coordinator struct {
	client   chain.EscrowClient
	archiver archive.Archiver
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu      sync.Mutex
	closed  bool
	started bool
	reports chan report

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	archives sync.WaitGroup
}

// NewCoordinator creates a Coordinator. archiver and metrics may be nil.
func NewCoordinator(client chain.EscrowClient, cfg config.ChainConfig, archiver archive.Archiver, metrics *telemetry.Metrics, logger *slog.Logger) *Coordinator {
	if archiver == nil {
		archiver = archive.Noop{}
	}
	if cfg.ReportQueueSize < 1 {
		cfg.ReportQueueSize = 256
	}
	if cfg.ReportMaxAttempts < 1 {
		cfg.ReportMaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		client:      client,
		archiver:    archiver,
		metrics:     metrics,
		logger:      logger,
		timeout:     cfg.CallTimeout,
		maxAttempts: cfg.ReportMaxAttempts,
		baseDelay:   cfg.ReportBaseDelay,
		maxDelay:    cfg.ReportMaxDelay,
		reports:     make(chan report, cfg.ReportQueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the violation report worker.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.reportLoop()
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// upstream maps a chain failure onto the error taxonomy.
func upstream(err error, op string) error {
	switch {
	case errors.Is(err, chain.ErrAlreadySettled):
		return apierrors.Conflict("escrow already settled")
	case errors.Is(err, chain.ErrInvalidAmount):
		return apierrors.Validation("escrow amount must be positive and representable in token units")
	case errors.Is(err, context.DeadlineExceeded):
		return apierrors.Upstream(err, "escrow %s timed out", op)
	case errors.Is(err, chain.ErrCircuitOpen):
		return apierrors.Upstream(err, "escrow contract temporarily unavailable")
	}
	return apierrors.Upstream(err, "escrow %s failed", op)
}

// OpenEscrow creates the escrow for b and returns its id. b.TotalCost is the
// escrowed amount.
func (c *Coordinator) OpenEscrow(ctx context.Context, b *model.Booking) (string, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	start := time.Now()
	rcpt, err := c.client.CreateEscrow(callCtx, chain.CreateRequest{
		Provider:      b.Provider,
		Consumer:      b.Consumer,
		DurationHours: b.DurationHours,
		Amount:        b.TotalCost,
		StartTime:     b.StartTime,
	})
	c.metrics.ChainCall(chain.OpCreate, time.Since(start), err)
	if err != nil {
		c.logger.Error("escrow open failed", "booking_id", b.ID, "error", err)
		return "", upstream(err, "open")
	}

	c.logger.Info("escrow opened", "booking_id", b.ID, "escrow_id", rcpt.EscrowID, "tx_hash", rcpt.TxHash, "amount", b.TotalCost.String())
	c.archive(b.ID.String(), chain.OpCreate, rcpt)
	return rcpt.EscrowID, nil
}

// Release pays the provider. A repeated release is accepted as a no-op.
func (c *Coordinator) Release(ctx context.Context, b *model.Booking) error {
	return c.settle(ctx, b, chain.OpRelease, c.client.ReleaseEscrow)
}

// Refund returns the funds to the consumer. A repeated refund is accepted as
// a no-op.
func (c *Coordinator) Refund(ctx context.Context, b *model.Booking) error {
	return c.settle(ctx, b, chain.OpRefund, c.client.RefundEscrow)
}

func (c *Coordinator) settle(ctx context.Context, b *model.Booking, op string, call func(context.Context, string) (*chain.Receipt, error)) error {
	if b.EscrowID == "" {
		return apierrors.NotFound("booking %s has no escrow", b.ID)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	start := time.Now()
	rcpt, err := call(callCtx, b.EscrowID)
	c.metrics.ChainCall(op, time.Since(start), err)
	if err != nil {
		c.logger.Error("escrow settlement failed", "op", op, "booking_id", b.ID, "escrow_id", b.EscrowID, "error", err)
		return upstream(err, op)
	}
	if rcpt.Noop {
		c.logger.Warn("escrow already settled this way", "op", op, "booking_id", b.ID, "escrow_id", b.EscrowID)
		return nil
	}

	c.logger.Info("escrow settled", "op", op, "booking_id", b.ID, "escrow_id", b.EscrowID, "tx_hash", rcpt.TxHash)
	c.archive(b.ID.String(), op, rcpt)
	return nil
}

// Escrow reads the on-chain escrow state.
func (c *Coordinator) Escrow(ctx context.Context, escrowID string) (*model.Escrow, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	e, err := c.client.GetEscrow(callCtx, escrowID)
	if errors.Is(err, chain.ErrEscrowNotFound) {
		return nil, apierrors.NotFound("escrow %s not found", escrowID)
	}
	if err != nil {
		return nil, upstream(err, "lookup")
	}
	return e, nil
}

// ReportViolation queues a violation report and returns immediately. It
// reports whether the report was accepted; a full queue drops it.
func (c *Coordinator) ReportViolation(bookingID, summary string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Warn("violation report after shutdown dropped", "booking_id", bookingID)
		c.metrics.ViolationReport("dropped")
		return false
	}
	select {
	case c.reports <- report{bookingID: bookingID, summary: summary, queuedAt: time.Now()}:
		return true
	default:
		c.logger.Warn("violation report queue full, dropping report", "booking_id", bookingID)
		c.metrics.ViolationReport("dropped")
		return false
	}
}

func (c *Coordinator) reportLoop() {
	defer c.wg.Done()
	for r := range c.reports {
		c.deliver(r)
	}
}

// deliver retries a report with bounded exponential backoff, then gives up.
func (c *Coordinator) deliver(r report) {
	b := &backoff.Backoff{
		Min:    c.baseDelay,
		Max:    c.maxDelay,
		Factor: 2,
		Jitter: true,
	}
	for {
		if c.ctx.Err() != nil {
			c.logger.Warn("violation report abandoned on shutdown", "booking_id", r.bookingID)
			c.metrics.ViolationReport("dropped")
			return
		}

		callCtx, cancel := c.callContext(c.ctx)
		start := time.Now()
		rcpt, err := c.client.ReportSLAViolation(callCtx, r.bookingID, r.summary)
		cancel()
		c.metrics.ChainCall(chain.OpReport, time.Since(start), err)
		if err == nil {
			c.logger.Info("sla violation reported", "booking_id", r.bookingID, "tx_hash", rcpt.TxHash,
				"attempts", int(b.Attempt())+1, "queued_for", time.Since(r.queuedAt))
			c.metrics.ViolationReport("sent")
			c.archive(r.bookingID, chain.OpReport, rcpt)
			return
		}

		attempt := int(b.Attempt()) + 1
		if attempt >= c.maxAttempts {
			c.logger.Error("sla violation report failed, giving up", "booking_id", r.bookingID, "attempts", attempt, "error", err)
			c.metrics.ViolationReport("failed")
			return
		}

		delay := b.Duration()
		c.logger.Warn("sla violation report failed, retrying", "booking_id", r.bookingID, "attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
		}
	}
}

// archive stores rcpt in the background. After Drain has begun it stores
// inline instead, so archives.Add never runs concurrently with Wait.
func (c *Coordinator) archive(bookingID, op string, rcpt *chain.Receipt) {
	if _, ok := c.archiver.(archive.Noop); ok {
		return
	}
	rec := archive.Record{BookingID: bookingID, Op: op, Receipt: rcpt, At: time.Now().UTC()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.store(rec)
		return
	}
	c.archives.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.archives.Done()
		c.store(rec)
	}()
}

func (c *Coordinator) store(rec archive.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.archiver.Archive(ctx, rec); err != nil {
		c.logger.Warn("escrow receipt archive failed", "booking_id", rec.BookingID, "op", rec.Op, "error", err)
	}
}

// Drain stops accepting reports and waits until queued reports are delivered
// or ctx expires, in which case outstanding retries are abandoned.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.reports)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.archives.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
