package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/rentgrid/backend/internal/breaker"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
)

// Revert reasons emitted by the escrow contract.
const (
	revertNotFound        = "escrow: not found"
	revertAlreadyReleased = "escrow: already released"
	revertAlreadyRefunded = "escrow: already refunded"
)

// Transaction status codes reported by the relayer.
const (
	txStatusReverted = 0
	txStatusSuccess  = 1
)

type createParams struct {
	Provider      string `json:"provider"`
	Consumer      string `json:"consumer"`
	DurationHours int    `json:"durationHours"`
	Amount        string `json:"amount"`
	StartTime     int64  `json:"startTime"`
}

type violationParams struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Evidence    string `json:"evidence"`
}

type txReceipt struct {
	TxHash       string `json:"txHash"`
	Block        uint64 `json:"blockNumber"`
	Status       int    `json:"status"`
	EscrowID     string `json:"escrowId"`
	RevertReason string `json:"revertReason"`
}

type escrowView struct {
	ID            string `json:"id"`
	Consumer      string `json:"consumer"`
	Provider      string `json:"provider"`
	Amount        string `json:"amount"`
	StartTime     int64  `json:"startTime"`
	DurationHours int    `json:"durationHours"`
	Released      bool   `json:"released"`
	Refunded      bool   `json:"refunded"`
}

// relayAPI is the JSON-RPC surface of the escrow relayer. Submit methods
// return a transaction hash; WaitReceipt blocks until the transaction has the
// requested number of confirmations.
type relayAPI struct {
	Internal struct {
		CreateEscrow    func(ctx context.Context, p createParams) (string, error)
		ReleaseEscrow   func(ctx context.Context, escrowID string) (string, error)
		RefundEscrow    func(ctx context.Context, escrowID string) (string, error)
		ReportViolation func(ctx context.Context, p violationParams) (string, error)
		WaitReceipt     func(ctx context.Context, txHash string, confidence int) (*txReceipt, error)
		GetEscrow       func(ctx context.Context, escrowID string) (*escrowView, error)
	}
}

// RelayClient implements EscrowClient against a JSON-RPC escrow relayer.
type RelayClient struct {
	api           relayAPI
	closer        jsonrpc.ClientCloser
	cb            *breaker.CircuitBreaker
	confirmations int
	decimals      int32
	logger        *slog.Logger
}

// NewRelayClient dials the relayer at cfg.RelayURL.
func NewRelayClient(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (*RelayClient, error) {
	header := http.Header{}
	if cfg.RelayToken != "" {
		header.Set("Authorization", "Bearer "+cfg.RelayToken)
	}

	c := &RelayClient{
		cb:            breaker.New(cfg.CircuitBreaker),
		confirmations: cfg.Confirmations,
		decimals:      cfg.TokenDecimals,
		logger:        logger,
	}
	closer, err := jsonrpc.NewMergeClient(ctx, cfg.RelayURL, "Escrow",
		[]interface{}{
			&c.api.Internal,
		},
		header,
	)
	if err != nil {
		return nil, fmt.Errorf("dial escrow relayer: %w", err)
	}
	c.closer = closer
	return c, nil
}

// Close closes the relayer connection.
func (c *RelayClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// BreakerState reports the relay circuit breaker state.
func (c *RelayClient) BreakerState() breaker.State {
	return c.cb.State()
}

// contractError reports whether err is a contract-level answer rather than a
// transport failure.
func contractError(err error) bool {
	return errors.Is(err, ErrEscrowNotFound) || errors.Is(err, ErrAlreadySettled) || errors.Is(err, ErrInvalidAmount)
}

func (c *RelayClient) call(fn func() error) error {
	err := c.cb.Do(fn, contractError)
	if errors.Is(err, breaker.ErrOpen) {
		return ErrCircuitOpen
	}
	return err
}

// submit sends a transaction and waits for its confirmed receipt. A send that
// returns no hash and no error submitted nothing, and yields a nil receipt.
func (c *RelayClient) submit(ctx context.Context, op string, send func() (string, error)) (*txReceipt, error) {
	var rcpt *txReceipt
	err := c.call(func() error {
		txHash, err := send()
		if err != nil {
			return fmt.Errorf("%s: submit: %w", op, err)
		}
		if txHash == "" {
			return nil
		}
		rcpt, err = c.api.Internal.WaitReceipt(ctx, txHash, c.confirmations)
		if err != nil {
			return fmt.Errorf("%s: wait for %s: %w", op, txHash, err)
		}
		if rcpt.TxHash == "" {
			rcpt.TxHash = txHash
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rcpt == nil {
		return nil, nil
	}
	c.logger.Debug("escrow transaction confirmed", "op", op, "tx_hash", rcpt.TxHash, "block", rcpt.Block, "status", rcpt.Status)
	return rcpt, nil
}

func revertReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, reason := range []string{revertNotFound, revertAlreadyReleased, revertAlreadyRefunded} {
		if strings.Contains(msg, reason) {
			return reason
		}
	}
	return ""
}

func (c *RelayClient) CreateEscrow(ctx context.Context, req CreateRequest) (*Receipt, error) {
	amount, err := ToBaseUnits(req.Amount, c.decimals)
	if err != nil {
		return nil, err
	}
	params := createParams{
		Provider:      req.Provider,
		Consumer:      req.Consumer,
		DurationHours: req.DurationHours,
		Amount:        amount,
		StartTime:     req.StartTime.Unix(),
	}
	rcpt, err := c.submit(ctx, "createEscrow", func() (string, error) {
		return c.api.Internal.CreateEscrow(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	if rcpt == nil {
		return nil, fmt.Errorf("createEscrow: relayer returned no transaction")
	}
	if rcpt.Status != txStatusSuccess {
		return nil, fmt.Errorf("createEscrow reverted in %s: %s", rcpt.TxHash, rcpt.RevertReason)
	}
	if rcpt.EscrowID == "" {
		return nil, fmt.Errorf("createEscrow %s: receipt carries no escrow id", rcpt.TxHash)
	}
	return &Receipt{EscrowID: rcpt.EscrowID, TxHash: rcpt.TxHash, Block: rcpt.Block}, nil
}

func (c *RelayClient) ReleaseEscrow(ctx context.Context, escrowID string) (*Receipt, error) {
	return c.settle(ctx, escrowID, true)
}

func (c *RelayClient) RefundEscrow(ctx context.Context, escrowID string) (*Receipt, error) {
	return c.settle(ctx, escrowID, false)
}

func (c *RelayClient) settle(ctx context.Context, escrowID string, release bool) (*Receipt, error) {
	op, send, same := "refundEscrow", c.api.Internal.RefundEscrow, revertAlreadyRefunded
	if release {
		op, send, same = "releaseEscrow", c.api.Internal.ReleaseEscrow, revertAlreadyReleased
	}

	var noop bool
	rcpt, err := c.submit(ctx, op, func() (string, error) {
		txHash, err := send(ctx, escrowID)
		// Gas estimation surfaces reverts before the transaction is sent.
		switch reason := revertReason(err); reason {
		case "":
			return txHash, err
		case same:
			noop = true
			return "", nil
		case revertNotFound:
			return "", ErrEscrowNotFound
		default:
			return "", ErrAlreadySettled
		}
	})
	if err != nil {
		return nil, err
	}
	if noop || rcpt == nil {
		return &Receipt{EscrowID: escrowID, Noop: true}, nil
	}
	if rcpt.Status == txStatusReverted {
		switch rcpt.RevertReason {
		case same:
			return &Receipt{EscrowID: escrowID, TxHash: rcpt.TxHash, Block: rcpt.Block, Noop: true}, nil
		case revertNotFound:
			return nil, ErrEscrowNotFound
		case revertAlreadyReleased, revertAlreadyRefunded:
			return nil, ErrAlreadySettled
		}
		return nil, fmt.Errorf("%s reverted in %s: %s", op, rcpt.TxHash, rcpt.RevertReason)
	}
	return &Receipt{EscrowID: escrowID, TxHash: rcpt.TxHash, Block: rcpt.Block}, nil
}

func (c *RelayClient) ReportSLAViolation(ctx context.Context, subject, description string) (*Receipt, error) {
	params := violationParams{
		Subject:     subject,
		Description: description,
		Evidence:    EvidenceDigest(description),
	}
	rcpt, err := c.submit(ctx, "reportViolation", func() (string, error) {
		return c.api.Internal.ReportViolation(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	if rcpt == nil {
		return nil, fmt.Errorf("reportViolation: relayer returned no transaction")
	}
	if rcpt.Status != txStatusSuccess {
		return nil, fmt.Errorf("reportViolation reverted in %s: %s", rcpt.TxHash, rcpt.RevertReason)
	}
	return &Receipt{TxHash: rcpt.TxHash, Block: rcpt.Block}, nil
}

func (c *RelayClient) GetEscrow(ctx context.Context, escrowID string) (*model.Escrow, error) {
	var view *escrowView
	err := c.call(func() error {
		var err error
		view, err = c.api.Internal.GetEscrow(ctx, escrowID)
		if revertReason(err) == revertNotFound {
			return ErrEscrowNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, ErrEscrowNotFound
	}
	amount, err := FromBaseUnits(view.Amount, c.decimals)
	if err != nil {
		return nil, fmt.Errorf("decode escrow amount %q: %w", view.Amount, err)
	}
	return &model.Escrow{
		ID:            view.ID,
		Consumer:      view.Consumer,
		Provider:      view.Provider,
		Amount:        amount,
		StartTime:     unixTime(view.StartTime),
		DurationHours: view.DurationHours,
		Released:      view.Released,
		Refunded:      view.Refunded,
	}, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
