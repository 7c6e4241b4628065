// Package txn enforces the purchase transaction state machine:
// pending → confirmed | failed | cancelled, with failed → pending reachable
// only through an explicit user-initiated retry.
package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/events"
	"github.com/lalithlochan/saleflow/internal/fault"
	"github.com/lalithlochan/saleflow/internal/ledger"
	"github.com/lalithlochan/saleflow/internal/metrics"
)

// Repository is the slice of the store the controller needs.
type Repository interface {
	CreateTransaction(ctx context.Context, t *db.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	GetTransactionByHash(ctx context.Context, hash string) (*db.Transaction, error)
	ApplyReceipt(ctx context.Context, id uuid.UUID, status string, receipt json.RawMessage, errorMsg *string, blockNumber *int64, blockIndex *int) (*db.Transaction, error)
	CancelTransaction(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	ResetForRetry(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	AttachHash(ctx context.Context, id uuid.UUID, hash string) (*db.Transaction, error)
	RecordProcessingAttempt(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
}

// WalletResolver maps a wallet address to its owning user. Used only when an
// unsolicited on-chain purchase arrives for a wallet with no pending record.
type WalletResolver func(ctx context.Context, address string) (uuid.UUID, error)

// Config holds controller tunables.
type Config struct {
	MaxProcessingAttempts int
}

// Controller coordinates transaction lifecycle transitions.
type Controller struct {
	repo      Repository
	publisher events.Publisher
	resolver  WalletResolver
	config    Config
	logger    *zap.Logger
}

// New creates a transaction lifecycle controller.
func New(repo Repository, publisher events.Publisher, cfg Config, logger *zap.Logger) *Controller {
	if cfg.MaxProcessingAttempts == 0 {
		cfg.MaxProcessingAttempts = db.MaxProcessingAttempts
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Controller{
		repo:      repo,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// SetWalletResolver wires the optional wallet → user lookup for unsolicited
// purchase events.
func (c *Controller) SetWalletResolver(r WalletResolver) {
	c.resolver = r
}

// MaxProcessingAttempts returns the configured reconciliation attempt cap.
func (c *Controller) MaxProcessingAttempts() int {
	return c.config.MaxProcessingAttempts
}

// CreatePendingPurchase persists a new pending transaction. The
// local-currency amount is derived once here from the exchange rate captured
// at write time and never recomputed.
func (c *Controller) CreatePendingPurchase(
	ctx context.Context,
	userID uuid.UUID,
	walletAddress string,
	inputAsset, outputAsset db.Asset,
	usdAmount, exchangeRate decimal.Decimal,
	metadata json.RawMessage,
) (*db.Transaction, error) {
	if walletAddress == "" {
		return nil, fault.NewValidation("wallet_address", "must not be empty")
	}
	if !usdAmount.IsPositive() {
		return nil, fault.NewValidation("usd_amount", "must be greater than zero")
	}
	if !exchangeRate.IsPositive() {
		return nil, fault.NewValidation("exchange_rate", "must be greater than zero")
	}

	t := &db.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		WalletAddress: walletAddress,
		InputAsset:    inputAsset,
		OutputAsset:   outputAsset,
		UsdAmount:     usdAmount,
		ExchangeRate:  exchangeRate,
		AmountLocal:   usdAmount.Mul(exchangeRate),
		Status:        db.TxStatusPending,
		Timestamp:     time.Now(),
		Metadata:      metadata,
	}

	if err := c.repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	metrics.RecordTransactionTransition(db.TxStatusPending)
	c.publish(ctx, t)

	return t, nil
}

// Confirm applies a ledger receipt to a pending transaction, moving it to
// confirmed or failed. Applying the same receipt to an already-terminal
// transaction is a no-op returning the existing record, so duplicate
// delivery of the same ledger event is harmless.
func (c *Controller) Confirm(ctx context.Context, id uuid.UUID, receipt *ledger.Receipt) (*db.Transaction, error) {
	if receipt == nil {
		return nil, fault.NewValidation("receipt", "must not be nil")
	}

	t, err := c.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	if done, result, err := c.terminalOrReject(t); done {
		return result, err
	}

	status := db.TxStatusFailed
	var errorMsg *string
	if receipt.Status == ledger.ReceiptSuccess {
		status = db.TxStatusConfirmed
	} else {
		msg := "transaction reverted on ledger"
		errorMsg = &msg
	}

	encoded, err := json.Marshal(receipt)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}

	blockNumber := receipt.BlockNumber
	blockIndex := receipt.TxIndex
	updated, err := c.repo.ApplyReceipt(ctx, id, status, encoded, errorMsg, &blockNumber, &blockIndex)
	if errors.Is(err, db.ErrNoTransition) {
		// Lost the race to another confirm or a cancel. Re-read and apply
		// the same idempotency rule.
		t, err = c.repo.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		_, result, rerr := c.terminalOrReject(t)
		return result, rerr
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("transaction confirmed",
		zap.String("transaction_id", id.String()),
		zap.String("status", status),
		zap.Int64("block_number", receipt.BlockNumber),
	)

	metrics.RecordTransactionTransition(status)
	metrics.RecordConfirmLatency(time.Since(updated.CreatedAt))
	c.publish(ctx, updated)

	return updated, nil
}

// terminalOrReject implements the idempotent-confirm rule: terminal and
// processed means return as-is; cancelled (or any other non-pending state)
// means the transition is illegal.
func (c *Controller) terminalOrReject(t *db.Transaction) (bool, *db.Transaction, error) {
	switch t.Status {
	case db.TxStatusPending:
		return false, nil, nil
	case db.TxStatusConfirmed, db.TxStatusFailed:
		if t.Processed {
			return true, t, nil
		}
		return true, nil, fault.NewInvalidState("transaction", t.ID.String(), t.Status, db.TxStatusPending)
	default:
		return true, nil, fault.NewInvalidState("transaction", t.ID.String(), t.Status, db.TxStatusPending)
	}
}

// Cancel transitions a pending transaction to cancelled on behalf of its
// owner.
func (c *Controller) Cancel(ctx context.Context, id, byUserID uuid.UUID) (*db.Transaction, error) {
	t, err := c.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != byUserID {
		return nil, fault.NewForbidden("transaction", id.String())
	}
	if t.Status != db.TxStatusPending {
		return nil, fault.NewInvalidState("transaction", id.String(), t.Status, db.TxStatusPending)
	}

	updated, err := c.repo.CancelTransaction(ctx, id)
	if errors.Is(err, db.ErrNoTransition) {
		t, gerr := c.repo.GetTransaction(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fault.NewInvalidState("transaction", id.String(), t.Status, db.TxStatusPending)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("transaction cancelled",
		zap.String("transaction_id", id.String()),
		zap.String("user_id", byUserID.String()),
	)

	metrics.RecordTransactionTransition(db.TxStatusCancelled)
	c.publish(ctx, updated)

	return updated, nil
}

// Retry resets a failed transaction back to pending for a client-side
// resubmission. Receipt, error, terminal timestamps, attempt counters, and
// the ledger hash are all cleared; the resubmitted purchase attaches a fresh
// hash before the next confirm.
func (c *Controller) Retry(ctx context.Context, id, byUserID uuid.UUID) (*db.Transaction, error) {
	t, err := c.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != byUserID {
		return nil, fault.NewForbidden("transaction", id.String())
	}
	if t.Status != db.TxStatusFailed {
		return nil, fault.NewInvalidState("transaction", id.String(), t.Status, db.TxStatusFailed)
	}

	updated, err := c.repo.ResetForRetry(ctx, id)
	if errors.Is(err, db.ErrNoTransition) {
		t, gerr := c.repo.GetTransaction(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fault.NewInvalidState("transaction", id.String(), t.Status, db.TxStatusFailed)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("transaction retried",
		zap.String("transaction_id", id.String()),
		zap.String("user_id", byUserID.String()),
	)

	metrics.RecordTransactionTransition(db.TxStatusPending)
	c.publish(ctx, updated)

	return updated, nil
}

// AttachLedgerHash records the on-chain hash for a submitted purchase.
func (c *Controller) AttachLedgerHash(ctx context.Context, id, byUserID uuid.UUID, hash string) (*db.Transaction, error) {
	if hash == "" {
		return nil, fault.NewValidation("tx_hash", "must not be empty")
	}

	t, err := c.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != byUserID {
		return nil, fault.NewForbidden("transaction", id.String())
	}
	if t.Status != db.TxStatusPending {
		return nil, fault.NewInvalidState("transaction", id.String(), t.Status, db.TxStatusPending)
	}

	updated, err := c.repo.AttachHash(ctx, id, hash)
	if errors.Is(err, db.ErrNoTransition) {
		t, gerr := c.repo.GetTransaction(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fault.NewInvalidState("transaction", id.String(), t.Status, db.TxStatusPending)
	}
	return updated, err
}

// RecordProcessingAttempt bumps the reconciliation counter after an empty
// ledger lookup. Hitting the cap is a reporting condition: the record is
// flagged via metrics and excluded from future sweeps, not failed.
func (c *Controller) RecordProcessingAttempt(ctx context.Context, id uuid.UUID) (*db.Transaction, error) {
	updated, err := c.repo.RecordProcessingAttempt(ctx, id)
	if errors.Is(err, db.ErrNoTransition) {
		t, gerr := c.repo.GetTransaction(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fault.NewInvalidState("transaction", id.String(), t.Status, db.TxStatusPending)
	}
	if err != nil {
		return nil, err
	}

	if updated.ProcessingAttempts >= c.config.MaxProcessingAttempts {
		c.logger.Warn("transaction exhausted reconciliation attempts",
			zap.String("transaction_id", id.String()),
			zap.Int("attempts", updated.ProcessingAttempts),
		)
		metrics.RecordExhaustedRetries("transaction")
	}

	return updated, nil
}

// HandlePurchaseEvent processes an unsolicited on-chain purchase. A known
// hash confirms the matching pending transaction; an unknown hash creates a
// confirmed record for the resolved wallet owner, or is skipped when no
// resolver is wired.
func (c *Controller) HandlePurchaseEvent(ctx context.Context, ev ledger.PurchaseEvent) error {
	t, err := c.repo.GetTransactionByHash(ctx, ev.TxHash)
	if err == nil {
		if t.Status != db.TxStatusPending {
			return nil // already settled, duplicate event
		}
		receipt := &ledger.Receipt{
			TxHash:      ev.TxHash,
			Status:      ledger.ReceiptSuccess,
			BlockNumber: ev.BlockNumber,
			TxIndex:     ev.LogIndex,
		}
		_, err = c.Confirm(ctx, t.ID, receipt)
		return err
	}
	if !fault.IsNotFound(err) {
		return err
	}

	if c.resolver == nil {
		c.logger.Warn("purchase event for unknown hash, no wallet resolver wired",
			zap.String("tx_hash", ev.TxHash),
			zap.String("buyer", ev.Buyer),
		)
		return nil
	}

	userID, err := c.resolver(ctx, ev.Buyer)
	if err != nil {
		c.logger.Warn("purchase event for unresolvable wallet",
			zap.Error(err),
			zap.String("buyer", ev.Buyer),
		)
		return nil
	}

	amount := decimal.NewFromBigInt(ev.Amount, 0)
	cost := decimal.NewFromBigInt(ev.Cost, 0)

	t = &db.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		WalletAddress: ev.Buyer,
		TxHash:        &ev.TxHash,
		OutputAsset:   db.Asset{Amount: amount},
		InputAsset:    db.Asset{Amount: cost},
		UsdAmount:     cost,
		ExchangeRate:  decimal.NewFromInt(1),
		AmountLocal:   cost,
		Status:        db.TxStatusPending,
		Timestamp:     ev.ObservedAt,
	}
	if err := c.repo.CreateTransaction(ctx, t); err != nil {
		return fmt.Errorf("create transaction from purchase event: %w", err)
	}

	receipt := &ledger.Receipt{
		TxHash:      ev.TxHash,
		Status:      ledger.ReceiptSuccess,
		BlockNumber: ev.BlockNumber,
		TxIndex:     ev.LogIndex,
	}
	_, err = c.Confirm(ctx, t.ID, receipt)
	return err
}

func (c *Controller) publish(ctx context.Context, t *db.Transaction) {
	ev := events.Event{
		Kind:       events.KindTransaction,
		EntityID:   t.ID.String(),
		UserID:     t.UserID.String(),
		Status:     t.Status,
		OccurredAt: time.Now(),
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("state change broadcast failed",
			zap.Error(err),
			zap.String("transaction_id", t.ID.String()),
		)
	}
}
