package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/fault"
)

// ErrNoTransition is returned by conditional updates when zero rows matched:
// the row either does not exist or is no longer in the expected state. The
// caller re-reads the row to decide which.
var ErrNoTransition = errors.New("no rows matched expected state")

// TransactionRepo handles database operations for purchase transactions.
// Every state transition is a conditional update keyed on the expected
// current status, so a lost-update race (e.g. cancel vs concurrent confirm)
// surfaces as ErrNoTransition instead of clobbering the row.
type TransactionRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewTransactionRepo creates a new transaction repository.
func NewTransactionRepo(db *DB, logger *zap.Logger) *TransactionRepo {
	return &TransactionRepo{db: db, logger: logger}
}

const txColumns = `
	id, user_id, wallet_address, tx_hash, block_number, block_index,
	input_asset, output_asset, usd_amount, exchange_rate, amount_local,
	gas_used, gas_price, status, ts, confirmed_at, failed_at, cancelled_at,
	processed, processed_at, processing_attempts, last_processing_attempt,
	receipt, error_message, metadata, created_at, updated_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var inputAsset, outputAsset []byte

	err := row.Scan(
		&t.ID, &t.UserID, &t.WalletAddress, &t.TxHash, &t.BlockNumber, &t.BlockIndex,
		&inputAsset, &outputAsset, &t.UsdAmount, &t.ExchangeRate, &t.AmountLocal,
		&t.GasUsed, &t.GasPrice, &t.Status, &t.Timestamp, &t.ConfirmedAt, &t.FailedAt, &t.CancelledAt,
		&t.Processed, &t.ProcessedAt, &t.ProcessingAttempts, &t.LastProcessingAttempt,
		&t.Receipt, &t.ErrorMessage, &t.Metadata, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(inputAsset, &t.InputAsset); err != nil {
		return nil, fmt.Errorf("decode input asset: %w", err)
	}
	if err := json.Unmarshal(outputAsset, &t.OutputAsset); err != nil {
		return nil, fmt.Errorf("decode output asset: %w", err)
	}

	return &t, nil
}

// CreateTransaction inserts a new pending transaction.
func (r *TransactionRepo) CreateTransaction(ctx context.Context, t *Transaction) error {
	inputAsset, err := json.Marshal(t.InputAsset)
	if err != nil {
		return fmt.Errorf("encode input asset: %w", err)
	}
	outputAsset, err := json.Marshal(t.OutputAsset)
	if err != nil {
		return fmt.Errorf("encode output asset: %w", err)
	}

	query := `
		INSERT INTO transactions (
			id, user_id, wallet_address, tx_hash, input_asset, output_asset,
			usd_amount, exchange_rate, amount_local, status, ts, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		t.ID, t.UserID, t.WalletAddress, t.TxHash, inputAsset, outputAsset,
		t.UsdAmount, t.ExchangeRate, t.AmountLocal, t.Status, t.Timestamp, t.Metadata,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create transaction",
			zap.Error(err),
			zap.String("transaction_id", t.ID.String()),
		)
		return fmt.Errorf("insert transaction: %w", err)
	}

	r.logger.Info("transaction created",
		zap.String("transaction_id", t.ID.String()),
		zap.String("user_id", t.UserID.String()),
		zap.String("usd_amount", t.UsdAmount.String()),
	)

	return nil
}

// GetTransaction retrieves a transaction by ID.
func (r *TransactionRepo) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NewNotFound("transaction", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return t, nil
}

// GetTransactionByHash retrieves a transaction by its ledger hash. Used by
// the purchase-event poller to dedup unsolicited on-chain events.
func (r *TransactionRepo) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE tx_hash = $1`

	t, err := scanTransaction(r.db.Pool().QueryRow(ctx, query, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NewNotFound("transaction", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction by hash: %w", err)
	}
	return t, nil
}

// ApplyReceipt moves a pending transaction to its terminal state based on the
// ledger receipt. The terminal timestamp is set exactly once here; the WHERE
// clause guarantees the transition only happens from pending.
func (r *TransactionRepo) ApplyReceipt(
	ctx context.Context,
	id uuid.UUID,
	status string,
	receipt json.RawMessage,
	errorMsg *string,
	blockNumber *int64,
	blockIndex *int,
) (*Transaction, error) {
	query := `
		UPDATE transactions
		SET status = $2,
		    receipt = $3,
		    error_message = $4,
		    block_number = COALESCE($5, block_number),
		    block_index = COALESCE($6, block_index),
		    confirmed_at = CASE WHEN $2 = 'confirmed' THEN NOW() ELSE confirmed_at END,
		    failed_at = CASE WHEN $2 = 'failed' THEN NOW() ELSE failed_at END,
		    processed = TRUE,
		    processed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + txColumns

	t, err := scanTransaction(r.db.Pool().QueryRow(ctx, query,
		id, status, receipt, errorMsg, blockNumber, blockIndex))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTransition
	}
	if err != nil {
		return nil, fmt.Errorf("apply receipt: %w", err)
	}

	r.logger.Info("receipt applied",
		zap.String("transaction_id", id.String()),
		zap.String("status", status),
	)

	return t, nil
}

// CancelTransaction transitions pending → cancelled.
func (r *TransactionRepo) CancelTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	query := `
		UPDATE transactions
		SET status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + txColumns

	t, err := scanTransaction(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTransition
	}
	if err != nil {
		return nil, fmt.Errorf("cancel transaction: %w", err)
	}
	return t, nil
}

// ResetForRetry transitions failed → pending for a client-side resubmission.
// The ledger hash is cleared along with receipt, error, terminal timestamps,
// and attempt counters; the new hash arrives with the resubmitted purchase.
func (r *TransactionRepo) ResetForRetry(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	query := `
		UPDATE transactions
		SET status = 'pending',
		    tx_hash = NULL,
		    block_number = NULL,
		    block_index = NULL,
		    receipt = NULL,
		    error_message = NULL,
		    gas_used = NULL,
		    gas_price = NULL,
		    confirmed_at = NULL,
		    failed_at = NULL,
		    processed = FALSE,
		    processed_at = NULL,
		    processing_attempts = 0,
		    last_processing_attempt = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
		RETURNING ` + txColumns

	t, err := scanTransaction(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTransition
	}
	if err != nil {
		return nil, fmt.Errorf("reset transaction for retry: %w", err)
	}

	r.logger.Info("transaction reset for retry", zap.String("transaction_id", id.String()))

	return t, nil
}

// AttachHash records the ledger hash of a submitted purchase while the
// transaction is still pending.
func (r *TransactionRepo) AttachHash(ctx context.Context, id uuid.UUID, hash string) (*Transaction, error) {
	query := `
		UPDATE transactions
		SET tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + txColumns

	t, err := scanTransaction(r.db.Pool().QueryRow(ctx, query, id, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTransition
	}
	if err != nil {
		return nil, fmt.Errorf("attach hash: %w", err)
	}
	return t, nil
}

// RecordProcessingAttempt increments the reconciliation attempt counter for a
// pending transaction whose receipt has not appeared yet.
func (r *TransactionRepo) RecordProcessingAttempt(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	query := `
		UPDATE transactions
		SET processing_attempts = processing_attempts + 1,
		    last_processing_attempt = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + txColumns

	t, err := scanTransaction(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTransition
	}
	if err != nil {
		return nil, fmt.Errorf("record processing attempt: %w", err)
	}
	return t, nil
}

// ListPendingTransactions returns pending transactions eligible for
// reconciliation: hash attached and attempts below the cap.
func (r *TransactionRepo) ListPendingTransactions(ctx context.Context, maxAttempts, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE status = 'pending' AND tx_hash IS NOT NULL AND processing_attempts < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// ListStuckTransactions returns pending transactions at the attempt cap,
// excluded from automatic reconciliation and awaiting manual review.
func (r *TransactionRepo) ListStuckTransactions(ctx context.Context, maxAttempts, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE status = 'pending' AND processing_attempts >= $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// ListTransactionsByUser retrieves a user's transactions newest first.
func (r *TransactionRepo) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY ts DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query transactions by user: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]*Transaction, error) {
	var transactions []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return transactions, nil
}
