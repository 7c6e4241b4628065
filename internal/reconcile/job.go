// Package reconcile re-drives stuck records through their controllers on a
// fixed schedule: pending transactions are checked against the ledger,
// due notifications are redispatched, and aged-out notifications are swept.
package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/ledger"
	"github.com/lalithlochan/saleflow/internal/metrics"
)

// TransactionStore is the scan surface over pending transactions.
type TransactionStore interface {
	ListPendingTransactions(ctx context.Context, maxAttempts, limit int) ([]*db.Transaction, error)
}

// NotificationStore is the scan/sweep surface over notifications.
type NotificationStore interface {
	ListDueNotifications(ctx context.Context, limit int) ([]*db.Notification, error)
	DeleteExpired(ctx context.Context) (int64, error)
	DeleteReadAndDismissed(ctx context.Context, retention time.Duration) (int64, error)
}

// TransactionController is the slice of the transaction lifecycle the job
// drives.
type TransactionController interface {
	Confirm(ctx context.Context, id uuid.UUID, receipt *ledger.Receipt) (*db.Transaction, error)
	RecordProcessingAttempt(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	MaxProcessingAttempts() int
}

// Dispatcher is the slice of the notification lifecycle the job drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

// Config holds job tunables.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	Retention     time.Duration
	LedgerTimeout time.Duration
}

// Job is the periodic reconciliation sweep.
type Job struct {
	transactions  TransactionStore
	notifications NotificationStore
	txns          TransactionController
	dispatcher    Dispatcher
	reader        ledger.Reader
	config        Config
	logger        *zap.Logger

	// Guards against overlapping runs: a tick is skipped while the
	// previous run is still in flight.
	running atomic.Bool
}

// New creates a reconciliation job.
func New(
	transactions TransactionStore,
	notifications NotificationStore,
	txns TransactionController,
	dispatcher Dispatcher,
	reader ledger.Reader,
	cfg Config,
	logger *zap.Logger,
) *Job {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.LedgerTimeout == 0 {
		cfg.LedgerTimeout = 15 * time.Second
	}

	return &Job{
		transactions:  transactions,
		notifications: notifications,
		txns:          txns,
		dispatcher:    dispatcher,
		reader:        reader,
		config:        cfg,
		logger:        logger,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("reconciliation job stopping")
			return
		case <-ticker.C:
			if !j.running.CompareAndSwap(false, true) {
				j.logger.Warn("previous reconciliation run still in flight, skipping tick")
				continue
			}
			j.Run(ctx)
			j.running.Store(false)
		}
	}
}

// Run executes one full sweep. Each phase and each record is processed
// independently: one record's failure never aborts the rest of the batch.
func (j *Job) Run(ctx context.Context) {
	j.reconcileTransactions(ctx)
	j.dispatchNotifications(ctx)
	j.sweep(ctx)
}

func (j *Job) reconcileTransactions(ctx context.Context) {
	pending, err := j.transactions.ListPendingTransactions(ctx, j.txns.MaxProcessingAttempts(), j.config.BatchSize)
	if err != nil {
		j.logger.Error("failed to list pending transactions", zap.Error(err))
		metrics.RecordReconcileRun("transactions", "scan_error")
		return
	}

	for _, t := range pending {
		if t.TxHash == nil {
			continue
		}

		lookupCtx, cancel := context.WithTimeout(ctx, j.config.LedgerTimeout)
		receipt, err := j.reader.GetReceipt(lookupCtx, *t.TxHash)
		cancel()

		if errors.Is(err, ledger.ErrReceiptNotFound) {
			if _, err := j.txns.RecordProcessingAttempt(ctx, t.ID); err != nil {
				j.logger.Error("failed to record processing attempt",
					zap.Error(err),
					zap.String("transaction_id", t.ID.String()),
				)
			}
			continue
		}
		if err != nil {
			j.logger.Error("ledger lookup failed",
				zap.Error(err),
				zap.String("transaction_id", t.ID.String()),
			)
			continue
		}

		if _, err := j.txns.Confirm(ctx, t.ID, receipt); err != nil {
			j.logger.Error("failed to confirm transaction",
				zap.Error(err),
				zap.String("transaction_id", t.ID.String()),
			)
			continue
		}
	}

	metrics.RecordReconcileRun("transactions", "ok")
}

func (j *Job) dispatchNotifications(ctx context.Context) {
	due, err := j.notifications.ListDueNotifications(ctx, j.config.BatchSize)
	if err != nil {
		j.logger.Error("failed to list due notifications", zap.Error(err))
		metrics.RecordReconcileRun("notifications", "scan_error")
		return
	}

	for _, n := range due {
		if _, err := j.dispatcher.Dispatch(ctx, n.ID); err != nil {
			j.logger.Error("failed to dispatch notification",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
			)
			continue
		}
	}

	metrics.RecordReconcileRun("notifications", "ok")
}

func (j *Job) sweep(ctx context.Context) {
	expired, err := j.notifications.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("expiry sweep failed", zap.Error(err))
	} else if expired > 0 {
		j.logger.Info("expired notifications removed", zap.Int64("count", expired))
		metrics.RecordSwept("expired", expired)
	}

	aged, err := j.notifications.DeleteReadAndDismissed(ctx, j.config.Retention)
	if err != nil {
		j.logger.Error("retention sweep failed", zap.Error(err))
	} else if aged > 0 {
		j.logger.Info("read and dismissed notifications removed", zap.Int64("count", aged))
		metrics.RecordSwept("retention", aged)
	}

	metrics.RecordReconcileRun("sweep", "ok")
}
