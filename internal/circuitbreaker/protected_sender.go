package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/ledger"
	"github.com/lalithlochan/saleflow/internal/notify"
)

// ProtectedSender wraps a channel sender with a CircuitBreaker. When the
// downstream provider starts failing, the circuit opens and sends fail fast
// instead of piling up until the provider recovers.
type ProtectedSender struct {
	sender  notify.ChannelSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender notify.ChannelSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts delivery through the circuit breaker. An open circuit is a
// transient failure: it costs an attempt and is retried on the backoff
// schedule like any provider error.
func (p *ProtectedSender) Send(ctx context.Context, n *db.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", n.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, n)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Channel delegates to the underlying sender.
func (p *ProtectedSender) Channel() string {
	return p.sender.Channel()
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}

// ProtectedReader wraps the ledger reader with a CircuitBreaker. Only
// endpoint failures count against the breaker: a missing receipt is the
// normal answer for an unmined transaction. A rejected lookup fails fast
// with ErrCircuitOpen, which the reconcile pass skips without charging a
// processing attempt.
type ProtectedReader struct {
	reader  ledger.Reader
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedReader wraps a ledger reader with circuit breaker protection.
func NewProtectedReader(reader ledger.Reader, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedReader {
	return &ProtectedReader{
		reader:  reader,
		breaker: breaker,
		logger:  logger,
	}
}

// GetReceipt implements ledger.Reader.
func (p *ProtectedReader) GetReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected ledger lookup",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("tx_hash", txHash),
		)
		return nil, fmt.Errorf("%w: ledger reader unavailable", ErrCircuitOpen)
	}

	receipt, err := p.reader.GetReceipt(ctx, txHash)
	if err != nil {
		// Receipt-not-found means the endpoint answered; the transaction
		// just is not mined yet. That must never open the circuit.
		if errors.Is(err, ledger.ErrReceiptNotFound) {
			p.breaker.RecordSuccess()
		} else {
			p.breaker.RecordFailure()
		}
		return nil, err
	}

	p.breaker.RecordSuccess()
	return receipt, nil
}
