package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PurchaseTopic is the keccak hash of the sale contract's purchase event
// signature, TokensPurchased(address,uint256,uint256).
const PurchaseTopic = "0x8fafebcaf9d154343dad25669bfa277f4fbacd7ac6b0c4fed522580e040a0f33"

// WatcherConfig holds purchase-event polling settings.
type WatcherConfig struct {
	ContractAddress string
	PollInterval    time.Duration
	StartBlock      int64
}

// Watcher polls the sale contract's purchase events and hands each decoded
// event to the handler. It keeps a block cursor so overlapping events are
// never re-emitted within one process lifetime; the handler is still
// expected to dedup by hash since the cursor resets on restart.
type Watcher struct {
	client    *Client
	config    WatcherConfig
	handler   PurchaseHandler
	lastBlock int64
	logger    *zap.Logger
}

// NewWatcher creates a purchase-event watcher.
func NewWatcher(client *Client, cfg WatcherConfig, handler PurchaseHandler, logger *zap.Logger) *Watcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Watcher{
		client:    client,
		config:    cfg,
		handler:   handler,
		lastBlock: cfg.StartBlock,
		logger:    logger,
	}
}

// Start runs the polling loop until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("purchase watcher stopping")
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.logger.Warn("purchase poll failed", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head block: %w", err)
	}
	if head <= w.lastBlock {
		return nil
	}

	from := w.lastBlock + 1
	logs, err := w.client.GetLogs(ctx, w.config.ContractAddress, PurchaseTopic, from, head)
	if err != nil {
		return fmt.Errorf("get logs %d-%d: %w", from, head, err)
	}

	for _, l := range logs {
		ev, err := decodePurchase(l)
		if err != nil {
			w.logger.Warn("skipping undecodable purchase log",
				zap.Error(err),
				zap.String("tx_hash", l.TransactionHash),
			)
			continue
		}
		if err := w.handler(ctx, ev); err != nil {
			// Handler failures do not advance past silently: log and keep
			// going, the reconciliation sweep picks the transaction up later.
			w.logger.Error("purchase handler failed",
				zap.Error(err),
				zap.String("tx_hash", ev.TxHash),
			)
		}
	}

	w.lastBlock = head
	return nil
}

// decodePurchase unpacks TokensPurchased(address indexed buyer,
// uint256 amount, uint256 cost) from a raw log entry.
func decodePurchase(l rpcLog) (PurchaseEvent, error) {
	if len(l.Topics) < 2 {
		return PurchaseEvent{}, fmt.Errorf("expected 2 topics, got %d", len(l.Topics))
	}

	data := strings.TrimPrefix(l.Data, "0x")
	if len(data) < 128 {
		return PurchaseEvent{}, fmt.Errorf("event data too short: %d chars", len(data))
	}

	amount, ok := new(big.Int).SetString(data[:64], 16)
	if !ok {
		return PurchaseEvent{}, fmt.Errorf("bad amount word")
	}
	cost, ok := new(big.Int).SetString(data[64:128], 16)
	if !ok {
		return PurchaseEvent{}, fmt.Errorf("bad cost word")
	}

	blockNumber, err := parseHexInt64(l.BlockNumber)
	if err != nil {
		return PurchaseEvent{}, fmt.Errorf("decode block number: %w", err)
	}
	logIndex, err := parseHexInt64(l.LogIndex)
	if err != nil {
		return PurchaseEvent{}, fmt.Errorf("decode log index: %w", err)
	}

	// Indexed address topics are left-padded to 32 bytes.
	topic := strings.TrimPrefix(l.Topics[1], "0x")
	if len(topic) != 64 {
		return PurchaseEvent{}, fmt.Errorf("bad buyer topic length: %d chars", len(topic))
	}
	buyer := "0x" + topic[24:]

	return PurchaseEvent{
		Buyer:       buyer,
		Amount:      amount,
		Cost:        cost,
		TxHash:      l.TransactionHash,
		BlockNumber: blockNumber,
		LogIndex:    int(logIndex),
		ObservedAt:  time.Now(),
	}, nil
}
