// Package ledger is the seam to the external blockchain. The core consumes
// only receipt lookups and purchase events; everything else about the chain
// client is out of scope.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"
)

// ErrReceiptNotFound indicates the ledger has no receipt for the hash yet.
// A lookup timeout is reported the same way: "not found yet" rather than a
// definitive failure, so it only costs a processing attempt.
var ErrReceiptNotFound = errors.New("ledger receipt not found")

// Receipt status values.
const (
	ReceiptSuccess = "success"
	ReceiptFailure = "failure"
)

// Log is one event log entry attached to a receipt.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
	Index   int      `json:"index"`
}

// Receipt is the confirmation record for a submitted transaction.
type Receipt struct {
	TxHash      string          `json:"tx_hash"`
	Status      string          `json:"status"`
	BlockNumber int64           `json:"block_number"`
	BlockHash   string          `json:"block_hash"`
	TxIndex     int             `json:"tx_index"`
	GasUsed     *big.Int        `json:"gas_used,omitempty"`
	GasPrice    *big.Int        `json:"gas_price,omitempty"`
	Logs        []Log           `json:"logs"`
	Raw         json.RawMessage `json:"-"`
}

// Reader supplies transaction receipts from the external ledger.
type Reader interface {
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// PurchaseEvent is an unsolicited on-chain purchase notification, decoded
// from the sale contract's event log.
type PurchaseEvent struct {
	Buyer       string
	Amount      *big.Int
	Cost        *big.Int
	TxHash      string
	BlockNumber int64
	LogIndex    int
	ObservedAt  time.Time
}

// PurchaseHandler consumes purchase events emitted by the Watcher.
type PurchaseHandler func(ctx context.Context, ev PurchaseEvent) error
