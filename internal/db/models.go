package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction status constants
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
)

// MaxProcessingAttempts caps automatic reconciliation attempts per
// transaction. Records at the cap stay put and are surfaced for manual
// review rather than being retried forever.
const MaxProcessingAttempts = 5

// Notification status constants
const (
	NotifStatusPending   = "pending"
	NotifStatusSent      = "sent"
	NotifStatusDelivered = "delivered"
	NotifStatusFailed    = "failed"
	NotifStatusCancelled = "cancelled"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
	ChannelSMS   = "sms"
	ChannelInApp = "inApp"
)

// NotificationTypes is the closed set of notification types.
var NotificationTypes = map[string]bool{
	"transaction": true,
	"investment":  true,
	"kyc":         true,
	"security":    true,
	"marketing":   true,
	"system":      true,
	"referral":    true,
	"reward":      true,
	"alert":       true,
	"reminder":    true,
}

// NotificationCategories is the closed set of notification categories.
var NotificationCategories = map[string]bool{
	"success":   true,
	"error":     true,
	"warning":   true,
	"info":      true,
	"promotion": true,
}

// NotificationPriorities is the closed set of notification priorities.
var NotificationPriorities = map[string]bool{
	"low":    true,
	"normal": true,
	"high":   true,
	"urgent": true,
}

// Asset describes one side of a token swap. Stored as JSONB.
type Asset struct {
	Address  string          `json:"address"`
	Symbol   string          `json:"symbol"`
	Amount   decimal.Decimal `json:"amount"`
	Decimals int             `json:"decimals"`
}

// Transaction represents an investment purchase tracked against the external
// ledger. AmountLocal is computed once at creation (UsdAmount × ExchangeRate)
// and never recomputed.
type Transaction struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	WalletAddress string    `json:"wallet_address"`

	// Ledger identity. TxHash is nil until the client submits on-chain and
	// is cleared again by a user-initiated retry.
	TxHash      *string `json:"tx_hash,omitempty"`
	BlockNumber *int64  `json:"block_number,omitempty"`
	BlockIndex  *int    `json:"block_index,omitempty"`

	InputAsset   Asset            `json:"input_asset"`
	OutputAsset  Asset            `json:"output_asset"`
	UsdAmount    decimal.Decimal  `json:"usd_amount"`
	ExchangeRate decimal.Decimal  `json:"exchange_rate"`
	AmountLocal  decimal.Decimal  `json:"amount_local"`
	GasUsed      *decimal.Decimal `json:"gas_used,omitempty"`
	GasPrice     *decimal.Decimal `json:"gas_price,omitempty"`

	Status      string     `json:"status"`
	Timestamp   time.Time  `json:"timestamp"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	ProcessingAttempts    int        `json:"processing_attempts"`
	LastProcessingAttempt *time.Time `json:"last_processing_attempt,omitempty"`

	Receipt      json.RawMessage `json:"receipt,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChannelState tracks delivery of a notification on one channel.
type ChannelState struct {
	Sent        bool       `json:"sent"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Opened      bool       `json:"opened"`
	Clicked     bool       `json:"clicked"`
	Error       *string    `json:"error,omitempty"`
}

// ChannelSet holds the per-channel delivery sub-records. Stored as JSONB.
type ChannelSet struct {
	Email ChannelState `json:"email"`
	Push  ChannelState `json:"push"`
	SMS   ChannelState `json:"sms"`
	InApp ChannelState `json:"inApp"`
}

// Get returns the state for a named channel, or nil for an unknown name.
func (c *ChannelSet) Get(channel string) *ChannelState {
	switch channel {
	case ChannelEmail:
		return &c.Email
	case ChannelPush:
		return &c.Push
	case ChannelSMS:
		return &c.SMS
	case ChannelInApp:
		return &c.InApp
	default:
		return nil
	}
}

// Delivery holds retry bookkeeping for a notification.
type Delivery struct {
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	NextAttempt *time.Time `json:"next_attempt,omitempty"`
}

// Notification represents a multi-channel notification. The aggregate Status
// is derived from the per-channel states: sent once every channel enabled by
// the user's preferences has sent=true.
type Notification struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`

	Title    string  `json:"title"`
	Message  string  `json:"message"`
	Type     string  `json:"type"`
	Category string  `json:"category"`
	Priority string  `json:"priority"`
	Action   *string `json:"action,omitempty"`

	Channels ChannelSet `json:"channels"`
	Status   string     `json:"status"`
	Delivery Delivery   `json:"delivery"`

	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	Clicked     bool       `json:"clicked"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty"`
	Dismissed   bool       `json:"dismissed"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`

	RelatedData json.RawMessage `json:"related_data,omitempty"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Preferences holds a user's channel opt-ins. Missing rows default to
// everything on except marketing.
type Preferences struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     bool      `json:"email"`
	Push      bool      `json:"push"`
	SMS       bool      `json:"sms"`
	Marketing bool      `json:"marketing"`
}
