package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/fault"
)

// PushSender delivers the push channel through an HTTP push gateway
// (FCM-style: POST a JSON payload keyed by device token).
type PushSender struct {
	client     *http.Client
	gatewayURL string
	contacts   ContactSource
	logger     *zap.Logger
}

// PushConfig holds push gateway settings.
type PushConfig struct {
	GatewayURL string
	Timeout    time.Duration
}

// pushPayload is the gateway request body.
type pushPayload struct {
	Token    string          `json:"token"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Action   *string         `json:"action,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Priority string          `json:"priority"`
}

// NewPushSender creates the push channel sender.
func NewPushSender(cfg PushConfig, contacts ContactSource, logger *zap.Logger) *PushSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &PushSender{
		client:     &http.Client{Timeout: timeout},
		gatewayURL: cfg.GatewayURL,
		contacts:   contacts,
		logger:     logger,
	}
}

// Send delivers the notification as a push message.
func (s *PushSender) Send(ctx context.Context, n *db.Notification) error {
	contact, err := s.contacts.GetContact(ctx, n.UserID)
	if err != nil {
		return fault.NewTransient(db.ChannelPush, err)
	}
	if contact.PushToken == "" {
		return fmt.Errorf("user %s has no push token on file", n.UserID)
	}

	body, err := json.Marshal(pushPayload{
		Token:    contact.PushToken,
		Title:    n.Title,
		Body:     n.Message,
		Action:   n.Action,
		Data:     n.RelatedData,
		Priority: n.Priority,
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fault.NewTransient(db.ChannelPush, fmt.Errorf("push gateway request: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fault.NewTransient(db.ChannelPush,
			fmt.Errorf("push gateway returned status %d", resp.StatusCode))
	}

	s.logger.Info("push sent",
		zap.String("id", n.ID.String()),
		zap.Int("status", resp.StatusCode),
	)

	return nil
}

// Channel implements ChannelSender.
func (s *PushSender) Channel() string {
	return db.ChannelPush
}
