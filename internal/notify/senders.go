package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
)

// Contact holds the delivery destinations for one user.
type Contact struct {
	Email     string
	Phone     string
	PushToken string
}

// ContactSource resolves delivery destinations for a user.
type ContactSource interface {
	GetContact(ctx context.Context, userID uuid.UUID) (*Contact, error)
}

// LogSender logs instead of delivering. Used in development and tests, and
// as the fallback when a real provider is not configured.
type LogSender struct {
	channel string
	logger  *zap.Logger
}

// NewLogSender creates a log-only sender for the given channel.
func NewLogSender(channel string, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

// Send implements ChannelSender.
func (s *LogSender) Send(ctx context.Context, n *db.Notification) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("id", n.ID.String()),
		zap.String("channel", s.channel),
		zap.String("user_id", n.UserID.String()),
		zap.String("title", n.Title),
	)
	return nil
}

// Channel implements ChannelSender.
func (s *LogSender) Channel() string {
	return s.channel
}
