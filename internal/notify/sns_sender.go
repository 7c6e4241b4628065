package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/fault"
)

// SNSSender delivers the SMS channel via AWS SNS.
type SNSSender struct {
	client   *sns.Client
	contacts ContactSource
	logger   *zap.Logger
}

// SNSConfig holds SNS settings.
type SNSConfig struct {
	Region string
}

// NewSNSSender creates the SMS channel sender.
func NewSNSSender(ctx context.Context, cfg SNSConfig, contacts ContactSource, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client:   sns.NewFromConfig(awsCfg),
		contacts: contacts,
		logger:   logger,
	}, nil
}

// Send delivers the notification by SMS.
func (s *SNSSender) Send(ctx context.Context, n *db.Notification) error {
	contact, err := s.contacts.GetContact(ctx, n.UserID)
	if err != nil {
		return fault.NewTransient(db.ChannelSMS, err)
	}
	if contact.Phone == "" {
		return fmt.Errorf("user %s has no phone number on file", n.UserID)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(contact.Phone),
		Message:     aws.String(n.Title + ": " + n.Message),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fault.NewTransient(db.ChannelSMS, fmt.Errorf("sns publish failed: %w", err))
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("id", n.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// Channel implements ChannelSender.
func (s *SNSSender) Channel() string {
	return db.ChannelSMS
}
