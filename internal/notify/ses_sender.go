package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/fault"
)

// SESSender delivers the email channel via AWS SES.
type SESSender struct {
	client   *ses.Client
	from     string
	contacts ContactSource
	logger   *zap.Logger
}

// SESConfig holds SES settings.
type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESSender creates the email channel sender.
func NewSESSender(ctx context.Context, cfg SESConfig, contacts ContactSource, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client:   ses.NewFromConfig(awsCfg),
		from:     cfg.FromEmail,
		contacts: contacts,
		logger:   logger,
	}, nil
}

// Send delivers the notification by email.
func (s *SESSender) Send(ctx context.Context, n *db.Notification) error {
	contact, err := s.contacts.GetContact(ctx, n.UserID)
	if err != nil {
		return fault.NewTransient(db.ChannelEmail, err)
	}
	if contact.Email == "" {
		return fmt.Errorf("user %s has no email address on file", n.UserID)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{contact.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(n.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(n.Message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fault.NewTransient(db.ChannelEmail, fmt.Errorf("ses send failed: %w", err))
	}

	s.logger.Info("email sent via SES",
		zap.String("id", n.ID.String()),
		zap.String("to", contact.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// Channel implements ChannelSender.
func (s *SESSender) Channel() string {
	return db.ChannelEmail
}
