package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// SQSConfig holds queue settings for the SQS publisher.
type SQSConfig struct {
	Region   string
	QueueURL string
}

// SQSPublisher pushes state-change events onto an SQS queue for downstream
// consumers (websocket fan-out, audit trail).
type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewSQSPublisher creates an SQS-backed event publisher.
func NewSQSPublisher(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSPublisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs event publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &SQSPublisher{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Publish sends one event to the queue.
func (p *SQSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("kind", ev.Kind),
			zap.String("entity_id", ev.EntityID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("event published",
		zap.String("kind", ev.Kind),
		zap.String("entity_id", ev.EntityID),
		zap.String("status", ev.Status),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
