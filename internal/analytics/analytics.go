// Package analytics serves aggregate sale and delivery figures. The
// underlying queries scan whole tables, so results are served through a
// short-TTL Redis cache.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/metrics"
	"github.com/lalithlochan/saleflow/internal/redis"
)

const (
	cacheKey   = "analytics:summary"
	defaultTTL = time.Minute
)

// ChannelStats holds delivery figures for one channel.
type ChannelStats struct {
	Attempted int64 `json:"attempted"`
	Sent      int64 `json:"sent"`
}

// Summary is the aggregate view over transactions and notifications.
type Summary struct {
	TotalTransactions     int64           `json:"total_transactions"`
	PendingTransactions   int64           `json:"pending_transactions"`
	ConfirmedTransactions int64           `json:"confirmed_transactions"`
	FailedTransactions    int64           `json:"failed_transactions"`
	CancelledTransactions int64           `json:"cancelled_transactions"`
	ConfirmedUsdVolume    decimal.Decimal `json:"confirmed_usd_volume"`

	TotalNotifications  int64 `json:"total_notifications"`
	SentNotifications   int64 `json:"sent_notifications"`
	FailedNotifications int64 `json:"failed_notifications"`
	UnreadNotifications int64 `json:"unread_notifications"`

	Channels map[string]ChannelStats `json:"channels"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Service computes summaries, caching them in Redis between refreshes.
type Service struct {
	db     *db.DB
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New creates the analytics service. cache may be nil, in which case every
// request recomputes.
func New(database *db.DB, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl == 0 {
		ttl = defaultTTL
	}
	return &Service{db: database, cache: cache, ttl: ttl, logger: logger}
}

// Summary returns the current aggregate view, from cache when fresh.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	if s.cache != nil {
		var cached Summary
		found, err := s.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			s.logger.Warn("analytics cache read failed", zap.Error(err))
		} else if found {
			metrics.RecordAnalyticsCache("hit")
			return &cached, nil
		}
	}
	metrics.RecordAnalyticsCache("miss")

	summary, err := s.compute(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cacheKey, summary, s.ttl); err != nil {
			s.logger.Warn("analytics cache write failed", zap.Error(err))
		}
	}

	return summary, nil
}

func (s *Service) compute(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		Channels:    make(map[string]ChannelStats),
		GeneratedAt: time.Now().UTC(),
	}

	txQuery := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'confirmed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(SUM(usd_amount) FILTER (WHERE status = 'confirmed'), 0)
		FROM transactions
	`
	err := s.db.Pool().QueryRow(ctx, txQuery).Scan(
		&summary.TotalTransactions,
		&summary.PendingTransactions,
		&summary.ConfirmedTransactions,
		&summary.FailedTransactions,
		&summary.CancelledTransactions,
		&summary.ConfirmedUsdVolume,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate transactions: %w", err)
	}

	notifQuery := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE NOT read)
		FROM notifications
	`
	err = s.db.Pool().QueryRow(ctx, notifQuery).Scan(
		&summary.TotalNotifications,
		&summary.SentNotifications,
		&summary.FailedNotifications,
		&summary.UnreadNotifications,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate notifications: %w", err)
	}

	for _, channel := range []string{db.ChannelEmail, db.ChannelPush, db.ChannelSMS, db.ChannelInApp} {
		channelQuery := `
			SELECT
				COUNT(*) FILTER (WHERE delivery_attempts > 0 OR (channels->$1->>'sent')::boolean),
				COUNT(*) FILTER (WHERE (channels->$1->>'sent')::boolean)
			FROM notifications
		`
		var stats ChannelStats
		if err := s.db.Pool().QueryRow(ctx, channelQuery, channel).Scan(&stats.Attempted, &stats.Sent); err != nil {
			return nil, fmt.Errorf("aggregate channel %s: %w", channel, err)
		}
		summary.Channels[channel] = stats
	}

	return summary, nil
}
