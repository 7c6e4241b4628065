// Package notify enforces the notification delivery state machine. Channels
// are attempted independently, a failure on one never blocks the others, and
// the aggregate status becomes sent only once every channel enabled by the
// user's preferences has delivered.
package notify

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/events"
	"github.com/lalithlochan/saleflow/internal/fault"
	"github.com/lalithlochan/saleflow/internal/metrics"
)

// Content bounds and retry defaults.
const (
	MaxTitleLen   = 200
	MaxMessageLen = 1000

	DefaultMaxAttempts       = 3
	DefaultBackoffMultiplier = 2.0
	backoffBase              = time.Minute

	// MarketingTTL is how long marketing notifications live before the
	// expiry sweep removes them.
	MarketingTTL = 30 * 24 * time.Hour
)

// Repository is the slice of the store the controller needs.
type Repository interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateChannels(ctx context.Context, id uuid.UUID, channels db.ChannelSet, status string) (*db.Notification, error)
	RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, nextAttempt time.Time) (*db.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkClicked(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	Dismiss(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
}

// ChannelSender delivers a notification on exactly one channel.
type ChannelSender interface {
	Send(ctx context.Context, n *db.Notification) error
	Channel() string
}

// Config holds controller tunables.
type Config struct {
	MaxAttempts       int
	BackoffMultiplier float64
	SendTimeout       time.Duration
}

// Controller coordinates notification creation, dispatch, and interaction
// flags.
type Controller struct {
	repo      Repository
	senders   map[string]ChannelSender
	publisher events.Publisher
	config    Config
	logger    *zap.Logger
}

// New creates a notification dispatch controller.
func New(repo Repository, publisher events.Publisher, cfg Config, logger *zap.Logger, senders ...ChannelSender) *Controller {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	byChannel := make(map[string]ChannelSender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}

	return &Controller{
		repo:      repo,
		senders:   byChannel,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// Create validates and persists a new notification. In-app delivery is
// instantaneous: the inApp channel is marked sent at creation. Marketing
// notifications get a 30-day TTL.
func (c *Controller) Create(
	ctx context.Context,
	userID uuid.UUID,
	title, message, notifType, category, priority string,
	action *string,
	relatedData json.RawMessage,
) (*db.Notification, error) {
	if title == "" || len(title) > MaxTitleLen {
		return nil, fault.NewValidation("title", "must be 1-200 characters")
	}
	if message == "" || len(message) > MaxMessageLen {
		return nil, fault.NewValidation("message", "must be 1-1000 characters")
	}
	if !db.NotificationTypes[notifType] {
		return nil, fault.NewValidation("type", "unknown notification type: "+notifType)
	}
	if !db.NotificationCategories[category] {
		return nil, fault.NewValidation("category", "unknown notification category: "+category)
	}
	if !db.NotificationPriorities[priority] {
		return nil, fault.NewValidation("priority", "unknown notification priority: "+priority)
	}

	now := time.Now()
	n := &db.Notification{
		ID:       uuid.New(),
		UserID:   userID,
		Title:    title,
		Message:  message,
		Type:     notifType,
		Category: category,
		Priority: priority,
		Action:   action,
		Channels: db.ChannelSet{
			InApp: db.ChannelState{Sent: true, SentAt: &now},
		},
		Status: db.NotifStatusPending,
		Delivery: db.Delivery{
			MaxAttempts: c.config.MaxAttempts,
		},
		RelatedData:  relatedData,
		ScheduledFor: now,
	}

	if notifType == "marketing" {
		expires := now.Add(MarketingTTL)
		n.ExpiresAt = &expires
	}

	// A user with every outbound channel disabled is fully delivered the
	// moment the in-app record exists.
	prefs, err := c.repo.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if c.aggregateStatus(n, prefs) == db.NotifStatusSent {
		n.Status = db.NotifStatusSent
	}

	if err := c.repo.CreateNotification(ctx, n); err != nil {
		return nil, err
	}

	metrics.RecordNotificationCreated(notifType, priority)
	c.publish(ctx, n)

	return n, nil
}

// Dispatch runs one delivery pass: every enabled, not-yet-sent channel is
// attempted independently, then the aggregate status is recomputed. Partial
// failure schedules a backoff retry until attempts run out.
func (c *Controller) Dispatch(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, err := c.repo.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != db.NotifStatusPending {
		return n, nil
	}
	// Still inside the backoff window: leave it for a later pass.
	if n.Delivery.NextAttempt != nil && time.Now().Before(*n.Delivery.NextAttempt) {
		return n, nil
	}

	prefs, err := c.repo.GetPreferences(ctx, n.UserID)
	if err != nil {
		return nil, err
	}

	for _, channel := range c.enabledChannels(n, prefs) {
		state := n.Channels.Get(channel)
		if state.Sent || channel == db.ChannelInApp {
			continue
		}
		c.attemptChannel(ctx, n, channel, state)
	}

	status := c.aggregateStatus(n, prefs)
	if status == db.NotifStatusSent {
		updated, err := c.repo.UpdateChannels(ctx, id, n.Channels, db.NotifStatusSent)
		if err != nil {
			return nil, err
		}
		c.publish(ctx, updated)
		return updated, nil
	}

	// Not all enabled channels made it. Exhausted attempts promote to
	// failed; otherwise schedule the next pass.
	if n.Delivery.Attempts+1 >= n.Delivery.MaxAttempts {
		// The final fan-out above did run: record it so the attempt
		// counter and last_attempt reflect reality before the terminal
		// status lands.
		if _, err := c.repo.RecordDeliveryAttempt(ctx, id, time.Now()); err != nil {
			return nil, err
		}
		updated, err := c.repo.UpdateChannels(ctx, id, n.Channels, db.NotifStatusFailed)
		if err != nil {
			return nil, err
		}
		c.logger.Warn("notification exhausted delivery attempts",
			zap.String("notification_id", id.String()),
			zap.Int("attempts", n.Delivery.Attempts+1),
		)
		metrics.RecordExhaustedRetries("notification")
		c.publish(ctx, updated)
		return updated, nil
	}

	if _, err := c.repo.UpdateChannels(ctx, id, n.Channels, db.NotifStatusPending); err != nil {
		return nil, err
	}
	updated, err := c.repo.RecordDeliveryAttempt(ctx, id, c.nextAttempt(n.Delivery.Attempts+1))
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// attemptChannel delivers on one channel, recording the outcome in-memory on
// the channel state. Failures are isolated per channel.
func (c *Controller) attemptChannel(ctx context.Context, n *db.Notification, channel string, state *db.ChannelState) {
	sender, ok := c.senders[channel]
	if !ok {
		msg := "no sender configured for channel"
		state.Error = &msg
		metrics.RecordChannelDelivery(channel, "skipped")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.config.SendTimeout)
	defer cancel()

	if err := sender.Send(sendCtx, n); err != nil {
		msg := err.Error()
		state.Error = &msg
		c.logger.Warn("channel delivery failed",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
			zap.String("channel", channel),
		)
		metrics.RecordChannelDelivery(channel, "failed")
		return
	}

	now := time.Now()
	state.Sent = true
	state.SentAt = &now
	state.Error = nil
	metrics.RecordChannelDelivery(channel, "sent")
}

// MarkChannelSent records a delivery outcome reported out-of-band (e.g. a
// provider callback). Idempotent per channel: re-reporting a sent channel
// only refreshes its delivered timestamp.
func (c *Controller) MarkChannelSent(ctx context.Context, id uuid.UUID, channel string, success bool, errorMsg string) (*db.Notification, error) {
	n, err := c.repo.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}

	state := n.Channels.Get(channel)
	if state == nil {
		return nil, fault.NewValidation("channel", "unknown channel: "+channel)
	}

	now := time.Now()
	if success {
		if state.Sent {
			state.Delivered = true
			state.DeliveredAt = &now
		} else {
			state.Sent = true
			state.SentAt = &now
			state.Error = nil
		}
	} else if errorMsg != "" {
		state.Error = &errorMsg
	}

	prefs, err := c.repo.GetPreferences(ctx, n.UserID)
	if err != nil {
		return nil, err
	}

	status := n.Status
	if n.Status == db.NotifStatusPending && c.aggregateStatus(n, prefs) == db.NotifStatusSent {
		status = db.NotifStatusSent
	}

	return c.repo.UpdateChannels(ctx, id, n.Channels, status)
}

// RetryDelivery re-arms a notification for another dispatch pass. No-op once
// attempts have hit the cap.
func (c *Controller) RetryDelivery(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, err := c.repo.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Delivery.Attempts >= n.Delivery.MaxAttempts {
		return n, nil
	}

	return c.repo.RecordDeliveryAttempt(ctx, id, c.nextAttempt(n.Delivery.Attempts+1))
}

// MarkAsRead sets the one-way read flag.
func (c *Controller) MarkAsRead(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return c.repo.MarkRead(ctx, id)
}

// MarkAsClicked sets the one-way clicked flag; clicking something the user
// has not read counts as reading it.
func (c *Controller) MarkAsClicked(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return c.repo.MarkClicked(ctx, id)
}

// Dismiss sets the one-way dismissed flag.
func (c *Controller) Dismiss(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return c.repo.Dismiss(ctx, id)
}

// enabledChannels lists the channels the user's preferences allow for this
// notification. In-app is always on; a marketing opt-out suppresses every
// outbound channel for marketing notifications.
func (c *Controller) enabledChannels(n *db.Notification, prefs *db.Preferences) []string {
	channels := []string{db.ChannelInApp}
	if n.Type == "marketing" && !prefs.Marketing {
		return channels
	}
	if prefs.Email {
		channels = append(channels, db.ChannelEmail)
	}
	if prefs.Push {
		channels = append(channels, db.ChannelPush)
	}
	if prefs.SMS {
		channels = append(channels, db.ChannelSMS)
	}
	return channels
}

// aggregateStatus derives the overall status from per-channel states: sent
// once every enabled channel has sent=true, pending otherwise.
func (c *Controller) aggregateStatus(n *db.Notification, prefs *db.Preferences) string {
	for _, channel := range c.enabledChannels(n, prefs) {
		if !n.Channels.Get(channel).Sent {
			return db.NotifStatusPending
		}
	}
	return db.NotifStatusSent
}

// nextAttempt computes the exponential backoff schedule,
// multiplier^attempts × 60s from now.
func (c *Controller) nextAttempt(attempts int) time.Time {
	delay := time.Duration(math.Pow(c.config.BackoffMultiplier, float64(attempts)) * float64(backoffBase))
	return time.Now().Add(delay)
}

func (c *Controller) publish(ctx context.Context, n *db.Notification) {
	ev := events.Event{
		Kind:       events.KindNotification,
		EntityID:   n.ID.String(),
		UserID:     n.UserID.String(),
		Status:     n.Status,
		OccurredAt: time.Now(),
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("state change broadcast failed",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
	}
}
