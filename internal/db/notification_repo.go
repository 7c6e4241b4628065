package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/fault"
)

// NotificationRepo handles database operations for notifications.
type NotificationRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepo creates a new notification repository.
func NewNotificationRepo(db *DB, logger *zap.Logger) *NotificationRepo {
	return &NotificationRepo{db: db, logger: logger}
}

const notifColumns = `
	id, user_id, title, message, type, category, priority, action,
	channels, status, read, read_at, clicked, clicked_at, dismissed, dismissed_at,
	related_data, delivery_attempts, delivery_max_attempts, last_attempt, next_attempt,
	scheduled_for, expires_at, created_at, updated_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var channels []byte

	err := row.Scan(
		&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.Category, &n.Priority, &n.Action,
		&channels, &n.Status, &n.Read, &n.ReadAt, &n.Clicked, &n.ClickedAt, &n.Dismissed, &n.DismissedAt,
		&n.RelatedData, &n.Delivery.Attempts, &n.Delivery.MaxAttempts, &n.Delivery.LastAttempt, &n.Delivery.NextAttempt,
		&n.ScheduledFor, &n.ExpiresAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(channels, &n.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}

	return &n, nil
}

// CreateNotification inserts a new notification.
func (r *NotificationRepo) CreateNotification(ctx context.Context, n *Notification) error {
	channels, err := json.Marshal(n.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, user_id, title, message, type, category, priority, action,
			channels, status, related_data,
			delivery_attempts, delivery_max_attempts, scheduled_for, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		n.ID, n.UserID, n.Title, n.Message, n.Type, n.Category, n.Priority, n.Action,
		channels, n.Status, n.RelatedData,
		n.Delivery.Attempts, n.Delivery.MaxAttempts, n.ScheduledFor, n.ExpiresAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.UserID.String()),
		zap.String("type", n.Type),
	)

	return nil
}

// GetNotification retrieves a notification by ID.
func (r *NotificationRepo) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notifColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NewNotFound("notification", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// UpdateChannels persists the per-channel states and the recomputed aggregate
// status after a dispatch pass.
func (r *NotificationRepo) UpdateChannels(ctx context.Context, id uuid.UUID, channels ChannelSet, status string) (*Notification, error) {
	encoded, err := json.Marshal(channels)
	if err != nil {
		return nil, fmt.Errorf("encode channels: %w", err)
	}

	query := `
		UPDATE notifications
		SET channels = $2, status = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notifColumns

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id, encoded, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NewNotFound("notification", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("update channels: %w", err)
	}
	return n, nil
}

// RecordDeliveryAttempt bumps the attempt counter and schedules the next
// attempt. The WHERE clause refuses to bump past max_attempts.
func (r *NotificationRepo) RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, nextAttempt time.Time) (*Notification, error) {
	query := `
		UPDATE notifications
		SET delivery_attempts = delivery_attempts + 1,
		    last_attempt = NOW(),
		    next_attempt = $2,
		    status = 'pending',
		    updated_at = NOW()
		WHERE id = $1 AND delivery_attempts < delivery_max_attempts
		RETURNING ` + notifColumns

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id, nextAttempt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTransition
	}
	if err != nil {
		return nil, fmt.Errorf("record delivery attempt: %w", err)
	}
	return n, nil
}

// SetStatus updates only the aggregate status.
func (r *NotificationRepo) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set notification status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fault.NewNotFound("notification", id.String())
	}
	return nil
}

// MarkRead sets the one-way read flag. COALESCE keeps the first timestamp.
func (r *NotificationRepo) MarkRead(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		UPDATE notifications
		SET read = TRUE, read_at = COALESCE(read_at, NOW()), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notifColumns

	return r.flagUpdate(ctx, query, id)
}

// MarkClicked sets the one-way clicked flag and implies read.
func (r *NotificationRepo) MarkClicked(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		UPDATE notifications
		SET clicked = TRUE, clicked_at = COALESCE(clicked_at, NOW()),
		    read = TRUE, read_at = COALESCE(read_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notifColumns

	return r.flagUpdate(ctx, query, id)
}

// Dismiss sets the one-way dismissed flag.
func (r *NotificationRepo) Dismiss(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		UPDATE notifications
		SET dismissed = TRUE, dismissed_at = COALESCE(dismissed_at, NOW()), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notifColumns

	return r.flagUpdate(ctx, query, id)
}

func (r *NotificationRepo) flagUpdate(ctx context.Context, query string, id uuid.UUID) (*Notification, error) {
	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NewNotFound("notification", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("update notification flags: %w", err)
	}
	return n, nil
}

// ListDueNotifications returns pending notifications whose scheduled time has
// arrived, whose backoff window has elapsed, and whose delivery attempts are
// below the cap.
func (r *NotificationRepo) ListDueNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	query := `
		SELECT ` + notifColumns + `
		FROM notifications
		WHERE status = 'pending'
		  AND scheduled_for <= NOW()
		  AND (next_attempt IS NULL OR next_attempt <= NOW())
		  AND delivery_attempts < delivery_max_attempts
		ORDER BY scheduled_for ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// ListNotificationsByUser retrieves a user's notifications newest first.
func (r *NotificationRepo) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT ` + notifColumns + `
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications by user: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// DeleteExpired removes notifications whose TTL has elapsed.
func (r *NotificationRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteReadAndDismissed removes notifications the user has both read and
// dismissed once they age past the retention window.
func (r *NotificationRepo) DeleteReadAndDismissed(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE read AND dismissed AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete read and dismissed notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetPreferences loads a user's channel opt-ins, defaulting to everything on
// except marketing when no row exists.
func (r *NotificationRepo) GetPreferences(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	query := `
		SELECT user_id, email, push, sms, marketing
		FROM notification_preferences
		WHERE user_id = $1
	`

	var p Preferences
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Email, &p.Push, &p.SMS, &p.Marketing)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Preferences{UserID: userID, Email: true, Push: true, SMS: true, Marketing: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return &p, nil
}

// GetContact loads a user's delivery destinations from the preferences row.
func (r *NotificationRepo) GetContact(ctx context.Context, userID uuid.UUID) (email, phone, pushToken string, err error) {
	query := `
		SELECT COALESCE(email_address, ''), COALESCE(phone_number, ''), COALESCE(push_token, '')
		FROM notification_preferences
		WHERE user_id = $1
	`

	err = r.db.Pool().QueryRow(ctx, query, userID).Scan(&email, &phone, &pushToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", "", fault.NewNotFound("contact", userID.String())
	}
	if err != nil {
		return "", "", "", fmt.Errorf("query contact: %w", err)
	}
	return email, phone, pushToken, nil
}

func collectNotifications(rows pgx.Rows) ([]*Notification, error) {
	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return notifications, nil
}
