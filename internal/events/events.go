// Package events is the broadcast seam for committed state changes. The
// controllers publish after each transition; whether anything listens is a
// deployment concern, and publish failures never affect the transition that
// already committed.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event kinds.
const (
	KindTransaction  = "transaction"
	KindNotification = "notification"
)

// Event describes one committed state change.
type Event struct {
	Kind       string          `json:"kind"`
	EntityID   string          `json:"entity_id"`
	UserID     string          `json:"user_id"`
	Status     string          `json:"status"`
	OccurredAt time.Time       `json:"occurred_at"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// Publisher fans out state-change events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events. Used in headless deployments and tests.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
