package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/fault"
)

type fakeNotifRepo struct {
	notifications map[uuid.UUID]*db.Notification
	prefs         map[uuid.UUID]*db.Preferences
}

func newFakeNotifRepo() *fakeNotifRepo {
	return &fakeNotifRepo{
		notifications: make(map[uuid.UUID]*db.Notification),
		prefs:         make(map[uuid.UUID]*db.Preferences),
	}
}

func (f *fakeNotifRepo) CreateNotification(ctx context.Context, n *db.Notification) error {
	n.CreatedAt = time.Now()
	n.UpdatedAt = n.CreatedAt
	f.notifications[n.ID] = n
	return nil
}

func (f *fakeNotifRepo) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return nil, fault.NewNotFound("notification", id.String())
	}
	return n, nil
}

func (f *fakeNotifRepo) UpdateChannels(ctx context.Context, id uuid.UUID, channels db.ChannelSet, status string) (*db.Notification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return nil, fault.NewNotFound("notification", id.String())
	}
	n.Channels = channels
	n.Status = status
	return n, nil
}

func (f *fakeNotifRepo) RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, nextAttempt time.Time) (*db.Notification, error) {
	n, ok := f.notifications[id]
	if !ok || n.Delivery.Attempts >= n.Delivery.MaxAttempts {
		return nil, db.ErrNoTransition
	}
	now := time.Now()
	n.Delivery.Attempts++
	n.Delivery.LastAttempt = &now
	n.Delivery.NextAttempt = &nextAttempt
	n.Status = db.NotifStatusPending
	return n, nil
}

func (f *fakeNotifRepo) MarkRead(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return nil, fault.NewNotFound("notification", id.String())
	}
	now := time.Now()
	n.Read = true
	if n.ReadAt == nil {
		n.ReadAt = &now
	}
	return n, nil
}

func (f *fakeNotifRepo) MarkClicked(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, err := f.MarkRead(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	n.Clicked = true
	if n.ClickedAt == nil {
		n.ClickedAt = &now
	}
	return n, nil
}

func (f *fakeNotifRepo) Dismiss(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return nil, fault.NewNotFound("notification", id.String())
	}
	now := time.Now()
	n.Dismissed = true
	if n.DismissedAt == nil {
		n.DismissedAt = &now
	}
	return n, nil
}

func (f *fakeNotifRepo) GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	if p, ok := f.prefs[userID]; ok {
		return p, nil
	}
	return &db.Preferences{UserID: userID, Email: true, Push: true, SMS: true, Marketing: false}, nil
}

// stubSender delivers one channel, failing on demand.
type stubSender struct {
	channel string
	err     error
	calls   int
}

func (s *stubSender) Send(ctx context.Context, n *db.Notification) error {
	s.calls++
	return s.err
}

func (s *stubSender) Channel() string { return s.channel }

func newTestNotifController(repo *fakeNotifRepo, senders ...ChannelSender) *Controller {
	return New(repo, nil, Config{}, zap.NewNop(), senders...)
}

func createNotif(t *testing.T, c *Controller, userID uuid.UUID, notifType string) *db.Notification {
	t.Helper()
	n, err := c.Create(context.Background(), userID,
		"Purchase confirmed", "Your token purchase went through.",
		notifType, "success", "normal", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return n
}

func TestCreate_Validation(t *testing.T) {
	c := newTestNotifController(newFakeNotifRepo())
	ctx := context.Background()
	userID := uuid.New()

	long := make([]byte, MaxTitleLen+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name                                    string
		title, message, typ, category, priority string
	}{
		{"empty title", "", "msg", "transaction", "success", "normal"},
		{"long title", string(long), "msg", "transaction", "success", "normal"},
		{"empty message", "t", "", "transaction", "success", "normal"},
		{"bad type", "t", "m", "gossip", "success", "normal"},
		{"bad category", "t", "m", "transaction", "sideways", "normal"},
		{"bad priority", "t", "m", "transaction", "success", "extreme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Create(ctx, userID, tt.title, tt.message, tt.typ, tt.category, tt.priority, nil, nil)
			if !fault.IsValidation(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestCreate_InAppSentImmediately(t *testing.T) {
	c := newTestNotifController(newFakeNotifRepo())
	n := createNotif(t, c, uuid.New(), "transaction")

	if !n.Channels.InApp.Sent {
		t.Fatal("inApp channel should be sent at creation")
	}
	if n.Channels.InApp.SentAt == nil {
		t.Fatal("inApp sent_at not set")
	}
	if n.Status != db.NotifStatusPending {
		t.Fatalf("status = %s, outbound channels still due", n.Status)
	}
}

func TestCreate_MarketingGetsTTL(t *testing.T) {
	repo := newFakeNotifRepo()
	userID := uuid.New()
	repo.prefs[userID] = &db.Preferences{UserID: userID, Email: true, Push: true, SMS: true, Marketing: true}
	c := newTestNotifController(repo)

	before := time.Now()
	n := createNotif(t, c, userID, "marketing")
	after := time.Now()

	if n.ExpiresAt == nil {
		t.Fatal("marketing notification should expire")
	}
	if n.ExpiresAt.Before(before.Add(MarketingTTL)) || n.ExpiresAt.After(after.Add(MarketingTTL)) {
		t.Fatalf("expires_at = %v, want ~30 days out", n.ExpiresAt)
	}
}

func TestCreate_NonMarketingNoTTL(t *testing.T) {
	c := newTestNotifController(newFakeNotifRepo())
	n := createNotif(t, c, uuid.New(), "transaction")
	if n.ExpiresAt != nil {
		t.Fatal("transactional notification should not expire")
	}
}

func TestCreate_AllChannelsDisabledIsSent(t *testing.T) {
	repo := newFakeNotifRepo()
	userID := uuid.New()
	repo.prefs[userID] = &db.Preferences{UserID: userID}
	c := newTestNotifController(repo)

	n := createNotif(t, c, userID, "transaction")
	if n.Status != db.NotifStatusSent {
		t.Fatalf("status = %s, in-app only delivery should complete at creation", n.Status)
	}
}

func TestCreate_MarketingOptOutIsSent(t *testing.T) {
	repo := newFakeNotifRepo()
	userID := uuid.New()
	// All channels on, but marketing off: a marketing notification is in-app
	// only and therefore complete at creation.
	repo.prefs[userID] = &db.Preferences{UserID: userID, Email: true, Push: true, SMS: true, Marketing: false}
	c := newTestNotifController(repo)

	n := createNotif(t, c, userID, "marketing")
	if n.Status != db.NotifStatusSent {
		t.Fatalf("status = %s", n.Status)
	}
}

func TestDispatch_AllChannelsSucceed(t *testing.T) {
	repo := newFakeNotifRepo()
	email := &stubSender{channel: db.ChannelEmail}
	push := &stubSender{channel: db.ChannelPush}
	sms := &stubSender{channel: db.ChannelSMS}
	c := newTestNotifController(repo, email, push, sms)

	n := createNotif(t, c, uuid.New(), "transaction")
	updated, err := c.Dispatch(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if updated.Status != db.NotifStatusSent {
		t.Fatalf("status = %s", updated.Status)
	}
	for _, ch := range []string{db.ChannelEmail, db.ChannelPush, db.ChannelSMS} {
		if !updated.Channels.Get(ch).Sent {
			t.Fatalf("channel %s not sent", ch)
		}
	}
}

func TestDispatch_ChannelFailureIsolated(t *testing.T) {
	repo := newFakeNotifRepo()
	email := &stubSender{channel: db.ChannelEmail, err: errors.New("smtp down")}
	push := &stubSender{channel: db.ChannelPush}
	sms := &stubSender{channel: db.ChannelSMS}
	c := newTestNotifController(repo, email, push, sms)

	n := createNotif(t, c, uuid.New(), "transaction")
	updated, err := c.Dispatch(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if updated.Status != db.NotifStatusPending {
		t.Fatalf("status = %s, partial delivery should stay pending", updated.Status)
	}
	if updated.Channels.Email.Sent {
		t.Fatal("email should not be sent")
	}
	if updated.Channels.Email.Error == nil {
		t.Fatal("email failure should be recorded")
	}
	if !updated.Channels.Push.Sent || !updated.Channels.SMS.Sent {
		t.Fatal("push and sms should have delivered despite email failure")
	}
	if updated.Delivery.Attempts != 1 {
		t.Fatalf("attempts = %d", updated.Delivery.Attempts)
	}
	if updated.Delivery.NextAttempt == nil {
		t.Fatal("retry should be scheduled")
	}
}

func TestDispatch_RespectsBackoffWindow(t *testing.T) {
	repo := newFakeNotifRepo()
	email := &stubSender{channel: db.ChannelEmail, err: errors.New("smtp down")}
	push := &stubSender{channel: db.ChannelPush}
	sms := &stubSender{channel: db.ChannelSMS}
	c := newTestNotifController(repo, email, push, sms)

	n := createNotif(t, c, uuid.New(), "transaction")
	if _, err := c.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	emailCalls := email.calls

	// The retry is scheduled minutes out; a tick arriving before then must
	// not burn another attempt.
	updated, err := c.Dispatch(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("early dispatch: %v", err)
	}
	if email.calls != emailCalls {
		t.Fatal("dispatch inside the backoff window must not re-attempt")
	}
	if updated.Delivery.Attempts != 1 {
		t.Fatalf("attempts = %d, early dispatch must not count", updated.Delivery.Attempts)
	}

	elapseBackoff(repo, n.ID)
	if _, err := c.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("due dispatch: %v", err)
	}
	if email.calls != emailCalls+1 {
		t.Fatal("dispatch after the window should re-attempt the failed channel")
	}
}

// elapseBackoff backdates the retry window so the next dispatch is due.
func elapseBackoff(repo *fakeNotifRepo, id uuid.UUID) {
	past := time.Now().Add(-time.Second)
	repo.notifications[id].Delivery.NextAttempt = &past
}

func TestDispatch_RetrySkipsSentChannels(t *testing.T) {
	repo := newFakeNotifRepo()
	email := &stubSender{channel: db.ChannelEmail, err: errors.New("down")}
	push := &stubSender{channel: db.ChannelPush}
	sms := &stubSender{channel: db.ChannelSMS}
	c := newTestNotifController(repo, email, push, sms)

	n := createNotif(t, c, uuid.New(), "transaction")
	if _, err := c.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	pushCalls, smsCalls := push.calls, sms.calls

	email.err = nil
	elapseBackoff(repo, n.ID)
	updated, err := c.Dispatch(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if updated.Status != db.NotifStatusSent {
		t.Fatalf("status = %s", updated.Status)
	}
	if push.calls != pushCalls || sms.calls != smsCalls {
		t.Fatal("already-sent channels must not be re-attempted")
	}
}

func TestDispatch_ExhaustedAttemptsFail(t *testing.T) {
	repo := newFakeNotifRepo()
	email := &stubSender{channel: db.ChannelEmail, err: errors.New("down")}
	push := &stubSender{channel: db.ChannelPush}
	sms := &stubSender{channel: db.ChannelSMS}
	c := newTestNotifController(repo, email, push, sms)

	n := createNotif(t, c, uuid.New(), "transaction")

	var updated *db.Notification
	var err error
	for i := 0; i < DefaultMaxAttempts; i++ {
		updated, err = c.Dispatch(context.Background(), n.ID)
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		elapseBackoff(repo, n.ID)
	}
	if updated.Status != db.NotifStatusFailed {
		t.Fatalf("status = %s after exhausting attempts", updated.Status)
	}
	if updated.Delivery.Attempts != DefaultMaxAttempts {
		t.Fatalf("attempts = %d, the final pass must be counted", updated.Delivery.Attempts)
	}
	if updated.Delivery.LastAttempt == nil {
		t.Fatal("last_attempt should reflect the final pass")
	}

	// Further dispatches are no-ops on a failed notification.
	emailCalls := email.calls
	if _, err := c.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("dispatch on failed: %v", err)
	}
	if email.calls != emailCalls {
		t.Fatal("failed notification must not be re-attempted")
	}
}

func TestDispatch_MissingSenderRecorded(t *testing.T) {
	repo := newFakeNotifRepo()
	// Only email wired; push and sms have no sender.
	email := &stubSender{channel: db.ChannelEmail}
	c := newTestNotifController(repo, email)

	n := createNotif(t, c, uuid.New(), "transaction")
	updated, err := c.Dispatch(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if updated.Status != db.NotifStatusPending {
		t.Fatalf("status = %s", updated.Status)
	}
	if updated.Channels.Push.Error == nil || updated.Channels.SMS.Error == nil {
		t.Fatal("unconfigured channels should record an error")
	}
}

func TestMarkChannelSent_Idempotent(t *testing.T) {
	repo := newFakeNotifRepo()
	c := newTestNotifController(repo)
	n := createNotif(t, c, uuid.New(), "transaction")

	first, err := c.MarkChannelSent(context.Background(), n.ID, db.ChannelEmail, true, "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !first.Channels.Email.Sent {
		t.Fatal("email should be sent")
	}

	second, err := c.MarkChannelSent(context.Background(), n.ID, db.ChannelEmail, true, "")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Channels.Email.Delivered {
		t.Fatal("re-report should upgrade to delivered")
	}
}

func TestMarkChannelSent_CompletesAggregate(t *testing.T) {
	repo := newFakeNotifRepo()
	c := newTestNotifController(repo)
	n := createNotif(t, c, uuid.New(), "transaction")

	for _, ch := range []string{db.ChannelEmail, db.ChannelPush} {
		if _, err := c.MarkChannelSent(context.Background(), n.ID, ch, true, ""); err != nil {
			t.Fatalf("%s: %v", ch, err)
		}
	}
	updated, err := c.MarkChannelSent(context.Background(), n.ID, db.ChannelSMS, true, "")
	if err != nil {
		t.Fatalf("sms: %v", err)
	}
	if updated.Status != db.NotifStatusSent {
		t.Fatalf("status = %s once every channel reported", updated.Status)
	}
}

func TestMarkChannelSent_UnknownChannel(t *testing.T) {
	repo := newFakeNotifRepo()
	c := newTestNotifController(repo)
	n := createNotif(t, c, uuid.New(), "transaction")

	_, err := c.MarkChannelSent(context.Background(), n.ID, "carrier-pigeon", true, "")
	if !fault.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRetryDelivery_NoopAtCap(t *testing.T) {
	repo := newFakeNotifRepo()
	c := newTestNotifController(repo)
	n := createNotif(t, c, uuid.New(), "transaction")
	repo.notifications[n.ID].Delivery.Attempts = DefaultMaxAttempts

	updated, err := c.RetryDelivery(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if updated.Delivery.Attempts != DefaultMaxAttempts {
		t.Fatalf("attempts = %d, capped retry must not bump", updated.Delivery.Attempts)
	}
}

func TestFlags_OneWay(t *testing.T) {
	repo := newFakeNotifRepo()
	c := newTestNotifController(repo)
	n := createNotif(t, c, uuid.New(), "transaction")
	ctx := context.Background()

	read, err := c.MarkAsRead(ctx, n.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	firstReadAt := *read.ReadAt

	time.Sleep(5 * time.Millisecond)
	again, err := c.MarkAsRead(ctx, n.ID)
	if err != nil {
		t.Fatalf("read again: %v", err)
	}
	if !again.ReadAt.Equal(firstReadAt) {
		t.Fatal("re-reading must keep the first read_at")
	}

	dismissed, err := c.Dismiss(ctx, n.ID)
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if !dismissed.Dismissed {
		t.Fatal("dismissed flag not set")
	}
}

func TestMarkAsClicked_ImpliesRead(t *testing.T) {
	repo := newFakeNotifRepo()
	c := newTestNotifController(repo)
	n := createNotif(t, c, uuid.New(), "transaction")

	clicked, err := c.MarkAsClicked(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("clicked: %v", err)
	}
	if !clicked.Clicked || !clicked.Read {
		t.Fatal("click should set both clicked and read")
	}
}

func TestNextAttempt_BackoffGrows(t *testing.T) {
	c := newTestNotifController(newFakeNotifRepo())

	var prev time.Duration
	for attempts := 1; attempts <= 3; attempts++ {
		delay := time.Until(c.nextAttempt(attempts))
		if delay <= prev {
			t.Fatalf("attempt %d delay %v not greater than previous %v", attempts, delay, prev)
		}
		prev = delay
	}

	// multiplier^1 x 60s = 2 minutes for the first retry
	first := time.Until(c.nextAttempt(1))
	if first < 119*time.Second || first > 121*time.Second {
		t.Fatalf("first retry delay = %v, want ~2m", first)
	}
}
