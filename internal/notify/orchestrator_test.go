package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sapliy/marketpulse/pkg/observability"
)

type mockStore struct {
	mu            sync.Mutex
	notifications []*Notification
	attempts      map[string]*DeliveryAttempt
	prefs         map[string]*Preferences

	CreateNotificationFunc func(ctx context.Context, n *Notification) error
}

func newMockStore() *mockStore {
	return &mockStore{
		attempts: make(map[string]*DeliveryAttempt),
		prefs:    make(map[string]*Preferences),
	}
}

func (m *mockStore) CreateNotification(ctx context.Context, n *Notification) error {
	if m.CreateNotificationFunc != nil {
		return m.CreateNotificationFunc(ctx, n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = "n-1"
	n.CreatedAt = time.Now()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *mockStore) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifications, nil
}

func (m *mockStore) CreateAttempt(ctx context.Context, a *DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = "att-" + string(a.Channel)
	m.attempts[a.ID] = a
	return nil
}

func (m *mockStore) UpdateAttempt(ctx context.Context, a *DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *a
	m.attempts[a.ID] = &copied
	return nil
}

func (m *mockStore) GetAttempt(ctx context.Context, id string) (*DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id], nil
}

func (m *mockStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs[userID], nil
}

func (m *mockStore) UpsertPreferences(ctx context.Context, p Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.UserID] = &p
	return nil
}

type mockDeferrer struct {
	mu       sync.Mutex
	deferred []string
	retries  []string
}

func (m *mockDeferrer) DeferNotification(ctx context.Context, notificationID string, payload Payload, processAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred = append(m.deferred, notificationID)
	return nil
}

func (m *mockDeferrer) EnqueueRetry(ctx context.Context, attemptID string, channel Channel, payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, attemptID)
	return nil
}

type mockSender struct {
	channel   Channel
	retryable bool
	SendFunc  func(ctx context.Context, ref DeliveryRef, payload Payload) (DeliveryResult, error)
}

func (m *mockSender) Channel() Channel { return m.channel }
func (m *mockSender) Retryable() bool  { return m.retryable }
func (m *mockSender) Send(ctx context.Context, ref DeliveryRef, payload Payload) (DeliveryResult, error) {
	if m.SendFunc != nil {
		return m.SendFunc(ctx, ref, payload)
	}
	return DeliveryResult{Delivered: true}, nil
}

func testOrchestrator(store Store, deferrer Deferrer, senders ...Sender) *Orchestrator {
	registry := NewSenderRegistry()
	for _, s := range senders {
		registry.Register(s)
	}
	log := observability.NewLogger("test")
	return NewOrchestrator(store, registry, deferrer, nil, log, Config{})
}

func TestNotifyDeliversAcrossEnabledChannels(t *testing.T) {
	store := newMockStore()
	deferrer := &mockDeferrer{}

	var sent []Channel
	var mu sync.Mutex
	record := func(ch Channel) *mockSender {
		return &mockSender{channel: ch, retryable: true, SendFunc: func(ctx context.Context, ref DeliveryRef, p Payload) (DeliveryResult, error) {
			mu.Lock()
			sent = append(sent, ch)
			mu.Unlock()
			return DeliveryResult{Delivered: true}, nil
		}}
	}

	o := testOrchestrator(store, deferrer,
		record(ChannelRealtime), record(ChannelPush), record(ChannelEmail))

	attempts, err := o.Notify(context.Background(), Payload{
		UserID: "u1", Title: "hi", Category: CategoryOrder,
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	// Default preferences: realtime, push, email.
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	if len(sent) != 3 {
		t.Errorf("expected 3 sends, got %d", len(sent))
	}
	for _, a := range attempts {
		if a.Status != StatusDelivered {
			t.Errorf("channel %s: expected delivered, got %s", a.Channel, a.Status)
		}
	}
	if len(store.notifications) != 1 {
		t.Errorf("expected persisted in-app record")
	}
}

func TestNotifyDefersDuringQuietHours(t *testing.T) {
	store := newMockStore()
	store.prefs["u1"] = &Preferences{
		UserID:          "u1",
		RealtimeEnabled: true,
		QuietHoursStart: "00:00",
		QuietHoursEnd:   "23:59",
	}
	deferrer := &mockDeferrer{}
	o := testOrchestrator(store, deferrer, &mockSender{channel: ChannelRealtime})
	o.now = func() time.Time { return clock(12, 0) }

	attempts, err := o.Notify(context.Background(), Payload{
		UserID: "u1", Title: "hi", Category: CategoryOrder,
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if attempts != nil {
		t.Errorf("deferred notify must not produce attempts, got %v", attempts)
	}
	if len(deferrer.deferred) != 1 {
		t.Fatalf("expected 1 deferral, got %d", len(deferrer.deferred))
	}
	// The in-app record exists even though channel delivery was deferred.
	if len(store.notifications) != 1 {
		t.Errorf("expected persisted in-app record")
	}
}

func TestNotifyUrgentBypassesQuietHours(t *testing.T) {
	store := newMockStore()
	store.prefs["u1"] = &Preferences{
		UserID:          "u1",
		RealtimeEnabled: true,
		QuietHoursStart: "00:00",
		QuietHoursEnd:   "23:59",
	}
	deferrer := &mockDeferrer{}
	o := testOrchestrator(store, deferrer,
		&mockSender{channel: ChannelRealtime},
		&mockSender{channel: ChannelSMS, retryable: true})
	o.now = func() time.Time { return clock(12, 0) }

	attempts, err := o.Notify(context.Background(), Payload{
		UserID: "u1", Title: "driver arrived", Category: CategoryRide, Urgent: true,
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(deferrer.deferred) != 0 {
		t.Error("urgent payload must not be deferred")
	}
	// Urgent adds SMS to the enabled set.
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts (realtime + sms), got %d", len(attempts))
	}
}

func TestRetryableFailureEnqueuesRetry(t *testing.T) {
	store := newMockStore()
	deferrer := &mockDeferrer{}
	store.prefs["u1"] = &Preferences{UserID: "u1", EmailEnabled: true}

	o := testOrchestrator(store, deferrer, &mockSender{
		channel: ChannelEmail, retryable: true,
		SendFunc: func(ctx context.Context, ref DeliveryRef, p Payload) (DeliveryResult, error) {
			return DeliveryResult{}, errors.New("smtp timeout")
		},
	})

	attempts, err := o.Notify(context.Background(), Payload{
		UserID: "u1", Title: "hi", Category: CategoryOrder,
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].Status != StatusFailed {
		t.Errorf("expected failed, got %s", attempts[0].Status)
	}
	if len(deferrer.retries) != 1 {
		t.Errorf("expected 1 enqueued retry, got %d", len(deferrer.retries))
	}
}

func TestRealtimeFailureIsNotRetried(t *testing.T) {
	store := newMockStore()
	deferrer := &mockDeferrer{}
	store.prefs["u1"] = &Preferences{UserID: "u1", RealtimeEnabled: true}

	o := testOrchestrator(store, deferrer, &mockSender{
		channel: ChannelRealtime, retryable: false,
		SendFunc: func(ctx context.Context, ref DeliveryRef, p Payload) (DeliveryResult, error) {
			return DeliveryResult{}, errors.New("no live connection")
		},
	})

	attempts, err := o.Notify(context.Background(), Payload{
		UserID: "u1", Title: "hi", Category: CategoryOrder,
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if attempts[0].Status != StatusFailedPermanent {
		t.Errorf("expected failed_permanent, got %s", attempts[0].Status)
	}
	if len(deferrer.retries) != 0 {
		t.Errorf("realtime must not enqueue retries, got %d", len(deferrer.retries))
	}
}

func TestRetrySendSkipsTerminalAttempt(t *testing.T) {
	store := newMockStore()
	store.attempts["att-1"] = &DeliveryAttempt{ID: "att-1", Status: StatusDelivered}
	deferrer := &mockDeferrer{}

	called := false
	o := testOrchestrator(store, deferrer, &mockSender{
		channel: ChannelEmail, retryable: true,
		SendFunc: func(ctx context.Context, ref DeliveryRef, p Payload) (DeliveryResult, error) {
			called = true
			return DeliveryResult{Delivered: true}, nil
		},
	})

	if err := o.RetrySend(context.Background(), "att-1", ChannelEmail, Payload{UserID: "u1"}); err != nil {
		t.Fatalf("RetrySend failed: %v", err)
	}
	if called {
		t.Error("terminal attempt must not be re-sent")
	}
}

func TestRetrySendReturnsErrorForBackoff(t *testing.T) {
	store := newMockStore()
	store.attempts["att-1"] = &DeliveryAttempt{ID: "att-1", Status: StatusFailed, Channel: ChannelEmail}
	deferrer := &mockDeferrer{}

	sendErr := errors.New("still down")
	o := testOrchestrator(store, deferrer, &mockSender{
		channel: ChannelEmail, retryable: true,
		SendFunc: func(ctx context.Context, ref DeliveryRef, p Payload) (DeliveryResult, error) {
			return DeliveryResult{}, sendErr
		},
	})

	err := o.RetrySend(context.Background(), "att-1", ChannelEmail, Payload{UserID: "u1"})
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected send error surfaced, got %v", err)
	}
	if got := store.attempts["att-1"]; got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
}

func TestMarkPermanentFailure(t *testing.T) {
	store := newMockStore()
	store.attempts["att-1"] = &DeliveryAttempt{ID: "att-1", Status: StatusFailed}
	o := testOrchestrator(store, &mockDeferrer{})

	if err := o.MarkPermanentFailure(context.Background(), "att-1", "retry budget spent"); err != nil {
		t.Fatalf("MarkPermanentFailure failed: %v", err)
	}
	got := store.attempts["att-1"]
	if got.Status != StatusFailedPermanent {
		t.Errorf("expected failed_permanent, got %s", got.Status)
	}
	if got.FailureReason != "retry budget spent" {
		t.Errorf("expected reason recorded, got %q", got.FailureReason)
	}
}

func TestGetPreferencesFallsBackToDefaults(t *testing.T) {
	store := newMockStore()
	o := testOrchestrator(store, &mockDeferrer{})

	prefs, err := o.GetPreferences(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("GetPreferences failed: %v", err)
	}
	if !prefs.RealtimeEnabled || !prefs.PushEnabled || !prefs.EmailEnabled || prefs.SMSEnabled {
		t.Errorf("unexpected defaults: %+v", prefs)
	}
}

func TestNotifyBulkProcessesEveryPayload(t *testing.T) {
	store := newMockStore()
	deferrer := &mockDeferrer{}

	var mu sync.Mutex
	count := 0
	o := testOrchestrator(store, deferrer, &mockSender{
		channel: ChannelRealtime,
		SendFunc: func(ctx context.Context, ref DeliveryRef, p Payload) (DeliveryResult, error) {
			mu.Lock()
			count++
			mu.Unlock()
			return DeliveryResult{Delivered: true}, nil
		},
	})

	payloads := make([]Payload, 7)
	for i := range payloads {
		payloads[i] = Payload{UserID: "u1", Title: "hi", Category: CategoryOrder}
	}
	if err := o.NotifyBulk(context.Background(), payloads); err != nil {
		t.Fatalf("NotifyBulk failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 7 {
		t.Errorf("expected 7 realtime sends, got %d", count)
	}
}
