package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sapliy/marketpulse/internal/realtime"
	"github.com/sapliy/marketpulse/pkg/observability"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error)
	CreateAttempt(ctx context.Context, a *DeliveryAttempt) error
	UpdateAttempt(ctx context.Context, a *DeliveryAttempt) error
	GetAttempt(ctx context.Context, id string) (*DeliveryAttempt, error)
	GetPreferences(ctx context.Context, userID string) (*Preferences, error)
	UpsertPreferences(ctx context.Context, p Preferences) error
}

// Deferrer schedules work for later: quiet-hours deferrals and channel
// retries. Implemented by the durable queue engine.
type Deferrer interface {
	DeferNotification(ctx context.Context, notificationID string, payload Payload, processAfter time.Time) error
	EnqueueRetry(ctx context.Context, attemptID string, channel Channel, payload Payload) error
}

// Broadcaster pushes an event to every live connection, used for payloads
// without a target user.
type Broadcaster interface {
	BroadcastAll(event string, data interface{})
}

// Config tunes orchestrator behavior.
type Config struct {
	SendTimeout   time.Duration // per channel-sender call, default 10s
	MaxConcurrent int           // cap on parallel outbound sends, default 16
	BulkBatchSize int           // notifyBulk chunk size, default 100
}

// Orchestrator is the single entry point for "notify user(s) about event X",
// regardless of trigger source.
type Orchestrator struct {
	store       Store
	senders     *SenderRegistry
	deferrer    Deferrer
	broadcaster Broadcaster
	log         *observability.Logger

	cfg Config
	sem chan struct{}

	now func() time.Time
}

func NewOrchestrator(store Store, senders *SenderRegistry, deferrer Deferrer, broadcaster Broadcaster, log *observability.Logger, cfg Config) *Orchestrator {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.BulkBatchSize <= 0 {
		cfg.BulkBatchSize = 100
	}
	return &Orchestrator{
		store:       store,
		senders:     senders,
		deferrer:    deferrer,
		broadcaster: broadcaster,
		log:         log.WithComponent("orchestrator"),
		cfg:         cfg,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		now:         time.Now,
	}
}

// Notify resolves preferences and delivers the payload across every enabled
// channel. The in-app record is persisted up front, independent of whether
// any channel succeeds.
func (o *Orchestrator) Notify(ctx context.Context, payload Payload) ([]DeliveryAttempt, error) {
	n := &Notification{Payload: payload}
	if err := o.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	if payload.Broadcast() {
		if o.broadcaster != nil {
			o.broadcaster.BroadcastAll(realtime.EventNewNotification, map[string]interface{}{
				"id":       n.ID,
				"title":    payload.Title,
				"body":     payload.Body,
				"category": payload.Category,
			})
		}
		return nil, nil
	}

	prefs, err := o.GetPreferences(ctx, payload.UserID)
	if err != nil {
		return nil, err
	}

	if prefs.InQuietHours(o.now()) && !payload.Urgent {
		resume := prefs.QuietHoursEndTime(o.now())
		if err := o.deferrer.DeferNotification(ctx, n.ID, payload, resume); err != nil {
			return nil, fmt.Errorf("failed to defer notification: %w", err)
		}
		DeferredTotal.Inc()
		o.log.Info("notification deferred for quiet hours",
			"notification", n.ID, "user", payload.UserID, "resume_at", resume)
		return nil, nil
	}

	return o.deliver(ctx, n.ID, payload, prefs), nil
}

// DeliverDeferred runs channel delivery for a payload whose quiet-hours
// deferral has expired. Preferences are re-resolved so changes made during
// the window are honored.
func (o *Orchestrator) DeliverDeferred(ctx context.Context, notificationID string, payload Payload) error {
	prefs, err := o.GetPreferences(ctx, payload.UserID)
	if err != nil {
		return err
	}
	o.deliver(ctx, notificationID, payload, prefs)
	return nil
}

// deliver fans out across enabled channels concurrently. Channels are
// independent; one failing never blocks another.
func (o *Orchestrator) deliver(ctx context.Context, notificationID string, payload Payload, prefs Preferences) []DeliveryAttempt {
	channels := prefs.EnabledChannels(payload)

	var (
		mu       sync.Mutex
		attempts []DeliveryAttempt
		wg       sync.WaitGroup
	)
	for _, ch := range channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			o.sem <- struct{}{}
			defer func() { <-o.sem }()

			attempt := o.sendChannel(ctx, notificationID, payload, ch)
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		}(ch)
	}
	wg.Wait()
	return attempts
}

// sendChannel performs one channel send and records its DeliveryAttempt.
func (o *Orchestrator) sendChannel(ctx context.Context, notificationID string, payload Payload, ch Channel) DeliveryAttempt {
	attempt := DeliveryAttempt{
		NotificationID: notificationID,
		Channel:        ch,
		Status:         StatusPending,
	}
	if err := o.store.CreateAttempt(ctx, &attempt); err != nil {
		o.log.Error("failed to record delivery attempt", "channel", ch, "err", err)
	}

	sender, err := o.senders.Get(ch)
	if err != nil {
		attempt.Status = StatusFailedPermanent
		attempt.FailureReason = err.Error()
		o.finishAttempt(ctx, &attempt)
		return attempt
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()

	result, err := sender.Send(sendCtx, DeliveryRef{AttemptID: attempt.ID, NotificationID: notificationID}, payload)
	if err != nil {
		attempt.Status = StatusFailed
		attempt.FailureReason = err.Error()
		if sender.Retryable() {
			if qErr := o.deferrer.EnqueueRetry(ctx, attempt.ID, ch, payload); qErr != nil {
				o.log.Error("failed to enqueue retry", "attempt", attempt.ID, "err", qErr)
			}
		} else {
			// Realtime to an offline user is not retried; push/email/sms
			// already ran in parallel per preferences.
			attempt.Status = StatusFailedPermanent
		}
		o.finishAttempt(ctx, &attempt)
		return attempt
	}

	attempt.Status = StatusSent
	if result.Delivered {
		attempt.Status = StatusDelivered
	}
	attempt.CostCents = result.CostCents
	o.finishAttempt(ctx, &attempt)
	return attempt
}

func (o *Orchestrator) finishAttempt(ctx context.Context, a *DeliveryAttempt) {
	DeliveriesTotal.WithLabelValues(string(a.Channel), string(a.Status)).Inc()
	if err := o.store.UpdateAttempt(ctx, a); err != nil {
		o.log.Error("failed to update delivery attempt", "attempt", a.ID, "err", err)
	}
}

// RetrySend re-executes one failed channel delivery. Called by the queue
// engine; the returned error drives backoff/rescheduling there.
func (o *Orchestrator) RetrySend(ctx context.Context, attemptID string, ch Channel, payload Payload) error {
	attempt, err := o.loadAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Terminal() {
		return nil
	}

	sender, err := o.senders.Get(ch)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()

	result, sendErr := sender.Send(sendCtx, DeliveryRef{AttemptID: attempt.ID, NotificationID: attempt.NotificationID}, payload)
	attempt.RetryCount++
	if sendErr != nil {
		attempt.Status = StatusFailed
		attempt.FailureReason = sendErr.Error()
		o.finishAttempt(ctx, attempt)
		return sendErr
	}

	attempt.Status = StatusSent
	if result.Delivered {
		attempt.Status = StatusDelivered
	}
	attempt.CostCents += result.CostCents
	attempt.FailureReason = ""
	o.finishAttempt(ctx, attempt)
	return nil
}

// MarkPermanentFailure dead-letters an attempt whose retry budget is spent.
// The in-app record stays visible to the user.
func (o *Orchestrator) MarkPermanentFailure(ctx context.Context, attemptID, reason string) error {
	attempt, err := o.loadAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Status == StatusFailedPermanent {
		return nil
	}
	attempt.Status = StatusFailedPermanent
	attempt.FailureReason = reason
	o.finishAttempt(ctx, attempt)
	return nil
}

func (o *Orchestrator) loadAttempt(ctx context.Context, attemptID string) (*DeliveryAttempt, error) {
	attempt, err := o.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, fmt.Errorf("delivery attempt %s not found", attemptID)
	}
	return attempt, nil
}

// NotifyBulk processes payloads in fixed-size batches to bound memory and
// avoid overwhelming channel senders.
func (o *Orchestrator) NotifyBulk(ctx context.Context, payloads []Payload) error {
	for start := 0; start < len(payloads); start += o.cfg.BulkBatchSize {
		end := start + o.cfg.BulkBatchSize
		if end > len(payloads) {
			end = len(payloads)
		}

		var wg sync.WaitGroup
		for _, p := range payloads[start:end] {
			wg.Add(1)
			go func(p Payload) {
				defer wg.Done()
				if _, err := o.Notify(ctx, p); err != nil {
					o.log.Error("bulk notify failed", "user", p.UserID, "err", err)
				}
			}(p)
		}
		wg.Wait()
	}
	return nil
}

// GetPreferences returns stored preferences or defaults.
func (o *Orchestrator) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	p, err := o.store.GetPreferences(ctx, userID)
	if err != nil {
		return Preferences{}, fmt.Errorf("failed to load preferences: %w", err)
	}
	if p == nil {
		return DefaultPreferences(userID), nil
	}
	return *p, nil
}

// UpdatePreferences merges a partial update and stores the result.
func (o *Orchestrator) UpdatePreferences(ctx context.Context, userID string, patch PreferencesPatch) (Preferences, error) {
	current, err := o.GetPreferences(ctx, userID)
	if err != nil {
		return Preferences{}, err
	}
	updated := current.Apply(patch)
	updated.UserID = userID
	if err := o.store.UpsertPreferences(ctx, updated); err != nil {
		return Preferences{}, fmt.Errorf("failed to store preferences: %w", err)
	}
	return updated, nil
}

// ListInApp exposes the user's notification center, including dead-lettered
// notifications whose outbound channels never succeeded.
func (o *Orchestrator) ListInApp(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	return o.store.ListNotifications(ctx, userID, limit)
}
