package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sapliy/marketpulse/internal/notify"
)

// NotificationTask is the payload for TypeNotification and TypeDigest items.
type NotificationTask struct {
	NotificationID string         `json:"notification_id"`
	Payload        notify.Payload `json:"payload"`
}

// ChannelRetryTask is the payload for TypeChannelRetry items.
type ChannelRetryTask struct {
	AttemptID string         `json:"attempt_id"`
	Channel   notify.Channel `json:"channel"`
	Payload   notify.Payload `json:"payload"`
}

const (
	defaultRetryBudget  = 3
	deferredPriority    = 5
	retryPriority       = 3
	urgentRetryPriority = 8
)

// DeferNotification schedules a quiet-hours payload for the window's end.
// Deferrals get the same retry budget as channel retries so a transient
// delivery failure does not dead-letter the notification.
// Implements notify.Deferrer.
func (e *Engine) DeferNotification(ctx context.Context, notificationID string, payload notify.Payload, processAfter time.Time) error {
	task := NotificationTask{NotificationID: notificationID, Payload: payload}
	return e.Enqueue(ctx, TypeNotification, task, deferredPriority, processAfter, defaultRetryBudget)
}

// EnqueueRetry schedules the first retry of a failed channel delivery at
// one backoff-base from now; subsequent failures double the delay.
func (e *Engine) EnqueueRetry(ctx context.Context, attemptID string, channel notify.Channel, payload notify.Payload) error {
	task := ChannelRetryTask{AttemptID: attemptID, Channel: channel, Payload: payload}
	priority := retryPriority
	if payload.Urgent {
		priority = urgentRetryPriority
	}
	return e.Enqueue(ctx, TypeChannelRetry, task, priority, e.now().Add(e.cfg.BackoffBase), defaultRetryBudget)
}

// NotificationDispatcher is the orchestrator surface the queue calls back into.
type NotificationDispatcher interface {
	DeliverDeferred(ctx context.Context, notificationID string, payload notify.Payload) error
	RetrySend(ctx context.Context, attemptID string, channel notify.Channel, payload notify.Payload) error
	MarkPermanentFailure(ctx context.Context, attemptID, reason string) error
}

// RegisterNotifyHandlers wires deferred sends, channel retries and the
// dead-letter hook to the orchestrator.
func RegisterNotifyHandlers(e *Engine, d NotificationDispatcher) {
	e.Handle(TypeNotification, func(ctx context.Context, item Item) error {
		var task NotificationTask
		if err := json.Unmarshal(item.Payload, &task); err != nil {
			return fmt.Errorf("bad notification task: %w", err)
		}
		return d.DeliverDeferred(ctx, task.NotificationID, task.Payload)
	})

	e.Handle(TypeDigest, func(ctx context.Context, item Item) error {
		var task NotificationTask
		if err := json.Unmarshal(item.Payload, &task); err != nil {
			return fmt.Errorf("bad digest task: %w", err)
		}
		return d.DeliverDeferred(ctx, task.NotificationID, task.Payload)
	})

	e.Handle(TypeChannelRetry, func(ctx context.Context, item Item) error {
		var task ChannelRetryTask
		if err := json.Unmarshal(item.Payload, &task); err != nil {
			return fmt.Errorf("bad channel retry task: %w", err)
		}
		return d.RetrySend(ctx, task.AttemptID, task.Channel, task.Payload)
	})

	e.OnDeadLetter(func(ctx context.Context, item Item) {
		if item.Type != TypeChannelRetry {
			return
		}
		var task ChannelRetryTask
		if err := json.Unmarshal(item.Payload, &task); err != nil {
			return
		}
		if err := d.MarkPermanentFailure(ctx, task.AttemptID, item.LastError); err != nil {
			e.log.Error("failed to dead-letter delivery attempt", "attempt", task.AttemptID, "err", err)
		}
	})
}
