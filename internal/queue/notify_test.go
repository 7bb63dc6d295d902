package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sapliy/marketpulse/internal/notify"
)

func TestDeferNotificationCarriesRetryBudget(t *testing.T) {
	store := &mockItemStore{}
	engine := testEngine(store)

	resume := time.Now().Add(time.Hour)
	err := engine.DeferNotification(context.Background(), "n-1",
		notify.Payload{UserID: "u1", Title: "hi"}, resume)
	if err != nil {
		t.Fatalf("DeferNotification failed: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.items) != 1 {
		t.Fatalf("expected 1 inserted item, got %d", len(store.items))
	}
	item := store.items[0]
	if item.Type != TypeNotification {
		t.Errorf("expected %s, got %s", TypeNotification, item.Type)
	}
	if item.MaxRetries != defaultRetryBudget {
		t.Errorf("expected retry budget %d, got %d", defaultRetryBudget, item.MaxRetries)
	}
	if !item.ProcessAfter.Equal(resume) {
		t.Errorf("expected process_after %v, got %v", resume, item.ProcessAfter)
	}

	var task NotificationTask
	if err := json.Unmarshal(item.Payload, &task); err != nil || task.NotificationID != "n-1" {
		t.Errorf("task did not round-trip: %s", item.Payload)
	}
}

func TestEnqueueRetryPrioritizesUrgent(t *testing.T) {
	store := &mockItemStore{}
	engine := testEngine(store)

	ctx := context.Background()
	if err := engine.EnqueueRetry(ctx, "att-1", notify.ChannelPush, notify.Payload{UserID: "u1"}); err != nil {
		t.Fatalf("EnqueueRetry failed: %v", err)
	}
	if err := engine.EnqueueRetry(ctx, "att-2", notify.ChannelSMS, notify.Payload{UserID: "u1", Urgent: true}); err != nil {
		t.Fatalf("EnqueueRetry failed: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.items) != 2 {
		t.Fatalf("expected 2 inserted items, got %d", len(store.items))
	}
	if store.items[0].Priority != retryPriority {
		t.Errorf("expected priority %d, got %d", retryPriority, store.items[0].Priority)
	}
	if store.items[1].Priority != urgentRetryPriority {
		t.Errorf("expected priority %d, got %d", urgentRetryPriority, store.items[1].Priority)
	}
	for _, item := range store.items {
		if item.MaxRetries != defaultRetryBudget {
			t.Errorf("expected retry budget %d, got %d", defaultRetryBudget, item.MaxRetries)
		}
	}
}
