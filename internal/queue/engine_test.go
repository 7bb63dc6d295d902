package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sapliy/marketpulse/pkg/observability"
)

type mockItemStore struct {
	mu    sync.Mutex
	items []Item
	saved []Item

	InsertFunc                func(ctx context.Context, item *Item) error
	DeleteCompletedBeforeFunc func(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatusFunc         func(ctx context.Context) (map[ItemStatus]int, error)
}

func (m *mockItemStore) Insert(ctx context.Context, item *Item) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, item)
	}
	m.mu.Lock()
	m.items = append(m.items, *item)
	m.mu.Unlock()
	return nil
}

func (m *mockItemStore) ClaimBatch(ctx context.Context, limit int) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(m.items) {
		n = len(m.items)
	}
	claimed := m.items[:n]
	m.items = m.items[n:]
	return claimed, nil
}

func (m *mockItemStore) Save(ctx context.Context, item Item) error {
	m.mu.Lock()
	m.saved = append(m.saved, item)
	m.mu.Unlock()
	return nil
}

func (m *mockItemStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.DeleteCompletedBeforeFunc != nil {
		return m.DeleteCompletedBeforeFunc(ctx, cutoff)
	}
	return 0, nil
}

func (m *mockItemStore) CountByStatus(ctx context.Context) (map[ItemStatus]int, error) {
	if m.CountByStatusFunc != nil {
		return m.CountByStatusFunc(ctx)
	}
	return map[ItemStatus]int{}, nil
}

func (m *mockItemStore) lastSaved(t *testing.T) Item {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		t.Fatal("no items were saved")
	}
	return m.saved[len(m.saved)-1]
}

func testEngine(store ItemStore) *Engine {
	log := observability.NewLogger("test")
	return NewEngine(store, log, EngineConfig{BackoffBase: time.Second})
}

func TestProcessBatchCompletesItem(t *testing.T) {
	store := &mockItemStore{items: []Item{
		{ID: "a", Type: TypeNotification, Status: StatusProcessing, MaxRetries: 3},
	}}
	engine := testEngine(store)

	var handled []string
	engine.Handle(TypeNotification, func(ctx context.Context, item Item) error {
		handled = append(handled, item.ID)
		return nil
	})

	if err := engine.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if len(handled) != 1 || handled[0] != "a" {
		t.Errorf("expected item a handled once, got %v", handled)
	}
	if got := store.lastSaved(t); got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestProcessBatchReschedulesFailure(t *testing.T) {
	store := &mockItemStore{items: []Item{
		{ID: "a", Type: TypeNotification, Status: StatusProcessing, MaxRetries: 3},
	}}
	engine := testEngine(store)
	engine.Handle(TypeNotification, func(ctx context.Context, item Item) error {
		return errors.New("transient")
	})

	if err := engine.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	got := store.lastSaved(t)
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
	if !got.ProcessAfter.After(time.Now()) {
		t.Errorf("expected future process_after, got %v", got.ProcessAfter)
	}
}

func TestProcessBatchDeadLettersExhaustedItem(t *testing.T) {
	store := &mockItemStore{items: []Item{
		{ID: "a", Type: TypeChannelRetry, Status: StatusProcessing, RetryCount: 2, MaxRetries: 3},
	}}
	engine := testEngine(store)
	engine.Handle(TypeChannelRetry, func(ctx context.Context, item Item) error {
		return errors.New("still broken")
	})

	var deadLettered []Item
	engine.OnDeadLetter(func(ctx context.Context, item Item) {
		deadLettered = append(deadLettered, item)
	})

	if err := engine.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if got := store.lastSaved(t); got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if len(deadLettered) != 1 {
		t.Fatalf("expected 1 dead-lettered item, got %d", len(deadLettered))
	}
	if deadLettered[0].LastError != "still broken" {
		t.Errorf("expected error carried to hook, got %q", deadLettered[0].LastError)
	}
}

func TestProcessBatchDeadLettersUnknownType(t *testing.T) {
	store := &mockItemStore{items: []Item{
		{ID: "a", Type: ItemType("mystery"), Status: StatusProcessing, MaxRetries: 1},
	}}
	engine := testEngine(store)

	if err := engine.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if got := store.lastSaved(t); got.Status != StatusFailed {
		t.Errorf("expected unknown type to fail, got %s", got.Status)
	}
}

func TestEnqueueEncodesPayload(t *testing.T) {
	store := &mockItemStore{}
	engine := testEngine(store)

	after := time.Now().Add(time.Minute)
	err := engine.Enqueue(context.Background(), TypeNotification,
		map[string]string{"k": "v"}, 5, after, 3)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.items) != 1 {
		t.Fatalf("expected 1 inserted item, got %d", len(store.items))
	}
	item := store.items[0]
	if item.Priority != 5 || item.MaxRetries != 3 {
		t.Errorf("unexpected item fields: %+v", item)
	}
	var decoded map[string]string
	if err := json.Unmarshal(item.Payload, &decoded); err != nil || decoded["k"] != "v" {
		t.Errorf("payload did not round-trip: %s", item.Payload)
	}
}
