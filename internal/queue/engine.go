package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sapliy/marketpulse/pkg/observability"
)

var (
	itemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_queue_items_processed_total",
		Help: "Queue items processed by type and outcome.",
	}, []string{"type", "outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketpulse_queue_depth",
		Help: "Pending items in the durable queue.",
	})
)

// ItemStore is the persistence surface the engine needs.
type ItemStore interface {
	Insert(ctx context.Context, item *Item) error
	ClaimBatch(ctx context.Context, limit int) ([]Item, error)
	Save(ctx context.Context, item Item) error
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[ItemStatus]int, error)
}

// Handler executes one claimed item. A returned error sends the item through
// backoff or, once the budget is spent, to the dead-letter hook.
type Handler func(ctx context.Context, item Item) error

// DeadLetterHook observes items that exhausted their retry budget.
type DeadLetterHook func(ctx context.Context, item Item)

// EngineConfig tunes the processing loops.
type EngineConfig struct {
	Interval       time.Duration // processBatch cadence, default 5s
	BatchSize      int           // claim cap per tick, default 100
	BackoffBase    time.Duration // default 30s
	MaxConcurrent  int           // parallel handler executions, default 8
	RetentionAge   time.Duration // completed-item retention, default 7 days
	RetentionEvery time.Duration // retention sweep cadence, default 1h
}

// Engine is the durable queue processor: it claims due items on a timer,
// executes their handlers and applies the retry transition.
type Engine struct {
	store      ItemStore
	handlers   map[ItemType]Handler
	deadLetter DeadLetterHook
	log        *observability.Logger
	cfg        EngineConfig
	now        func() time.Time
}

func NewEngine(store ItemStore, log *observability.Logger, cfg EngineConfig) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = 7 * 24 * time.Hour
	}
	if cfg.RetentionEvery <= 0 {
		cfg.RetentionEvery = time.Hour
	}
	return &Engine{
		store:    store,
		handlers: make(map[ItemType]Handler),
		log:      log.WithComponent("queue"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Handle registers the handler for an item type.
func (e *Engine) Handle(t ItemType, h Handler) {
	e.handlers[t] = h
}

// OnDeadLetter registers the hook called when an item fails permanently.
func (e *Engine) OnDeadLetter(h DeadLetterHook) {
	e.deadLetter = h
}

// Enqueue stores a unit of deferred work.
func (e *Engine) Enqueue(ctx context.Context, t ItemType, payload interface{}, priority int, processAfter time.Time, maxRetries int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode queue payload: %w", err)
	}
	item := &Item{
		Type:         t,
		Payload:      raw,
		Priority:     priority,
		ProcessAfter: processAfter.UTC(),
		MaxRetries:   maxRetries,
	}
	return e.store.Insert(ctx, item)
}

// Run drives processBatch and the retention sweep until ctx is cancelled.
// Loop errors are logged; the loop always continues on its next tick.
func (e *Engine) Run(ctx context.Context) {
	process := time.NewTicker(e.cfg.Interval)
	retention := time.NewTicker(e.cfg.RetentionEvery)
	defer process.Stop()
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-process.C:
			if err := e.ProcessBatch(ctx); err != nil {
				e.log.Error("queue batch failed", "err", err)
			}
		case <-retention.C:
			cutoff := e.now().Add(-e.cfg.RetentionAge)
			if n, err := e.store.DeleteCompletedBefore(ctx, cutoff); err != nil {
				e.log.Error("retention sweep failed", "err", err)
			} else if n > 0 {
				e.log.Info("pruned completed queue items", "count", n)
			}
		}
	}
}

// ProcessBatch claims due items and executes them with bounded concurrency.
func (e *Engine) ProcessBatch(ctx context.Context) error {
	items, err := e.store.ClaimBatch(ctx, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(items) == 0 {
		e.updateDepth(ctx)
		return nil
	}

	sem := make(chan struct{}, e.cfg.MaxConcurrent)
	done := make(chan struct{})
	for _, item := range items {
		sem <- struct{}{}
		go func(item Item) {
			defer func() { <-sem; done <- struct{}{} }()
			e.processItem(ctx, item)
		}(item)
	}
	for range items {
		<-done
	}

	e.updateDepth(ctx)
	return nil
}

func (e *Engine) processItem(ctx context.Context, item Item) {
	handler, ok := e.handlers[item.Type]
	var execErr error
	if !ok {
		execErr = fmt.Errorf("no handler for item type %s", item.Type)
	} else {
		execErr = handler(ctx, item)
	}

	next, action := Transition(item, execErr, e.now().UTC(), e.cfg.BackoffBase)
	if err := e.store.Save(ctx, next); err != nil {
		e.log.Error("failed to save queue item", "item", item.ID, "err", err)
		return
	}

	switch action {
	case ActionCompleted:
		itemsProcessed.WithLabelValues(string(item.Type), "completed").Inc()
	case ActionReprocess:
		itemsProcessed.WithLabelValues(string(item.Type), "retry").Inc()
		e.log.Warn("queue item rescheduled", "item", item.ID,
			"retry", next.RetryCount, "max", next.MaxRetries, "next_at", next.ProcessAfter, "err", execErr)
	case ActionDeadLetter:
		itemsProcessed.WithLabelValues(string(item.Type), "dead_letter").Inc()
		e.log.Error("queue item failed permanently", "item", item.ID, "err", execErr)
		if e.deadLetter != nil {
			e.deadLetter(ctx, next)
		}
	}
}

func (e *Engine) updateDepth(ctx context.Context) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	queueDepth.Set(float64(counts[StatusPending]))
}

// Stats reports queue composition for the ops surface.
func (e *Engine) Stats(ctx context.Context) (map[ItemStatus]int, error) {
	return e.store.CountByStatus(ctx)
}
