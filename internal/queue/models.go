package queue

import (
	"encoding/json"
	"time"
)

// ItemType identifies the handler for a unit of deferred work.
type ItemType string

const (
	// TypeNotification is a payload deferred past quiet hours.
	TypeNotification ItemType = "notification"
	// TypeChannelRetry re-executes one failed channel delivery.
	TypeChannelRetry ItemType = "channel_retry"
	// TypeDigest re-enters a batched payload into the orchestrator.
	TypeDigest ItemType = "digest"
)

// ItemStatus is the lifecycle state of a queue item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// Item is one unit of deferred work.
type Item struct {
	ID           string          `json:"id"`
	Type         ItemType        `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	ProcessAfter time.Time       `json:"process_after"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	Status       ItemStatus      `json:"status"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NextAction is the scheduling decision after one execution.
type NextAction int

const (
	// ActionCompleted removes the item from the active set.
	ActionCompleted NextAction = iota
	// ActionReprocess returns the item to pending at its new ProcessAfter.
	ActionReprocess
	// ActionDeadLetter marks the item permanently failed.
	ActionDeadLetter
)

// Transition computes the item's next state from one execution outcome.
// It never mutates its input: retries are a pure (item) -> (item', action)
// step, so concurrent processors cannot race on a shared counter.
func Transition(item Item, execErr error, now time.Time, backoffBase time.Duration) (Item, NextAction) {
	next := item
	next.UpdatedAt = now

	if execErr == nil {
		next.Status = StatusCompleted
		next.LastError = ""
		return next, ActionCompleted
	}

	next.RetryCount++
	next.LastError = execErr.Error()

	if next.RetryCount >= next.MaxRetries {
		next.Status = StatusFailed
		return next, ActionDeadLetter
	}

	next.Status = StatusPending
	next.ProcessAfter = now.Add(backoffBase * (1 << next.RetryCount))
	return next, ActionReprocess
}
