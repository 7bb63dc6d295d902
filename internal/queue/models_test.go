package queue

import (
	"errors"
	"testing"
	"time"
)

func TestTransitionCompletes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item := Item{ID: "a", Status: StatusProcessing, RetryCount: 1, MaxRetries: 3, LastError: "boom"}

	next, action := Transition(item, nil, now, 30*time.Second)

	if action != ActionCompleted {
		t.Fatalf("expected ActionCompleted, got %v", action)
	}
	if next.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", next.Status)
	}
	if next.LastError != "" {
		t.Errorf("expected cleared error, got %q", next.LastError)
	}
	if next.RetryCount != 1 {
		t.Errorf("success must not change retry count, got %d", next.RetryCount)
	}
}

func TestTransitionBackoffSequence(t *testing.T) {
	base := 30 * time.Second
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	execErr := errors.New("provider down")

	item := Item{ID: "a", Status: StatusProcessing, MaxRetries: 3}

	// Failure 1: reschedule at +2*base.
	next, action := Transition(item, execErr, now, base)
	if action != ActionReprocess {
		t.Fatalf("failure 1: expected reprocess, got %v", action)
	}
	if next.RetryCount != 1 {
		t.Fatalf("failure 1: expected retry count 1, got %d", next.RetryCount)
	}
	if want := now.Add(2 * base); !next.ProcessAfter.Equal(want) {
		t.Errorf("failure 1: expected process_after %v, got %v", want, next.ProcessAfter)
	}
	if next.Status != StatusPending {
		t.Errorf("failure 1: expected pending, got %s", next.Status)
	}

	// Failure 2: reschedule at +4*base.
	next, action = Transition(next, execErr, now, base)
	if action != ActionReprocess {
		t.Fatalf("failure 2: expected reprocess, got %v", action)
	}
	if want := now.Add(4 * base); !next.ProcessAfter.Equal(want) {
		t.Errorf("failure 2: expected process_after %v, got %v", want, next.ProcessAfter)
	}

	// Failure 3: retry budget spent, dead-letter.
	next, action = Transition(next, execErr, now, base)
	if action != ActionDeadLetter {
		t.Fatalf("failure 3: expected dead letter, got %v", action)
	}
	if next.Status != StatusFailed {
		t.Errorf("failure 3: expected failed, got %s", next.Status)
	}
	if next.LastError != "provider down" {
		t.Errorf("failure 3: expected recorded error, got %q", next.LastError)
	}
}

func TestTransitionDoesNotMutateInput(t *testing.T) {
	now := time.Now()
	item := Item{ID: "a", Status: StatusProcessing, RetryCount: 0, MaxRetries: 3}

	Transition(item, errors.New("x"), now, time.Second)

	if item.RetryCount != 0 || item.Status != StatusProcessing || item.LastError != "" {
		t.Errorf("input item was mutated: %+v", item)
	}
}
