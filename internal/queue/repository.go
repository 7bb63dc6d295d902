package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Repository persists queue items.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert stores a new pending item.
func (r *Repository) Insert(ctx context.Context, item *Item) error {
	item.ID = uuid.New().String()
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Status = StatusPending

	query := `
		INSERT INTO queue_items (id, item_type, payload, priority, process_after, retry_count, max_retries, status, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		item.ID, item.Type, item.Payload, item.Priority, item.ProcessAfter,
		item.RetryCount, item.MaxRetries, item.Status, item.CreatedAt, item.UpdatedAt,
	)
	return err
}

// ClaimBatch atomically moves due pending items to processing and returns
// them, ordered by priority then earliest-process time. SKIP LOCKED keeps two
// concurrent processors from double-claiming.
func (r *Repository) ClaimBatch(ctx context.Context, limit int) ([]Item, error) {
	query := `
		UPDATE queue_items SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = 'pending' AND process_after <= NOW()
			ORDER BY priority DESC, process_after ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, item_type, payload, priority, process_after, retry_count, max_retries, status, last_error, created_at, updated_at
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var payload []byte
		var lastErr sql.NullString
		if err := rows.Scan(&item.ID, &item.Type, &payload, &item.Priority, &item.ProcessAfter,
			&item.RetryCount, &item.MaxRetries, &item.Status, &lastErr, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Payload = json.RawMessage(payload)
		item.LastError = lastErr.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// Save writes an item's post-execution state.
func (r *Repository) Save(ctx context.Context, item Item) error {
	query := `
		UPDATE queue_items
		SET status = $1, retry_count = $2, process_after = $3, last_error = $4, updated_at = $5
		WHERE id = $6
	`
	var lastErr interface{}
	if item.LastError != "" {
		lastErr = item.LastError
	}
	_, err := r.db.ExecContext(ctx, query,
		item.Status, item.RetryCount, item.ProcessAfter, lastErr, item.UpdatedAt, item.ID,
	)
	return err
}

// DeleteCompletedBefore prunes completed items older than the cutoff.
func (r *Repository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status = 'completed' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus reports queue composition, used for metrics and ops.
func (r *Repository) CountByStatus(ctx context.Context) (map[ItemStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[ItemStatus]int)
	for rows.Next() {
		var status ItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
