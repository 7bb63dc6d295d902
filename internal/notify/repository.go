package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Repository handles database operations for notifications, delivery attempts
// and channel preferences.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateNotification inserts the in-app record for a payload.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	n.ID = uuid.New().String()
	n.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(n.Payload.Data)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notifications (id, user_id, title, body, category, urgent, order_id, ride_id, vendor_id, driver_id, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, $12)
	`
	_, err = r.db.ExecContext(ctx, query,
		n.ID, nullable(n.Payload.UserID), n.Payload.Title, n.Payload.Body, n.Payload.Category, n.Payload.Urgent,
		nullable(n.Payload.OrderID), nullable(n.Payload.RideID), nullable(n.Payload.VendorID), nullable(n.Payload.DriverID),
		data, n.CreatedAt,
	)
	return err
}

// ListNotifications returns a user's in-app notifications, newest first.
// Permanently failed deliveries still show up here (best-effort durability).
func (r *Repository) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, title, body, category, urgent, order_id, ride_id, vendor_id, driver_id, data, read, created_at
		FROM notifications WHERE user_id = $1 OR user_id IS NULL
		ORDER BY created_at DESC LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var user, orderID, rideID, vendorID, driverID sql.NullString
		var data []byte
		if err := rows.Scan(&n.ID, &user, &n.Payload.Title, &n.Payload.Body, &n.Payload.Category, &n.Payload.Urgent,
			&orderID, &rideID, &vendorID, &driverID, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Payload.UserID = user.String
		n.Payload.OrderID = orderID.String
		n.Payload.RideID = rideID.String
		n.Payload.VendorID = vendorID.String
		n.Payload.DriverID = driverID.String
		if len(data) > 0 {
			_ = json.Unmarshal(data, &n.Payload.Data)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkRead flips the in-app read flag.
func (r *Repository) MarkRead(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	return err
}

// CreateAttempt inserts a delivery attempt in its initial state.
func (r *Repository) CreateAttempt(ctx context.Context, a *DeliveryAttempt) error {
	a.ID = uuid.New().String()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `
		INSERT INTO delivery_attempts (id, notification_id, channel, status, failure_reason, retry_count, cost_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.NotificationID, a.Channel, a.Status, nullable(a.FailureReason), a.RetryCount, a.CostCents, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// UpdateAttempt records the outcome of a send or retry.
func (r *Repository) UpdateAttempt(ctx context.Context, a *DeliveryAttempt) error {
	a.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE delivery_attempts
		SET status = $1, failure_reason = $2, retry_count = $3, cost_cents = $4, updated_at = $5
		WHERE id = $6
	`
	_, err := r.db.ExecContext(ctx, query,
		a.Status, nullable(a.FailureReason), a.RetryCount, a.CostCents, a.UpdatedAt, a.ID,
	)
	return err
}

// GetAttempt loads one delivery attempt, or nil when absent.
func (r *Repository) GetAttempt(ctx context.Context, id string) (*DeliveryAttempt, error) {
	query := `
		SELECT id, notification_id, channel, status, failure_reason, retry_count, cost_cents, created_at, updated_at
		FROM delivery_attempts WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var a DeliveryAttempt
	var reason sql.NullString
	err := row.Scan(&a.ID, &a.NotificationID, &a.Channel, &a.Status, &reason, &a.RetryCount, &a.CostCents, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.FailureReason = reason.String
	return &a, nil
}

// GetPreferences loads stored preferences, or nil when the user has none.
func (r *Repository) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	query := `
		SELECT user_id, realtime_enabled, push_enabled, email_enabled, sms_enabled, disabled_categories, quiet_hours_start, quiet_hours_end, updated_at
		FROM channel_preferences WHERE user_id = $1
	`
	row := r.db.QueryRowContext(ctx, query, userID)

	var p Preferences
	var cats []string
	var start, end sql.NullString
	err := row.Scan(&p.UserID, &p.RealtimeEnabled, &p.PushEnabled, &p.EmailEnabled, &p.SMSEnabled,
		pq.Array(&cats), &start, &end, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, c := range cats {
		p.DisabledCategories = append(p.DisabledCategories, Category(c))
	}
	p.QuietHoursStart = start.String
	p.QuietHoursEnd = end.String
	return &p, nil
}

// UpsertPreferences stores the full preference row.
func (r *Repository) UpsertPreferences(ctx context.Context, p Preferences) error {
	cats := make([]string, 0, len(p.DisabledCategories))
	for _, c := range p.DisabledCategories {
		cats = append(cats, string(c))
	}

	query := `
		INSERT INTO channel_preferences (user_id, realtime_enabled, push_enabled, email_enabled, sms_enabled, disabled_categories, quiet_hours_start, quiet_hours_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			realtime_enabled = EXCLUDED.realtime_enabled,
			push_enabled = EXCLUDED.push_enabled,
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			disabled_categories = EXCLUDED.disabled_categories,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		p.UserID, p.RealtimeEnabled, p.PushEnabled, p.EmailEnabled, p.SMSEnabled,
		pq.Array(cats), nullable(p.QuietHoursStart), nullable(p.QuietHoursEnd), time.Now().UTC(),
	)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
