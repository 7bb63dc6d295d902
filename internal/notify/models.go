package notify

import (
	"time"
)

// Channel is a delivery mechanism for a notification.
type Channel string

const (
	ChannelRealtime Channel = "realtime"
	ChannelPush     Channel = "push"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
)

// Category buckets notifications for per-category preference toggles.
type Category string

const (
	CategoryOrder     Category = "order"
	CategoryRide      Category = "ride"
	CategoryPayment   Category = "payment"
	CategoryMarketing Category = "marketing"
	CategorySystem    Category = "system"
)

// Status of a delivery attempt.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSent            Status = "sent"
	StatusDelivered       Status = "delivered"
	StatusFailed          Status = "failed"
	StatusFailedPermanent Status = "failed_permanent"
)

// Payload is a request to notify one user, or everyone when UserID is empty.
// It is immutable once built and flows through the orchestrator by value.
type Payload struct {
	UserID   string            `json:"user_id,omitempty"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Category Category          `json:"category"`
	Urgent   bool              `json:"urgent"`
	OrderID  string            `json:"order_id,omitempty"`
	RideID   string            `json:"ride_id,omitempty"`
	VendorID string            `json:"vendor_id,omitempty"`
	DriverID string            `json:"driver_id,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// Broadcast reports whether the payload targets every user.
func (p Payload) Broadcast() bool { return p.UserID == "" }

// Notification is the persisted in-app record of a payload, kept regardless of
// whether realtime delivery succeeded (notification-center semantics).
type Notification struct {
	ID        string    `json:"id"`
	Payload   Payload   `json:"payload"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryAttempt records one (notification, channel) delivery and its retries.
type DeliveryAttempt struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notification_id"`
	Channel        Channel   `json:"channel"`
	Status         Status    `json:"status"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	RetryCount     int       `json:"retry_count"`
	CostCents      int       `json:"cost_cents"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Terminal reports whether the attempt can never change again.
func (a DeliveryAttempt) Terminal() bool {
	return a.Status == StatusDelivered || a.Status == StatusFailedPermanent
}

// DeliveryResult is what a channel sender reports back.
type DeliveryResult struct {
	Delivered bool
	CostCents int
	Detail    string
}

// Preferences hold a user's channel toggles and quiet-hours window. Times are
// "HH:MM" in the user's local reference; an empty pair disables quiet hours.
type Preferences struct {
	UserID             string     `json:"user_id"`
	RealtimeEnabled    bool       `json:"realtime_enabled"`
	PushEnabled        bool       `json:"push_enabled"`
	EmailEnabled       bool       `json:"email_enabled"`
	SMSEnabled         bool       `json:"sms_enabled"`
	DisabledCategories []Category `json:"disabled_categories,omitempty"`
	QuietHoursStart    string     `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd      string     `json:"quiet_hours_end,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// PreferencesPatch is a partial update; nil fields are left unchanged.
type PreferencesPatch struct {
	RealtimeEnabled    *bool       `json:"realtime_enabled,omitempty"`
	PushEnabled        *bool       `json:"push_enabled,omitempty"`
	EmailEnabled       *bool       `json:"email_enabled,omitempty"`
	SMSEnabled         *bool       `json:"sms_enabled,omitempty"`
	DisabledCategories *[]Category `json:"disabled_categories,omitempty"`
	QuietHoursStart    *string     `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd      *string     `json:"quiet_hours_end,omitempty"`
}
