package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/resend/resend-go/v2"

	"github.com/sapliy/marketpulse/internal/realtime"
)

// DeliveryRef identifies the attempt a send belongs to, so out-of-process
// dispatch can report its outcome back onto the right DeliveryAttempt row.
type DeliveryRef struct {
	AttemptID      string
	NotificationID string
}

// Sender delivers a payload over one channel. Implementations wrap opaque
// third-party providers; each call is network I/O and must honor ctx.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, ref DeliveryRef, payload Payload) (DeliveryResult, error)
	// Retryable reports whether failures should go through the retry queue.
	// Realtime delivery is not retried: the user either has a socket or not.
	Retryable() bool
}

// UserEmitter is the realtime fanout surface, implemented by the room manager.
type UserEmitter interface {
	EmitToUser(userID, event string, data interface{}) bool
}

// ContactResolver maps user ids to addressable endpoints. Backed by the
// platform's user store; consumed here as a collaborator.
type ContactResolver interface {
	Email(ctx context.Context, userID string) (string, error)
	Phone(ctx context.Context, userID string) (string, error)
}

// SenderRegistry holds the configured channel senders.
type SenderRegistry struct {
	senders map[Channel]Sender
}

func NewSenderRegistry() *SenderRegistry {
	return &SenderRegistry{senders: make(map[Channel]Sender)}
}

func (r *SenderRegistry) Register(s Sender) {
	r.senders[s.Channel()] = s
}

func (r *SenderRegistry) Get(channel Channel) (Sender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel: %s", channel)
	}
	return s, nil
}

// RealtimeSender pushes new_notification events to the user's open sockets.
type RealtimeSender struct {
	emitter UserEmitter
}

func NewRealtimeSender(emitter UserEmitter) *RealtimeSender {
	return &RealtimeSender{emitter: emitter}
}

func (s *RealtimeSender) Channel() Channel { return ChannelRealtime }
func (s *RealtimeSender) Retryable() bool  { return false }

func (s *RealtimeSender) Send(ctx context.Context, ref DeliveryRef, payload Payload) (DeliveryResult, error) {
	data := map[string]interface{}{
		"id":       ref.NotificationID,
		"title":    payload.Title,
		"body":     payload.Body,
		"category": payload.Category,
		"urgent":   payload.Urgent,
		"data":     payload.Data,
	}
	if !s.emitter.EmitToUser(payload.UserID, realtime.EventNewNotification, data) {
		return DeliveryResult{}, fmt.Errorf("user %s has no live connection", payload.UserID)
	}
	return DeliveryResult{Delivered: true}, nil
}

// EmailSender delivers via Resend.
type EmailSender struct {
	client    *resend.Client
	fromEmail string
	contacts  ContactResolver
	renderer  *TemplateRenderer
}

func NewEmailSender(apiKey, fromEmail string, contacts ContactResolver, renderer *TemplateRenderer) *EmailSender {
	return &EmailSender{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
		contacts:  contacts,
		renderer:  renderer,
	}
}

func (s *EmailSender) Channel() Channel { return ChannelEmail }
func (s *EmailSender) Retryable() bool  { return true }

func (s *EmailSender) Send(ctx context.Context, ref DeliveryRef, payload Payload) (DeliveryResult, error) {
	to, err := s.contacts.Email(ctx, payload.UserID)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to resolve email for %s: %w", payload.UserID, err)
	}

	html, err := s.renderer.RenderEmail(payload)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to render email: %w", err)
	}

	params := &resend.SendEmailRequest{
		From:    s.fromEmail,
		To:      []string{to},
		Subject: payload.Title,
		Html:    html,
	}
	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to send email via Resend: %w", err)
	}
	return DeliveryResult{Delivered: true}, nil
}

// webhookSender POSTs the payload to a provider-wrapper endpoint. Push and SMS
// both ride this shape; the wrappers differ only in endpoint and cost.
type webhookSender struct {
	channel   Channel
	endpoint  string
	apiKey    string
	costCents int
	contacts  ContactResolver
	client    *http.Client
}

func (s *webhookSender) Channel() Channel { return s.channel }
func (s *webhookSender) Retryable() bool  { return true }

func (s *webhookSender) Send(ctx context.Context, ref DeliveryRef, payload Payload) (DeliveryResult, error) {
	body := map[string]interface{}{
		"notification_id": ref.NotificationID,
		"user_id":         payload.UserID,
		"title":           payload.Title,
		"body":            payload.Body,
		"urgent":          payload.Urgent,
	}
	if s.channel == ChannelSMS {
		phone, err := s.contacts.Phone(ctx, payload.UserID)
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("failed to resolve phone for %s: %w", payload.UserID, err)
		}
		body["to"] = phone
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return DeliveryResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(raw))
	if err != nil {
		return DeliveryResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("%s provider call failed: %w", s.channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return DeliveryResult{}, fmt.Errorf("%s provider returned status %d", s.channel, resp.StatusCode)
	}
	return DeliveryResult{Delivered: true, CostCents: s.costCents}, nil
}

// NewPushSender wraps the mobile-push provider endpoint.
func NewPushSender(endpoint, apiKey string, client *http.Client) Sender {
	if client == nil {
		client = http.DefaultClient
	}
	return &webhookSender{channel: ChannelPush, endpoint: endpoint, apiKey: apiKey, client: client}
}

// NewSMSSender wraps the SMS provider endpoint. SMS is a paid channel.
func NewSMSSender(endpoint, apiKey string, contacts ContactResolver, client *http.Client) Sender {
	if client == nil {
		client = http.DefaultClient
	}
	return &webhookSender{channel: ChannelSMS, endpoint: endpoint, apiKey: apiKey, costCents: 2, contacts: contacts, client: client}
}
