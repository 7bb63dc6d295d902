package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/sapliy/marketpulse/pkg/observability"
)

// Delivery queues, one per outbound channel. Each has a companion ".dlq".
const (
	QueuePushDeliveries  = "push.deliveries"
	QueueEmailDeliveries = "email.deliveries"
	QueueSMSDeliveries   = "sms.deliveries"
)

// maxDeliveryRetries bounds provider retries per attempt. The count lives on
// the DeliveryAttempt row, so it survives republishing across retries.
const maxDeliveryRetries = 3

var dispatchedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marketpulse_dispatch_jobs_total",
	Help: "Delivery jobs consumed by queue and outcome.",
}, []string{"queue", "outcome"})

// QueueFor maps a channel to its delivery queue.
func QueueFor(ch Channel) (string, error) {
	switch ch {
	case ChannelPush:
		return QueuePushDeliveries, nil
	case ChannelEmail:
		return QueueEmailDeliveries, nil
	case ChannelSMS:
		return QueueSMSDeliveries, nil
	default:
		return "", fmt.Errorf("channel %s has no delivery queue", ch)
	}
}

// DeliveryJob is the message published to a delivery queue and consumed by
// the dispatcher service. AttemptID ties the job back to its DeliveryAttempt
// so the dispatcher can complete the attempt lifecycle.
type DeliveryJob struct {
	ID             string    `json:"id"`
	AttemptID      string    `json:"attempt_id"`
	NotificationID string    `json:"notification_id"`
	Channel        Channel   `json:"channel"`
	Payload        Payload   `json:"payload"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// QueuePublisher publishes raw messages to a named queue. Implemented by the
// RabbitMQ client.
type QueuePublisher interface {
	Publish(ctx context.Context, queueName string, body []byte) error
}

// AMQPSender hands a channel's deliveries to the dispatcher service through
// its queue instead of calling the provider inline. A successful publish
// means accepted, not delivered; the dispatcher settles the attempt.
type AMQPSender struct {
	channel   Channel
	publisher QueuePublisher
}

func NewAMQPSender(channel Channel, publisher QueuePublisher) *AMQPSender {
	return &AMQPSender{channel: channel, publisher: publisher}
}

func (s *AMQPSender) Channel() Channel { return s.channel }
func (s *AMQPSender) Retryable() bool  { return true }

func (s *AMQPSender) Send(ctx context.Context, ref DeliveryRef, payload Payload) (DeliveryResult, error) {
	queue, err := QueueFor(s.channel)
	if err != nil {
		return DeliveryResult{}, err
	}

	job := DeliveryJob{
		ID:             uuid.New().String(),
		AttemptID:      ref.AttemptID,
		NotificationID: ref.NotificationID,
		Channel:        s.channel,
		Payload:        payload,
		EnqueuedAt:     time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return DeliveryResult{}, err
	}
	if err := s.publisher.Publish(ctx, queue, raw); err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to publish %s delivery: %w", s.channel, err)
	}
	return DeliveryResult{Delivered: false, Detail: "queued for dispatch"}, nil
}

// QueueConsumer consumes a named queue until ctx ends. Implemented by the
// RabbitMQ client; a handler error dead-letters the message.
type QueueConsumer interface {
	ConsumeWithContext(ctx context.Context, queueName string, handler func(body []byte) error) error
}

// AttemptStore is the slice of the notification store the dispatcher needs
// to settle delivery outcomes.
type AttemptStore interface {
	GetAttempt(ctx context.Context, id string) (*DeliveryAttempt, error)
	UpdateAttempt(ctx context.Context, a *DeliveryAttempt) error
}

// RetryScheduler re-enqueues a failed delivery through the durable retry
// queue with exponential backoff. Implemented by the queue engine.
type RetryScheduler interface {
	EnqueueRetry(ctx context.Context, attemptID string, channel Channel, payload Payload) error
}

// Dispatcher consumes delivery queues and executes the provider call for each
// job, then settles the job's DeliveryAttempt: delivered on success, failed
// plus a durable retry on failure, failed_permanent once the retry budget is
// spent. Jobs are idempotent: a Redis marker keyed by job id suppresses
// redelivered messages.
type Dispatcher struct {
	consumer  QueueConsumer
	providers map[Channel]Sender
	attempts  AttemptStore
	scheduler RetryScheduler
	rdb       *redis.Client
	log       *observability.Logger

	sendTimeout time.Duration
	markerTTL   time.Duration
}

func NewDispatcher(consumer QueueConsumer, attempts AttemptStore, scheduler RetryScheduler, rdb *redis.Client, log *observability.Logger) *Dispatcher {
	return &Dispatcher{
		consumer:    consumer,
		providers:   make(map[Channel]Sender),
		attempts:    attempts,
		scheduler:   scheduler,
		rdb:         rdb,
		log:         log.WithComponent("dispatcher"),
		sendTimeout: 10 * time.Second,
		markerTTL:   24 * time.Hour,
	}
}

// RegisterProvider wires the real provider sender for a channel.
func (d *Dispatcher) RegisterProvider(s Sender) {
	d.providers[s.Channel()] = s
}

// Run consumes every queue with a registered provider until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for ch := range d.providers {
		queue, err := QueueFor(ch)
		if err != nil {
			d.log.Error("provider registered for unroutable channel", "channel", ch, "err", err)
			continue
		}
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := d.consumer.ConsumeWithContext(ctx, queue, func(body []byte) error {
				return d.handle(ctx, queue, body)
			}); err != nil {
				d.log.Error("consumer stopped", "queue", queue, "err", err)
			}
		}(queue)
	}
	wg.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, queue string, body []byte) error {
	var job DeliveryJob
	if err := json.Unmarshal(body, &job); err != nil {
		dispatchedJobs.WithLabelValues(queue, "malformed").Inc()
		return fmt.Errorf("malformed delivery job: %w", err)
	}

	fresh, err := d.claimJob(ctx, job.ID)
	if err != nil {
		d.log.Warn("idempotency check failed, proceeding", "job", job.ID, "err", err)
	} else if !fresh {
		dispatchedJobs.WithLabelValues(queue, "duplicate").Inc()
		return nil
	}

	provider, ok := d.providers[job.Channel]
	if !ok {
		dispatchedJobs.WithLabelValues(queue, "unroutable").Inc()
		return fmt.Errorf("no provider for channel %s", job.Channel)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	ref := DeliveryRef{AttemptID: job.AttemptID, NotificationID: job.NotificationID}
	result, sendErr := provider.Send(sendCtx, ref, job.Payload)
	if sendErr != nil {
		return d.settleFailure(ctx, queue, job, sendErr)
	}

	d.settleDelivered(ctx, job, result)
	dispatchedJobs.WithLabelValues(queue, "delivered").Inc()
	return nil
}

// settleDelivered marks the job's attempt delivered.
func (d *Dispatcher) settleDelivered(ctx context.Context, job DeliveryJob, result DeliveryResult) {
	attempt := d.loadAttempt(ctx, job)
	if attempt == nil || attempt.Terminal() {
		return
	}
	attempt.Status = StatusDelivered
	attempt.FailureReason = ""
	attempt.CostCents += result.CostCents
	if err := d.attempts.UpdateAttempt(ctx, attempt); err != nil {
		d.log.Error("failed to record delivery", "attempt", attempt.ID, "err", err)
	}
}

// settleFailure marks the attempt failed and hands the retry to the durable
// queue, or failed_permanent once the retry budget is spent. Without an
// attempt to anchor the retry the message goes back to the broker for its
// dead-letter queue.
func (d *Dispatcher) settleFailure(ctx context.Context, queue string, job DeliveryJob, sendErr error) error {
	attempt := d.loadAttempt(ctx, job)
	if attempt == nil || d.scheduler == nil {
		// Release the marker so the redelivery is not treated as a duplicate.
		d.releaseJob(ctx, job.ID)
		dispatchedJobs.WithLabelValues(queue, "failed").Inc()
		return sendErr
	}
	if attempt.Terminal() {
		return nil
	}

	attempt.FailureReason = sendErr.Error()
	if attempt.RetryCount >= maxDeliveryRetries {
		attempt.Status = StatusFailedPermanent
		if err := d.attempts.UpdateAttempt(ctx, attempt); err != nil {
			d.log.Error("failed to record permanent failure", "attempt", attempt.ID, "err", err)
		}
		dispatchedJobs.WithLabelValues(queue, "dead_letter").Inc()
		d.log.Error("delivery failed permanently", "attempt", attempt.ID, "channel", job.Channel, "err", sendErr)
		return nil
	}

	attempt.Status = StatusFailed
	if err := d.attempts.UpdateAttempt(ctx, attempt); err != nil {
		d.log.Error("failed to record delivery failure", "attempt", attempt.ID, "err", err)
	}
	if err := d.scheduler.EnqueueRetry(ctx, attempt.ID, job.Channel, job.Payload); err != nil {
		d.releaseJob(ctx, job.ID)
		dispatchedJobs.WithLabelValues(queue, "failed").Inc()
		return fmt.Errorf("failed to schedule retry for attempt %s: %w", attempt.ID, err)
	}
	dispatchedJobs.WithLabelValues(queue, "retry_scheduled").Inc()
	d.log.Warn("delivery failed, retry scheduled",
		"attempt", attempt.ID, "channel", job.Channel, "retry", attempt.RetryCount, "err", sendErr)
	return nil
}

func (d *Dispatcher) loadAttempt(ctx context.Context, job DeliveryJob) *DeliveryAttempt {
	if d.attempts == nil || job.AttemptID == "" {
		return nil
	}
	attempt, err := d.attempts.GetAttempt(ctx, job.AttemptID)
	if err != nil {
		d.log.Warn("failed to load delivery attempt", "attempt", job.AttemptID, "err", err)
		return nil
	}
	return attempt
}

func (d *Dispatcher) claimJob(ctx context.Context, jobID string) (bool, error) {
	if d.rdb == nil {
		return true, nil
	}
	return d.rdb.SetNX(ctx, "notif:sent:"+jobID, 1, d.markerTTL).Result()
}

func (d *Dispatcher) releaseJob(ctx context.Context, jobID string) {
	if d.rdb == nil {
		return
	}
	d.rdb.Del(ctx, "notif:sent:"+jobID)
}
