package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds configuration for the RabbitMQ client
type Config struct {
	URL string

	// Resilience
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxRetries        int // -1 for infinite
	HeartbeatTimeout  time.Duration

	// Circuit Breaker
	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:          1 * time.Second,
		MaxReconnectDelay:       60 * time.Second,
		MaxRetries:              -1,
		HeartbeatTimeout:        10 * time.Second,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

type CircuitBreaker struct {
	state          CircuitBreakerState
	mu             sync.RWMutex
	failures       int
	threshold      int
	timeout        time.Duration
	lastFailure    time.Time
	successCounter int
}

type RabbitMQClient struct {
	config Config
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.RWMutex

	notifyConnClose chan *amqp.Error
	isReconnecting  bool
	isClosed        bool

	cb *CircuitBreaker
}

func NewRabbitMQClient(config Config) (*RabbitMQClient, error) {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay == 0 {
		config.MaxReconnectDelay = 60 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 10 * time.Second
	}

	client := &RabbitMQClient{
		config: config,
		cb: &CircuitBreaker{
			state:     StateClosed,
			threshold: config.CircuitBreakerThreshold,
			timeout:   config.CircuitBreakerTimeout,
		},
	}

	if err := client.connect(); err != nil {
		return nil, err
	}

	go client.handleReconnect()

	return client, nil
}

func (r *RabbitMQClient) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.Printf("Connecting to RabbitMQ at %s", maskURL(r.config.URL))

	conn, err := amqp.DialConfig(r.config.URL, amqp.Config{
		Heartbeat: r.config.HeartbeatTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	r.conn = conn
	r.ch = ch
	r.notifyConnClose = make(chan *amqp.Error)
	r.conn.NotifyClose(r.notifyConnClose)
	r.isReconnecting = false

	log.Println("Successfully connected to RabbitMQ")
	return nil
}

func (r *RabbitMQClient) handleReconnect() {
	r.mu.RLock()
	if r.isClosed {
		r.mu.RUnlock()
		return
	}
	notifyClose := r.notifyConnClose
	r.mu.RUnlock()

	err := <-notifyClose
	if err != nil {
		log.Printf("RabbitMQ connection closed: %v. Reconnecting...", err)
		r.reconnect()
	}
}

func (r *RabbitMQClient) reconnect() {
	r.mu.Lock()
	r.isReconnecting = true
	r.mu.Unlock()

	backoff := r.config.ReconnectDelay
	retries := 0

	for {
		r.mu.RLock()
		if r.isClosed {
			r.mu.RUnlock()
			return
		}
		maxRetries := r.config.MaxRetries
		r.mu.RUnlock()

		if maxRetries != -1 && retries >= maxRetries {
			log.Printf("Max retries reached. Stopping reconnection attempts.")
			return
		}

		if err := r.connect(); err == nil {
			log.Println("RabbitMQ reconnected")
			go r.handleReconnect()
			return
		}

		log.Printf("Failed to reconnect: waiting %v", backoff)
		time.Sleep(backoff)

		backoff *= 2
		if backoff > r.config.MaxReconnectDelay {
			backoff = r.config.MaxReconnectDelay
		}
		retries++
	}
}

// DeclareQueueWithDLQ declares a durable queue whose rejected messages land in
// a companion "<name>.dlq" queue.
func (r *RabbitMQClient) DeclareQueueWithDLQ(name string) (amqp.Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.ch == nil {
		return amqp.Queue{}, fmt.Errorf("channel is not initialized")
	}

	dlqName := name + ".dlq"

	_, err := r.ch.QueueDeclare(dlqName, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	return r.ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	})
}

func (r *RabbitMQClient) DeclareQueue(name string) (amqp.Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.ch == nil {
		return amqp.Queue{}, fmt.Errorf("channel is not initialized")
	}

	return r.ch.QueueDeclare(name, true, false, false, false, nil)
}

func (r *RabbitMQClient) Publish(ctx context.Context, queueName string, body []byte) error {
	if r.config.CircuitBreakerEnabled && !r.cb.Allow() {
		return fmt.Errorf("circuit breaker is open")
	}

	r.mu.RLock()
	if r.isReconnecting || r.ch == nil {
		r.mu.RUnlock()
		return fmt.Errorf("connection is not available")
	}
	ch := r.ch
	r.mu.RUnlock()

	err := ch.PublishWithContext(ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})

	if r.config.CircuitBreakerEnabled {
		if err != nil {
			r.cb.RecordFailure()
		} else {
			r.cb.RecordSuccess()
		}
	}

	return err
}

// ConsumeWithContext runs the handler for each delivery until ctx is cancelled.
// A handler error nacks the message back onto the queue (or its DLQ).
func (r *RabbitMQClient) ConsumeWithContext(ctx context.Context, queueName string, handler func(body []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		r.mu.RLock()
		if r.isReconnecting || r.ch == nil {
			r.mu.RUnlock()
			time.Sleep(time.Second) // Wait for reconnection
			continue
		}
		ch := r.ch
		r.mu.RUnlock()

		msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
		if err != nil {
			log.Printf("failed to register a consumer: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case d, ok := <-msgs:
				if !ok {
					goto Reconnect
				}
				if err := handler(d.Body); err != nil {
					log.Printf("error handling message: %v", err)
					d.Nack(false, false) // dead-letter, do not requeue hot
				} else {
					d.Ack(false)
				}
			}
		}

	Reconnect:
		log.Printf("Consumer channel closed for %s, waiting for reconnection...", queueName)
		time.Sleep(r.config.ReconnectDelay)
	}
}

func (r *RabbitMQClient) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.isClosed = true
	if r.ch != nil {
		r.ch.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

func (r *RabbitMQClient) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn != nil && !r.conn.IsClosed() && !r.isReconnecting
}

func maskURL(url string) string {
	if parts := strings.Split(url, "@"); len(parts) > 1 {
		prefixParts := strings.Split(parts[0], "://")
		if len(prefixParts) == 2 {
			return prefixParts[0] + "://***:***@" + parts[1]
		}
	}
	return url
}

// Circuit Breaker Methods

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case StateOpen:
		return time.Since(cb.lastFailure) > cb.timeout
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCounter++
		if cb.successCounter >= 3 {
			cb.state = StateClosed
			cb.failures = 0
			cb.successCounter = 0
		}
	case StateOpen:
		cb.state = StateClosed
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == StateClosed && cb.failures >= cb.threshold {
		cb.state = StateOpen
	} else if cb.state == StateHalfOpen {
		cb.state = StateOpen
	}
}
