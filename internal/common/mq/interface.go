package mq

import (
	"context"
	"time"
)

// MessageQueue defines the unified interface for message queue operations.
// Backends: Redis Streams, Kafka, RabbitMQ, SQS and NATS JetStream.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the message queue connection is alive
	Ping(ctx context.Context) error

	// Close closes the message queue connection
	Close() error
}

// Producer defines the interface for publishing messages
type Producer interface {
	// Publish publishes a message to the specified topic/queue.
	// Transient broker failures are retried with the queue's RetryPolicy.
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer defines the interface for consuming messages
type Consumer interface {
	// Subscribe subscribes to a topic/queue and processes messages with the given handler.
	// A nil return acknowledges the message; an error schedules a redelivery.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error

	// SubscribeWithOptions subscribes with custom options
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming messages
	Start() error

	// Stop gracefully stops consuming messages, waiting for in-flight handlers
	Stop() error
}

// Message represents a message in the queue
type Message struct {
	// ID is the unique identifier for the message
	ID string `json:"id"`

	// Body is the message payload
	Body []byte `json:"body"`

	// Headers contains metadata about the message
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`

	// RetryCount is the number of redeliveries that happened before this one
	RetryCount int `json:"retry_count"`

	// Expiration drops the message unprocessed once Timestamp+Expiration has passed
	Expiration time.Duration `json:"expiration"`
}

// HandlerFunc is the function signature for message handlers
// It receives the message and returns an error if processing failed
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup is the consumer group / durable name shared by workers
	ConsumerGroup string

	// ConsumerName identifies this process inside the group
	ConsumerName string

	// PrefetchCount sets the number of messages held unacknowledged per worker
	// Default: 1
	PrefetchCount int

	// Concurrency sets the number of concurrent workers
	// Default: 1
	Concurrency int

	// MaxRetries bounds redeliveries before dead-lettering
	// Default: 5
	MaxRetries int

	// RetryDelay is the base of the exponential redelivery backoff
	// Default: 1 second
	RetryDelay time.Duration

	// MaxRetryDelay caps the redelivery backoff
	// Default: 30 seconds
	MaxRetryDelay time.Duration

	// VisibilityTimeout is how long a delivered, unacknowledged message stays
	// invisible before another consumer may receive it
	// Default: 5 minutes
	VisibilityTimeout time.Duration

	// DeadLetterTopic is where messages go after max retries
	DeadLetterTopic string

	// MessageTTL is how long a message may wait before it is dead-lettered unhandled.
	// It only applies when DeadLetterTopic is set.
	MessageTTL time.Duration
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.PrefetchCount <= 0 {
		o.PrefetchCount = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	if o.MaxRetryDelay < o.RetryDelay {
		o.MaxRetryDelay = o.RetryDelay
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Body = append([]byte(nil), m.Body...)
	clone.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		clone.Headers[k] = v
	}
	return &clone
}

// Expired reports whether the message outlived its expiration.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration > 0 && !m.Timestamp.IsZero() && now.Sub(m.Timestamp) > m.Expiration
}
