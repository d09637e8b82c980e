package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"codegrade/pkg/utils/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const amqpRetrySuffix = ".retry"

// AMQPConfig defines configuration for the RabbitMQ implementation.
type AMQPConfig struct {
	URL         string
	Heartbeat   time.Duration
	DialTimeout time.Duration

	// QuorumQueues declares quorum queues, which report x-delivery-count on redelivery
	QuorumQueues bool

	Retry RetryPolicy
}

type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// AMQPQueue implements MessageQueue on RabbitMQ.
//
// Deliveries are acknowledged manually; an unacked delivery returns to the queue
// when its channel closes or the broker consumer timeout (VisibilityTimeout) fires.
// Retries are parked in "<queue>.retry" with a per-message TTL and dead-lettered
// back into the work queue when it expires.
type AMQPQueue struct {
	config AMQPConfig
	dial   func() (amqpConnection, error)

	mu            sync.Mutex
	conn          amqpConnection
	publishCh     amqpChannel
	declared      map[string]bool
	subscriptions []*amqpSubscription
	started       bool
	closed        bool
}

type amqpSubscription struct {
	queue   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAMQPQueue dials RabbitMQ and returns a queue.
func NewAMQPQueue(cfg AMQPConfig) (*AMQPQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	dial := func() (amqpConnection, error) {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Heartbeat: cfg.Heartbeat,
			Dial:      amqp.DefaultDial(cfg.DialTimeout),
		})
		if err != nil {
			return nil, err
		}
		return amqpConn{Connection: conn}, nil
	}
	return newAMQPQueue(cfg, dial)
}

func newAMQPQueue(cfg AMQPConfig, dial func() (amqpConnection, error)) (*AMQPQueue, error) {
	q := &AMQPQueue{config: cfg, dial: dial, declared: make(map[string]bool)}
	if err := cfg.Retry.Do(context.Background(), func(context.Context) error {
		return q.connectLocked()
	}); err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	return q, nil
}

func (q *AMQPQueue) connectLocked() error {
	conn, err := q.dial()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	q.conn = conn
	q.publishCh = ch
	q.declared = make(map[string]bool)
	return nil
}

func (q *AMQPQueue) queueArgs(opts *SubscribeOptions) amqp.Table {
	args := amqp.Table{}
	if q.config.QuorumQueues {
		args["x-queue-type"] = "quorum"
	}
	if opts != nil && opts.VisibilityTimeout > 0 {
		args["x-consumer-timeout"] = opts.VisibilityTimeout.Milliseconds()
	}
	return args
}

// declareLocked declares the work queue and its retry parking queue once per connection.
func (q *AMQPQueue) declareLocked(ch amqpChannel, queue string, opts *SubscribeOptions) error {
	if q.declared[queue] {
		return nil
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, q.queueArgs(opts)); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(queue+amqpRetrySuffix, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue %s: %w", queue, err)
	}
	q.declared[queue] = true
	return nil
}

// Publish publishes a message to the queue named topic via the default exchange.
func (q *AMQPQueue) Publish(ctx context.Context, topic string, message *Message) error {
	return q.publish(ctx, topic, message, 0)
}

func (q *AMQPQueue) publish(ctx context.Context, queue string, message *Message, delay time.Duration) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if queue == "" {
		return errors.New("topic is required")
	}
	publishing := toAMQPPublishing(message)
	routingKey := queue
	if delay > 0 {
		publishing.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
		routingKey = queue + amqpRetrySuffix
	}

	return q.config.Retry.Do(ctx, func(ctx context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return errors.New("message queue is closed")
		}
		if q.conn == nil || q.conn.IsClosed() {
			if err := q.connectLocked(); err != nil {
				return err
			}
		}
		if err := q.declareLocked(q.publishCh, queue, nil); err != nil {
			q.conn = nil
			return err
		}
		if err := q.publishCh.PublishWithContext(ctx, "", routingKey, false, false, publishing); err != nil {
			q.conn = nil
			return err
		}
		return nil
	})
}

// Subscribe subscribes to a queue with default options.
func (q *AMQPQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	return q.SubscribeWithOptions(ctx, topic, handler, nil)
}

// SubscribeWithOptions subscribes to a queue with custom options.
func (q *AMQPQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerName == "" {
		options.ConsumerName = defaultConsumerName()
	}

	sub := &amqpSubscription{queue: topic, handler: handler, opts: options, baseCtx: ctx}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	q.subscriptions = append(q.subscriptions, sub)
	if q.started {
		q.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (q *AMQPQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subscriptions {
		q.startSubscription(sub)
	}
	q.started = true
	return nil
}

// Stop stops all consumers gracefully.
func (q *AMQPQueue) Stop() error {
	q.mu.Lock()
	subs := append([]*amqpSubscription(nil), q.subscriptions...)
	q.started = false
	q.mu.Unlock()

	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range subs {
		sub.wg.Wait()
	}
	return nil
}

// Ping reports whether the connection is open.
func (q *AMQPQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil || q.conn.IsClosed() {
		return errors.New("amqp connection is closed")
	}
	return nil
}

// Close stops consumers and closes the connection.
func (q *AMQPQueue) Close() error {
	_ = q.Stop()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func (q *AMQPQueue) startSubscription(sub *amqpSubscription) {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)
	for i := 0; i < sub.opts.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", sub.opts.ConsumerName, i)
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			q.consumeLoop(sub, consumer)
		}()
	}
}

// consumeLoop opens a dedicated channel per worker and reopens it after broker failures.
func (q *AMQPQueue) consumeLoop(sub *amqpSubscription, consumer string) {
	for sub.ctx.Err() == nil {
		var ch amqpChannel
		var deliveries <-chan amqp.Delivery
		err := q.config.Retry.Do(sub.ctx, func(context.Context) error {
			var openErr error
			ch, deliveries, openErr = q.openConsumer(sub, consumer)
			return openErr
		})
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			logger.Warn(sub.ctx, "amqp consumer open failed", zap.String("queue", sub.queue), zap.Error(err))
			_ = sleepContext(sub.ctx, time.Second)
			continue
		}

		q.drain(sub, deliveries)
		_ = ch.Close()
	}
}

func (q *AMQPQueue) openConsumer(sub *amqpSubscription, consumer string) (amqpChannel, <-chan amqp.Delivery, error) {
	q.mu.Lock()
	if q.conn == nil || q.conn.IsClosed() {
		if err := q.connectLocked(); err != nil {
			q.mu.Unlock()
			return nil, nil, err
		}
	}
	conn := q.conn
	q.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	q.mu.Lock()
	delete(q.declared, sub.queue)
	err = q.declareLocked(ch, sub.queue, &sub.opts)
	q.mu.Unlock()
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.Qos(sub.opts.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(sub.queue, consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, deliveries, nil
}

func (q *AMQPQueue) drain(sub *amqpSubscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			q.handleDelivery(sub, d)
		}
	}
}

func (q *AMQPQueue) handleDelivery(sub *amqpSubscription, d amqp.Delivery) {
	ctx := sub.ctx
	message := fromAMQPDelivery(d)
	handlerErr := dispatch(ctx, sub.handler, message, &sub.opts)
	disposition, delay := Decide(handlerErr, message.RetryCount, &sub.opts)
	logDisposition(ctx, sub.queue, message, disposition, delay, handlerErr)

	switch disposition {
	case DispositionAck:
		_ = d.Ack(false)
	case DispositionRetry:
		if err := q.publish(ctx, sub.queue, NextAttempt(message), delay); err != nil {
			logger.Error(ctx, "amqp retry publish failed", zap.String("message_id", message.ID), zap.Error(err))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	case DispositionDeadLetter:
		if err := q.publish(ctx, sub.opts.DeadLetterTopic, DeadLetter(message, sub.queue, handlerErr), 0); err != nil {
			logger.Error(ctx, "amqp dead-letter publish failed", zap.String("message_id", message.ID), zap.Error(err))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	}
}

func toAMQPPublishing(message *Message) amqp.Publishing {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	headers := amqp.Table{}
	for k, v := range message.Headers {
		headers[k] = v
	}
	headers[headerRetryCount] = strconv.Itoa(message.RetryCount)
	if message.Expiration > 0 {
		headers[headerExpiration] = strconv.FormatInt(message.Expiration.Milliseconds(), 10)
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    message.ID,
		Timestamp:    message.Timestamp,
		Body:         message.Body,
	}
}

func fromAMQPDelivery(d amqp.Delivery) *Message {
	m := &Message{
		ID:        d.MessageId,
		Body:      d.Body,
		Headers:   make(map[string]string),
		Timestamp: d.Timestamp,
	}
	crashes := 0
	for k, v := range d.Headers {
		switch k {
		case headerRetryCount:
			m.RetryCount = parseRetryCount(fmt.Sprint(v))
		case headerExpiration:
			if ms, err := strconv.ParseInt(fmt.Sprint(v), 10, 64); err == nil && ms > 0 {
				m.Expiration = time.Duration(ms) * time.Millisecond
			}
		case "x-delivery-count":
			crashes = parseRetryCount(fmt.Sprint(v))
		case "x-death":
			// broker bookkeeping from the retry queue hop
		default:
			m.Headers[k] = fmt.Sprint(v)
		}
	}
	m.RetryCount += crashes
	return m
}
