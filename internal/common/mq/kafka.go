package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"codegrade/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig defines configuration for Kafka implementation.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	// Producer settings
	RequiredAcks kafka.RequiredAcks
	BatchSize    int
	BatchTimeout time.Duration
	Compression  kafka.Compression

	// Consumer settings
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	SessionTimeout time.Duration

	// Dialer settings
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Retry RetryPolicy
}

// KafkaQueue implements MessageQueue using Kafka.
// Offsets are committed only after the handler acknowledged a message, so an
// uncommitted message is fetched again by the next group member after a rebalance.
type KafkaQueue struct {
	config KafkaConfig
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu            sync.Mutex
	subscriptions []*kafkaSubscription
	started       bool
	closed        bool
}

type kafkaSubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	reader  *kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	limiter FetchLimiter
}

func (c *KafkaConfig) applyDefaults() {
	setDefault(&c.BatchSize, 1)
	setDefault(&c.BatchTimeout, 10*time.Millisecond)
	setDefault(&c.MinBytes, 1)
	setDefault(&c.MaxBytes, 10<<20)
	setDefault(&c.MaxWait, time.Second)
	setDefault(&c.SessionTimeout, 30*time.Second)
	setDefault(&c.DialTimeout, 10*time.Second)
	setDefault(&c.ReadTimeout, 10*time.Second)
	setDefault(&c.WriteTimeout, 10*time.Second)
	setDefault(&c.RequiredAcks, kafka.RequireAll)
}

// NewKafkaQueue creates a Kafka-backed message queue.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	cfg.applyDefaults()

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		Compression:  cfg.Compression,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}

	return &KafkaQueue{
		config: cfg,
		writer: writer,
		dialer: dialer,
	}, nil
}

// Publish publishes a message to a topic.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	msg := toKafkaMessage(topic, message)
	return k.config.Retry.Do(ctx, func(ctx context.Context) error {
		return k.writer.WriteMessages(ctx, msg)
	})
}

// Subscribe subscribes to a topic with default options.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	return k.SubscribeWithOptions(ctx, topic, handler, nil)
}

// SubscribeWithOptions subscribes to a topic with custom options.
func (k *KafkaQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
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
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("codegrade-%s", topic)
	}

	sub := &kafkaSubscription{
		topic:   topic,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
		limiter: NewInFlightLimiter(options.Concurrency * options.PrefetchCount),
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	k.subscriptions = append(k.subscriptions, sub)
	if k.started {
		return k.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	if k.started {
		return nil
	}
	for _, sub := range k.subscriptions {
		if err := k.startSubscription(sub); err != nil {
			return err
		}
	}
	k.started = true
	return nil
}

// Stop stops all consumers gracefully.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, sub := range k.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range k.subscriptions {
		sub.wg.Wait()
		if sub.reader != nil {
			_ = sub.reader.Close()
			sub.reader = nil
		}
	}
	k.started = false
	return nil
}

// Ping verifies the Kafka connection.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close closes the producer and stops consumers.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}

func (k *KafkaQueue) startSubscription(sub *kafkaSubscription) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.config.Brokers,
		Topic:          sub.topic,
		GroupID:        sub.opts.ConsumerGroup,
		Dialer:         k.dialer,
		MinBytes:       k.config.MinBytes,
		MaxBytes:       k.config.MaxBytes,
		MaxWait:        k.config.MaxWait,
		SessionTimeout: k.config.SessionTimeout,
		StartOffset:    kafka.FirstOffset,
	})
	sub.reader = reader
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	msgCh := make(chan kafka.Message)
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer close(msgCh)
		for {
			if err := sub.limiter.Acquire(sub.ctx); err != nil {
				return
			}
			var msg kafka.Message
			err := k.config.Retry.Do(sub.ctx, func(ctx context.Context) error {
				var fetchErr error
				msg, fetchErr = reader.FetchMessage(ctx)
				return fetchErr
			})
			if err != nil {
				sub.limiter.Release()
				if sub.ctx.Err() != nil {
					return
				}
				logger.Warn(sub.ctx, "kafka fetch failed", zap.String("topic", sub.topic), zap.Error(err))
				_ = sleepContext(sub.ctx, time.Second)
				continue
			}
			select {
			case msgCh <- msg:
			case <-sub.ctx.Done():
				sub.limiter.Release()
				return
			}
		}
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for msg := range msgCh {
				k.handleMessage(sub, msg)
				sub.limiter.Release()
			}
		}()
	}
	return nil
}

// handleMessage redelivers in place after the backoff delay so partition order is kept.
func (k *KafkaQueue) handleMessage(sub *kafkaSubscription, msg kafka.Message) {
	m := fromKafkaMessage(msg)
	for {
		err := dispatch(sub.ctx, sub.handler, m, &sub.opts)
		disposition, delay := Decide(err, m.RetryCount, &sub.opts)
		logDisposition(sub.ctx, sub.topic, m, disposition, delay, err)
		switch disposition {
		case DispositionAck:
			k.commit(sub, msg)
			return
		case DispositionDeadLetter:
			if pubErr := k.Publish(sub.ctx, sub.opts.DeadLetterTopic, DeadLetter(m, sub.topic, err)); pubErr != nil {
				logger.Error(sub.ctx, "kafka dead-letter publish failed", zap.String("message_id", m.ID), zap.Error(pubErr))
				if sleepContext(sub.ctx, sub.opts.MaxRetryDelay) != nil {
					return
				}
				continue
			}
			k.commit(sub, msg)
			return
		default:
			if sleepContext(sub.ctx, delay) != nil {
				return
			}
			m = NextAttempt(m)
		}
	}
}

func (k *KafkaQueue) commit(sub *kafkaSubscription, msg kafka.Message) {
	err := k.config.Retry.Do(sub.ctx, func(ctx context.Context) error {
		return sub.reader.CommitMessages(ctx, msg)
	})
	if err != nil {
		logger.Warn(sub.ctx, "kafka commit failed",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
}

func toKafkaMessage(topic string, message *Message) kafka.Message {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	flat := envelopeHeaders(message)
	headers := make([]kafka.Header, 0, len(flat))
	for k, v := range flat {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
		Time:    message.Timestamp,
	}
}

func fromKafkaMessage(msg kafka.Message) *Message {
	m := &Message{
		Body:      msg.Value,
		Headers:   make(map[string]string, len(msg.Headers)),
		Timestamp: msg.Time,
	}
	for _, h := range msg.Headers {
		if !applyEnvelopeHeader(m, h.Key, string(h.Value)) {
			m.Headers[h.Key] = string(h.Value)
		}
	}
	if m.ID == "" {
		m.ID = string(msg.Key)
	}
	return m
}
