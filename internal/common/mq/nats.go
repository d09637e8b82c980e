package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"codegrade/pkg/utils/logger"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSConfig defines configuration for the NATS JetStream implementation.
type NATSConfig struct {
	URL string

	// FetchWait bounds one pull request
	// Default: 2 seconds
	FetchWait time.Duration

	// MaxAge bounds how long a stream keeps messages
	// Default: 7 days
	MaxAge time.Duration

	Retry RetryPolicy
}

// NATSQueue implements MessageQueue on JetStream. Every topic is backed by a
// stream of the same subject and subscriptions use durable pull consumers.
type NATSQueue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config NATSConfig

	streamMu sync.Mutex
	streams  map[string]struct{}

	mu            sync.Mutex
	subscriptions []*natsSubscription
	started       bool
	closed        bool
}

type natsSubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	consumer jetstream.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewNATSQueue connects to NATS and opens a JetStream context.
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 2 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("codegrade"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	return &NATSQueue{conn: nc, js: js, config: cfg, streams: make(map[string]struct{})}, nil
}

func natsStreamName(topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return strings.ToUpper(r.Replace(topic))
}

func (n *NATSQueue) ensureStream(ctx context.Context, topic string) error {
	n.streamMu.Lock()
	_, ok := n.streams[topic]
	n.streamMu.Unlock()
	if ok {
		return nil
	}
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     natsStreamName(topic),
		Subjects: []string{topic},
		Storage:  jetstream.FileStorage,
		MaxAge:   n.config.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", topic, err)
	}
	n.streamMu.Lock()
	n.streams[topic] = struct{}{}
	n.streamMu.Unlock()
	return nil
}

// Publish publishes a message to a subject.
func (n *NATSQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	msg := toNATSMessage(topic, message)
	return n.config.Retry.Do(ctx, func(ctx context.Context) error {
		if err := n.ensureStream(ctx, topic); err != nil {
			return err
		}
		var pubOpts []jetstream.PublishOpt
		if message.ID != "" {
			pubOpts = append(pubOpts, jetstream.WithMsgID(message.ID+"-"+strconv.Itoa(message.RetryCount)))
		}
		_, err := n.js.PublishMsg(ctx, msg, pubOpts...)
		return err
	})
}

// Subscribe subscribes to a subject with default options.
func (n *NATSQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	return n.SubscribeWithOptions(ctx, topic, handler, nil)
}

// SubscribeWithOptions creates or updates a durable pull consumer for topic.
func (n *NATSQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
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
		return errors.New("consumer group is required")
	}
	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}
	consumer, err := n.js.CreateOrUpdateConsumer(ctx, natsStreamName(topic), jetstream.ConsumerConfig{
		Durable:       options.ConsumerGroup,
		FilterSubject: topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       options.VisibilityTimeout,
		MaxDeliver:    -1,
		MaxAckPending: options.Concurrency * options.PrefetchCount * 4,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", options.ConsumerGroup, err)
	}

	sub := &natsSubscription{topic: topic, handler: handler, opts: options, baseCtx: ctx, consumer: consumer}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("message queue is closed")
	}
	n.subscriptions = append(n.subscriptions, sub)
	if n.started {
		n.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (n *NATSQueue) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("message queue is closed")
	}
	if n.started {
		return nil
	}
	for _, sub := range n.subscriptions {
		n.startSubscription(sub)
	}
	n.started = true
	return nil
}

// Stop stops all consumers gracefully.
func (n *NATSQueue) Stop() error {
	n.mu.Lock()
	subs := append([]*natsSubscription(nil), n.subscriptions...)
	n.started = false
	n.mu.Unlock()
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

// Ping checks the JetStream account is reachable.
func (n *NATSQueue) Ping(ctx context.Context) error {
	if !n.conn.IsConnected() {
		return errors.New("nats connection is not established")
	}
	_, err := n.js.AccountInfo(ctx)
	return err
}

// Close stops consumers and drains the connection.
func (n *NATSQueue) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	stopErr := n.Stop()
	if err := n.conn.Drain(); err != nil {
		return err
	}
	return stopErr
}

func (n *NATSQueue) startSubscription(sub *natsSubscription) {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)
	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			n.consumeLoop(sub)
		}()
	}
}

func (n *NATSQueue) consumeLoop(sub *natsSubscription) {
	for sub.ctx.Err() == nil {
		batch, err := sub.consumer.Fetch(sub.opts.PrefetchCount, jetstream.FetchMaxWait(n.config.FetchWait))
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			logger.Warn(sub.ctx, "jetstream fetch failed", zap.String("topic", sub.topic), zap.Error(err))
			_ = sleepContext(sub.ctx, time.Second)
			continue
		}
		for msg := range batch.Messages() {
			n.handleMessage(sub, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && sub.ctx.Err() == nil {
			logger.Debug(sub.ctx, "jetstream batch ended", zap.String("topic", sub.topic), zap.Error(err))
		}
	}
}

func (n *NATSQueue) handleMessage(sub *natsSubscription, msg jetstream.Msg) {
	ctx := sub.ctx
	message := fromNATSMessage(msg)
	handlerErr := dispatch(ctx, sub.handler, message, &sub.opts)
	disposition, delay := Decide(handlerErr, message.RetryCount, &sub.opts)
	logDisposition(ctx, sub.topic, message, disposition, delay, handlerErr)

	var err error
	switch disposition {
	case DispositionAck:
		err = msg.Ack()
	case DispositionRetry:
		err = msg.NakWithDelay(delay)
	case DispositionDeadLetter:
		if pubErr := n.Publish(ctx, sub.opts.DeadLetterTopic, DeadLetter(message, sub.topic, handlerErr)); pubErr != nil {
			logger.Error(ctx, "jetstream dead-letter publish failed", zap.String("message_id", message.ID), zap.Error(pubErr))
			err = msg.NakWithDelay(delay)
			break
		}
		err = msg.Term()
	}
	if err != nil {
		logger.Warn(ctx, "jetstream settle failed", zap.String("message_id", message.ID), zap.Error(err))
	}
}

func toNATSMessage(subject string, message *Message) *nats.Msg {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	msg := nats.NewMsg(subject)
	msg.Data = message.Body
	for k, v := range message.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(headerID, message.ID)
	msg.Header.Set(headerTimestamp, message.Timestamp.Format(time.RFC3339Nano))
	msg.Header.Set(headerRetryCount, strconv.Itoa(message.RetryCount))
	if message.Expiration > 0 {
		msg.Header.Set(headerExpiration, strconv.FormatInt(message.Expiration.Milliseconds(), 10))
	}
	return msg
}

func fromNATSMessage(msg jetstream.Msg) *Message {
	m := &Message{
		Body:    msg.Data(),
		Headers: make(map[string]string),
	}
	baseRetry := 0
	for k, values := range msg.Headers() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch k {
		case headerID:
			m.ID = value
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				m.Timestamp = ts
			}
		case headerRetryCount:
			baseRetry = parseRetryCount(value)
		case headerExpiration:
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
				m.Expiration = time.Duration(ms) * time.Millisecond
			}
		default:
			m.Headers[k] = value
		}
	}
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		if m.ID == "" {
			m.ID = strconv.FormatUint(meta.Sequence.Stream, 10)
		}
		if meta.NumDelivered > 0 {
			baseRetry += int(meta.NumDelivered - 1)
		}
	}
	m.RetryCount = baseRetry
	return m
}
