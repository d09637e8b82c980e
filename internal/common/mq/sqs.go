package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"codegrade/pkg/utils/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

const sqsMaxVisibility = 12 * time.Hour

// SQSConfig defines configuration for the Amazon SQS implementation.
type SQSConfig struct {
	Region   string
	Endpoint string

	// WaitTime is the long-poll duration of one ReceiveMessage call (max 20s)
	// Default: 20 seconds
	WaitTime time.Duration

	Retry RetryPolicy
}

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue implements MessageQueue on Amazon SQS. Topics are queue names.
//
// SQS provides the visibility timeout natively. A failed message is made visible
// again after the backoff delay with ChangeMessageVisibility and its
// ApproximateReceiveCount drives the retry bound.
type SQSQueue struct {
	client sqsAPI
	config SQSConfig

	urlMu sync.Mutex
	urls  map[string]string

	mu            sync.Mutex
	subscriptions []*sqsSubscription
	started       bool
	closed        bool
}

type sqsSubscription struct {
	queue   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSQSQueue loads the default AWS credential chain and returns a queue.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSQSQueue(client, cfg), nil
}

func newSQSQueue(client sqsAPI, cfg SQSConfig) *SQSQueue {
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	return &SQSQueue{client: client, config: cfg, urls: make(map[string]string)}
}

func (s *SQSQueue) queueURL(ctx context.Context, name string) (string, error) {
	s.urlMu.Lock()
	url, ok := s.urls[name]
	s.urlMu.Unlock()
	if ok {
		return url, nil
	}
	out, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("resolve queue url %s: %w", name, err)
	}
	url = aws.ToString(out.QueueUrl)
	s.urlMu.Lock()
	s.urls[name] = url
	s.urlMu.Unlock()
	return url, nil
}

// Publish sends a message to the queue named topic.
func (s *SQSQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	input := toSQSInput(message)
	return s.config.Retry.Do(ctx, func(ctx context.Context) error {
		url, err := s.queueURL(ctx, topic)
		if err != nil {
			return err
		}
		input.QueueUrl = aws.String(url)
		_, err = s.client.SendMessage(ctx, input)
		return err
	})
}

// Subscribe subscribes to a queue with default options.
func (s *SQSQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	return s.SubscribeWithOptions(ctx, topic, handler, nil)
}

// SubscribeWithOptions subscribes to a queue with custom options.
func (s *SQSQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
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
	if options.VisibilityTimeout > sqsMaxVisibility {
		options.VisibilityTimeout = sqsMaxVisibility
	}

	sub := &sqsSubscription{queue: topic, handler: handler, opts: options, baseCtx: ctx}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("message queue is closed")
	}
	s.subscriptions = append(s.subscriptions, sub)
	if s.started {
		s.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (s *SQSQueue) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("message queue is closed")
	}
	if s.started {
		return nil
	}
	for _, sub := range s.subscriptions {
		s.startSubscription(sub)
	}
	s.started = true
	return nil
}

// Stop stops all consumers gracefully.
func (s *SQSQueue) Stop() error {
	s.mu.Lock()
	subs := append([]*sqsSubscription(nil), s.subscriptions...)
	s.started = false
	s.mu.Unlock()
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

// Ping resolves the URL of the first subscribed queue.
func (s *SQSQueue) Ping(ctx context.Context) error {
	s.mu.Lock()
	var name string
	if len(s.subscriptions) > 0 {
		name = s.subscriptions[0].queue
	}
	s.mu.Unlock()
	if name == "" {
		return nil
	}
	_, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	return err
}

// Close stops consumers.
func (s *SQSQueue) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

func (s *SQSQueue) startSubscription(sub *sqsSubscription) {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)
	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			s.consumeLoop(sub)
		}()
	}
}

func (s *SQSQueue) consumeLoop(sub *sqsSubscription) {
	for sub.ctx.Err() == nil {
		url, messages, err := s.receive(sub)
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			logger.Warn(sub.ctx, "sqs receive failed", zap.String("queue", sub.queue), zap.Error(err))
			_ = sleepContext(sub.ctx, time.Second)
			continue
		}
		for _, msg := range messages {
			s.handleMessage(sub, url, msg)
		}
	}
}

func (s *SQSQueue) receive(sub *sqsSubscription) (string, []types.Message, error) {
	var url string
	var out *sqs.ReceiveMessageOutput
	err := s.config.Retry.Do(sub.ctx, func(ctx context.Context) error {
		var err error
		url, err = s.queueURL(ctx, sub.queue)
		if err != nil {
			return err
		}
		out, err = s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(url),
			MaxNumberOfMessages:         int32(min(sub.opts.PrefetchCount, 10)),
			WaitTimeSeconds:             int32(s.config.WaitTime / time.Second),
			VisibilityTimeout:           int32(sub.opts.VisibilityTimeout / time.Second),
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return url, out.Messages, nil
}

func (s *SQSQueue) handleMessage(sub *sqsSubscription, url string, msg types.Message) {
	ctx := sub.ctx
	message := fromSQSMessage(msg)
	receipt := msg.ReceiptHandle
	stopHeartbeat := s.heartbeat(sub, url, receipt)
	handlerErr := dispatch(ctx, sub.handler, message, &sub.opts)
	stopHeartbeat()

	disposition, delay := Decide(handlerErr, message.RetryCount, &sub.opts)
	logDisposition(ctx, sub.queue, message, disposition, delay, handlerErr)

	switch disposition {
	case DispositionAck:
		s.delete(ctx, url, receipt)
	case DispositionRetry:
		if err := s.setVisibility(ctx, url, receipt, delay); err != nil {
			logger.Warn(ctx, "sqs visibility change failed", zap.String("message_id", message.ID), zap.Error(err))
		}
	case DispositionDeadLetter:
		if err := s.Publish(ctx, sub.opts.DeadLetterTopic, DeadLetter(message, sub.queue, handlerErr)); err != nil {
			logger.Error(ctx, "sqs dead-letter publish failed", zap.String("message_id", message.ID), zap.Error(err))
			return
		}
		s.delete(ctx, url, receipt)
	}
}

// heartbeat keeps a long-running message invisible while its handler is alive.
func (s *SQSQueue) heartbeat(sub *sqsSubscription, url string, receipt *string) func() {
	interval := sub.opts.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-sub.ctx.Done():
				return
			case <-ticker.C:
				if err := s.setVisibility(sub.ctx, url, receipt, sub.opts.VisibilityTimeout); err != nil {
					logger.Warn(sub.ctx, "sqs visibility heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *SQSQueue) setVisibility(ctx context.Context, url string, receipt *string, d time.Duration) error {
	if d > sqsMaxVisibility {
		d = sqsMaxVisibility
	}
	return s.config.Retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(url),
			ReceiptHandle:     receipt,
			VisibilityTimeout: int32(d / time.Second),
		})
		return err
	})
}

func (s *SQSQueue) delete(ctx context.Context, url string, receipt *string) {
	err := s.config.Retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(url),
			ReceiptHandle: receipt,
		})
		return err
	})
	if err != nil {
		logger.Warn(ctx, "sqs delete failed", zap.Error(err))
	}
}

func toSQSInput(message *Message) *sqs.SendMessageInput {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	attrs := make(map[string]types.MessageAttributeValue, len(message.Headers)+3)
	for k, v := range message.Headers {
		attrs[k] = stringAttribute(v)
	}
	attrs[headerID] = stringAttribute(message.ID)
	attrs[headerTimestamp] = stringAttribute(message.Timestamp.Format(time.RFC3339Nano))
	attrs[headerRetryCount] = stringAttribute(strconv.Itoa(message.RetryCount))
	if message.Expiration > 0 {
		attrs[headerExpiration] = stringAttribute(strconv.FormatInt(message.Expiration.Milliseconds(), 10))
	}
	return &sqs.SendMessageInput{
		MessageBody:       aws.String(string(message.Body)),
		MessageAttributes: attrs,
	}
}

func stringAttribute(v string) types.MessageAttributeValue {
	if v == "" {
		v = " "
	}
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func fromSQSMessage(msg types.Message) *Message {
	m := &Message{
		ID:      aws.ToString(msg.MessageId),
		Body:    []byte(aws.ToString(msg.Body)),
		Headers: make(map[string]string),
	}
	baseRetry := 0
	for k, v := range msg.MessageAttributes {
		value := aws.ToString(v.StringValue)
		switch k {
		case headerID:
			if id := value; id != " " && id != "" {
				m.ID = id
			}
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
			if value == " " {
				value = ""
			}
			m.Headers[k] = value
		}
	}
	receives := parseRetryCount(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if receives > 0 {
		baseRetry += receives - 1
	}
	m.RetryCount = baseRetry
	return m
}
