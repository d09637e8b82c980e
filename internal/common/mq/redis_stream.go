package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"codegrade/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisEnvelopeField = "envelope"
	redisDelayedSuffix = ":delayed"
)

// RedisStreamConfig defines configuration for the Redis Streams implementation.
type RedisStreamConfig struct {
	// StreamMaxLen trims streams approximately to this many entries
	// Default: 100000
	StreamMaxLen int64

	// BlockTimeout bounds one XREADGROUP wait
	// Default: 2 seconds
	BlockTimeout time.Duration

	// PromoteInterval is how often due delayed retries are moved back into the stream
	// Default: 250 milliseconds
	PromoteInterval time.Duration

	Retry RetryPolicy
}

// RedisStreamQueue implements MessageQueue on Redis Streams consumer groups.
//
// Unacknowledged entries stay in the group's pending list; once idle longer than
// VisibilityTimeout they are reclaimed with XAUTOCLAIM by any consumer. Failed
// messages are acknowledged and parked in a sorted set keyed by due time, then
// re-added to the stream by the promoter.
type RedisStreamQueue struct {
	client redis.UniversalClient
	config RedisStreamConfig

	mu            sync.Mutex
	subscriptions []*redisSubscription
	started       bool
	closed        bool
}

type redisSubscription struct {
	stream  string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type redisEnvelope struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timestamp  time.Time         `json:"ts"`
	RetryCount int               `json:"retry,omitempty"`
	Expiration int64             `json:"expiration_ms,omitempty"`
}

// NewRedisStreamQueue creates a stream queue on an existing client.
func NewRedisStreamQueue(client redis.UniversalClient, cfg RedisStreamConfig) (*RedisStreamQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.StreamMaxLen == 0 {
		cfg.StreamMaxLen = 100000
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.PromoteInterval == 0 {
		cfg.PromoteInterval = 250 * time.Millisecond
	}
	return &RedisStreamQueue{client: client, config: cfg}, nil
}

// Publish appends a message to the stream named topic.
func (r *RedisStreamQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	payload, err := encodeRedisEnvelope(message)
	if err != nil {
		return err
	}
	return r.config.Retry.Do(ctx, func(ctx context.Context) error {
		return r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: topic,
			MaxLen: r.config.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{redisEnvelopeField: payload},
		}).Err()
	})
}

// Subscribe subscribes to a stream with default options.
func (r *RedisStreamQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	return r.SubscribeWithOptions(ctx, topic, handler, nil)
}

// SubscribeWithOptions subscribes to a stream with custom options.
func (r *RedisStreamQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
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
	if options.ConsumerName == "" {
		options.ConsumerName = defaultConsumerName()
	}

	sub := &redisSubscription{
		stream:  topic,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("message queue is closed")
	}
	r.subscriptions = append(r.subscriptions, sub)
	if r.started {
		return r.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (r *RedisStreamQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("message queue is closed")
	}
	if r.started {
		return nil
	}
	for _, sub := range r.subscriptions {
		if err := r.startSubscription(sub); err != nil {
			return err
		}
	}
	r.started = true
	return nil
}

// Stop stops all consumers gracefully.
func (r *RedisStreamQueue) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range r.subscriptions {
		sub.wg.Wait()
	}
	r.started = false
	return nil
}

// Ping verifies the Redis connection.
func (r *RedisStreamQueue) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close stops consumers. The client is owned by the caller.
func (r *RedisStreamQueue) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.Stop()
}

func (r *RedisStreamQueue) startSubscription(sub *redisSubscription) error {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	err := r.client.XGroupCreateMkStream(sub.baseCtx, sub.stream, sub.opts.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", sub.opts.ConsumerGroup, err)
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		r.promoteLoop(sub)
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		consumer := sub.opts.ConsumerName
		if sub.opts.Concurrency > 1 {
			consumer = fmt.Sprintf("%s-%d", consumer, i)
		}
		sub.wg.Add(1)
		go func(consumer string) {
			defer sub.wg.Done()
			r.consumeLoop(sub, consumer)
		}(consumer)
	}
	return nil
}

func (r *RedisStreamQueue) consumeLoop(sub *redisSubscription, consumer string) {
	for sub.ctx.Err() == nil {
		entries, claimed, err := r.fetch(sub, consumer)
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			logger.Warn(sub.ctx, "redis stream fetch failed", zap.String("stream", sub.stream), zap.Error(err))
			_ = sleepContext(sub.ctx, time.Second)
			continue
		}
		for _, entry := range entries {
			r.handleEntry(sub, entry, claimed)
		}
	}
}

// fetch prefers reclaiming stale pending entries over reading new ones.
func (r *RedisStreamQueue) fetch(sub *redisSubscription, consumer string) ([]redis.XMessage, bool, error) {
	count := int64(sub.opts.PrefetchCount)

	var stale []redis.XMessage
	err := r.config.Retry.Do(sub.ctx, func(ctx context.Context) error {
		var claimErr error
		stale, _, claimErr = r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   sub.stream,
			Group:    sub.opts.ConsumerGroup,
			Consumer: consumer,
			MinIdle:  sub.opts.VisibilityTimeout,
			Start:    "0-0",
			Count:    count,
		}).Result()
		return claimErr
	})
	if err != nil {
		return nil, false, err
	}
	if len(stale) > 0 {
		return stale, true, nil
	}

	streams, err := r.client.XReadGroup(sub.ctx, &redis.XReadGroupArgs{
		Group:    sub.opts.ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{sub.stream, ">"},
		Count:    count,
		Block:    r.config.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entries []redis.XMessage
	for _, stream := range streams {
		entries = append(entries, stream.Messages...)
	}
	return entries, false, nil
}

func (r *RedisStreamQueue) handleEntry(sub *redisSubscription, entry redis.XMessage, claimed bool) {
	ctx := sub.ctx
	message, err := decodeRedisEntry(entry)
	if err != nil {
		logger.Error(ctx, "redis stream entry is unreadable",
			zap.String("stream", sub.stream),
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		r.deadLetterRaw(sub, entry, err)
		return
	}
	if claimed {
		message.RetryCount += r.crashRedeliveries(sub, entry.ID)
	}
	handlerErr := dispatch(ctx, sub.handler, message, &sub.opts)
	disposition, delay := Decide(handlerErr, message.RetryCount, &sub.opts)
	logDisposition(ctx, sub.stream, message, disposition, delay, handlerErr)

	switch disposition {
	case DispositionAck:
		r.ack(sub, entry.ID)
	case DispositionRetry:
		if err := r.schedule(ctx, sub.stream, NextAttempt(message), delay); err != nil {
			// Left pending; XAUTOCLAIM hands it out again after the visibility timeout.
			logger.Error(ctx, "redis stream retry scheduling failed", zap.String("message_id", message.ID), zap.Error(err))
			return
		}
		r.ack(sub, entry.ID)
	case DispositionDeadLetter:
		if err := r.Publish(ctx, sub.opts.DeadLetterTopic, DeadLetter(message, sub.stream, handlerErr)); err != nil {
			logger.Error(ctx, "redis stream dead-letter publish failed", zap.String("message_id", message.ID), zap.Error(err))
			return
		}
		r.ack(sub, entry.ID)
	}
}

// deadLetterRaw moves an entry that cannot be decoded to the dead-letter stream as is.
// Without a dead-letter stream the entry stays pending and is reclaimed again later.
func (r *RedisStreamQueue) deadLetterRaw(sub *redisSubscription, entry redis.XMessage, cause error) {
	if sub.opts.DeadLetterTopic == "" {
		return
	}
	raw, ok := entry.Values[redisEnvelopeField].(string)
	if !ok {
		raw = fmt.Sprint(entry.Values)
	}
	message := &Message{
		ID:        entry.ID,
		Body:      []byte(raw),
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
	if err := r.Publish(sub.ctx, sub.opts.DeadLetterTopic, DeadLetter(message, sub.stream, cause)); err != nil {
		logger.Error(sub.ctx, "redis stream dead-letter publish failed", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	r.ack(sub, entry.ID)
}

// crashRedeliveries counts deliveries of a reclaimed entry beyond the first.
func (r *RedisStreamQueue) crashRedeliveries(sub *redisSubscription, id string) int {
	pending, err := r.client.XPendingExt(sub.ctx, &redis.XPendingExtArgs{
		Stream: sub.stream,
		Group:  sub.opts.ConsumerGroup,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	if pending[0].RetryCount <= 1 {
		return 0
	}
	return int(pending[0].RetryCount - 1)
}

func (r *RedisStreamQueue) ack(sub *redisSubscription, id string) {
	err := r.config.Retry.Do(sub.ctx, func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAck(ctx, sub.stream, sub.opts.ConsumerGroup, id)
			pipe.XDel(ctx, sub.stream, id)
			return nil
		})
		return err
	})
	if err != nil {
		logger.Warn(sub.ctx, "redis stream ack failed", zap.String("stream", sub.stream), zap.String("entry_id", id), zap.Error(err))
	}
}

func (r *RedisStreamQueue) schedule(ctx context.Context, stream string, message *Message, delay time.Duration) error {
	payload, err := encodeRedisEnvelope(message)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay)
	return r.config.Retry.Do(ctx, func(ctx context.Context) error {
		return r.client.ZAdd(ctx, stream+redisDelayedSuffix, redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: payload,
		}).Err()
	})
}

func (r *RedisStreamQueue) promoteLoop(sub *redisSubscription) {
	ticker := time.NewTicker(r.config.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
			if err := r.promoteDue(sub.ctx, sub.stream); err != nil && sub.ctx.Err() == nil {
				logger.Warn(sub.ctx, "redis stream promote failed", zap.String("stream", sub.stream), zap.Error(err))
			}
		}
	}
}

// promoteDue moves due delayed entries back into the stream. ZREM decides which
// consumer owns a member when several promote concurrently.
func (r *RedisStreamQueue) promoteDue(ctx context.Context, stream string) error {
	key := stream + redisDelayedSuffix
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		removed, err := r.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: r.config.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{redisEnvelopeField: member},
		}).Err(); err != nil {
			// Put it back so the next tick retries.
			_ = r.client.ZAdd(ctx, key, redis.Z{Score: float64(time.Now().UnixMilli()), Member: member}).Err()
			return err
		}
	}
	return nil
}

func encodeRedisEnvelope(message *Message) (string, error) {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	env := redisEnvelope{
		ID:         message.ID,
		Body:       message.Body,
		Headers:    message.Headers,
		Timestamp:  message.Timestamp,
		RetryCount: message.RetryCount,
		Expiration: message.Expiration.Milliseconds(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode stream envelope: %w", err)
	}
	return string(payload), nil
}

func decodeRedisEntry(entry redis.XMessage) (*Message, error) {
	raw, ok := entry.Values[redisEnvelopeField].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s has no %s field", entry.ID, redisEnvelopeField)
	}
	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode stream envelope: %w", err)
	}
	message := &Message{
		ID:         env.ID,
		Body:       env.Body,
		Headers:    env.Headers,
		Timestamp:  env.Timestamp,
		RetryCount: env.RetryCount,
		Expiration: time.Duration(env.Expiration) * time.Millisecond,
	}
	if message.Headers == nil {
		message.Headers = make(map[string]string)
	}
	if message.ID == "" {
		message.ID = entry.ID
	}
	return message, nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
