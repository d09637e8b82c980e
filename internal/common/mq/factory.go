package mq

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Supported broker drivers.
const (
	DriverRedis = "redis"
	DriverKafka = "kafka"
	DriverAMQP  = "amqp"
	DriverSQS   = "sqs"
	DriverNATS  = "nats"
)

// Config selects and configures one broker backend.
type Config struct {
	Driver string

	Redis RedisStreamConfig
	Kafka KafkaConfig
	AMQP  AMQPConfig
	SQS   SQSConfig
	NATS  NATSConfig
}

// New builds the MessageQueue named by cfg.Driver. redisClient is only used by the
// redis driver and may be nil for the others.
func New(ctx context.Context, cfg Config, redisClient redis.UniversalClient) (MessageQueue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverRedis:
		return NewRedisStreamQueue(redisClient, cfg.Redis)
	case DriverKafka:
		return NewKafkaQueue(cfg.Kafka)
	case DriverAMQP, "rabbitmq":
		return NewAMQPQueue(cfg.AMQP)
	case DriverSQS:
		return NewSQSQueue(ctx, cfg.SQS)
	case DriverNATS, "jetstream":
		return NewNATSQueue(cfg.NATS)
	default:
		return nil, fmt.Errorf("unsupported mq driver %q", cfg.Driver)
	}
}
