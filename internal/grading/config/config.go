// Package config loads the process configuration shared by the grading worker and gradectl.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codegrade/internal/common/cache"
	"codegrade/internal/common/db"
	"codegrade/internal/common/mq"
	"codegrade/internal/common/storage"
	"codegrade/internal/grading/registry"
	"codegrade/internal/grading/repository"
	"codegrade/internal/grading/sandbox/engine"
	"codegrade/internal/grading/sandbox/runner"
	"codegrade/internal/grading/sandbox/security"
	"codegrade/pkg/utils/logger"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultHealthTimeout   = 2 * time.Second

	defaultJobTopic        = "grading.jobs"
	defaultDeadLetterTopic = "grading.jobs.dlq"
	defaultConsumerGroup   = "grading-workers"
	defaultProgressTTL     = 24 * time.Hour
	defaultArchiveBucket   = "grading-dead-letters"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" toml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
	HealthTimeout   time.Duration `yaml:"healthTimeout" toml:"healthTimeout"`
}

// DatabaseConfig selects the SQL driver and its pool.
type DatabaseConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`
	db.PoolConfig `yaml:",inline"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers" toml:"brokers"`
	ClientID       string        `yaml:"clientID" toml:"clientID"`
	MinBytes       int           `yaml:"minBytes" toml:"minBytes"`
	MaxBytes       int           `yaml:"maxBytes" toml:"maxBytes"`
	MaxWait        time.Duration `yaml:"maxWait" toml:"maxWait"`
	BatchSize      int           `yaml:"batchSize" toml:"batchSize"`
	BatchTimeout   time.Duration `yaml:"batchTimeout" toml:"batchTimeout"`
	SessionTimeout time.Duration `yaml:"sessionTimeout" toml:"sessionTimeout"`
	DialTimeout    time.Duration `yaml:"dialTimeout" toml:"dialTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" toml:"writeTimeout"`
	RequiredAcks   int           `yaml:"requiredAcks" toml:"requiredAcks"`
	Compression    string        `yaml:"compression" toml:"compression"`
}

// RedisStreamConfig holds Redis Streams queue settings. The connection itself is redis.*.
type RedisStreamConfig struct {
	StreamMaxLen    int64         `yaml:"streamMaxLen" toml:"streamMaxLen"`
	BlockTimeout    time.Duration `yaml:"blockTimeout" toml:"blockTimeout"`
	PromoteInterval time.Duration `yaml:"promoteInterval" toml:"promoteInterval"`
}

// AMQPConfig holds RabbitMQ settings.
type AMQPConfig struct {
	URL          string        `yaml:"url" toml:"url"`
	Heartbeat    time.Duration `yaml:"heartbeat" toml:"heartbeat"`
	DialTimeout  time.Duration `yaml:"dialTimeout" toml:"dialTimeout"`
	QuorumQueues bool          `yaml:"quorumQueues" toml:"quorumQueues"`
}

// SQSConfig holds Amazon SQS settings.
type SQSConfig struct {
	Region   string        `yaml:"region" toml:"region"`
	Endpoint string        `yaml:"endpoint" toml:"endpoint"`
	WaitTime time.Duration `yaml:"waitTime" toml:"waitTime"`
}

// NATSConfig holds NATS JetStream settings.
type NATSConfig struct {
	URL       string        `yaml:"url" toml:"url"`
	FetchWait time.Duration `yaml:"fetchWait" toml:"fetchWait"`
	MaxAge    time.Duration `yaml:"maxAge" toml:"maxAge"`
}

// QueueConfig holds the job queue driver and subscription settings.
type QueueConfig struct {
	Driver            string        `yaml:"driver" toml:"driver"`
	Topic             string        `yaml:"topic" toml:"topic"`
	DeadLetterTopic   string        `yaml:"deadLetterTopic" toml:"deadLetterTopic"`
	ConsumerGroup     string        `yaml:"consumerGroup" toml:"consumerGroup"`
	ConsumerName      string        `yaml:"consumerName" toml:"consumerName"`
	PrefetchCount     int           `yaml:"prefetchCount" toml:"prefetchCount"`
	Concurrency       int           `yaml:"concurrency" toml:"concurrency"`
	MaxRetries        int           `yaml:"maxRetries" toml:"maxRetries"`
	RetryDelay        time.Duration `yaml:"retryDelay" toml:"retryDelay"`
	MaxRetryDelay     time.Duration `yaml:"maxRetryDelay" toml:"maxRetryDelay"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout" toml:"visibilityTimeout"`
	MessageTTL        time.Duration `yaml:"messageTTL" toml:"messageTTL"`

	// Retry bounds broker-level retries of a single publish or fetch.
	Retry mq.RetryPolicy `yaml:"retry" toml:"retry"`

	Redis RedisStreamConfig `yaml:"redis" toml:"redis"`
	Kafka KafkaConfig       `yaml:"kafka" toml:"kafka"`
	AMQP  AMQPConfig        `yaml:"amqp" toml:"amqp"`
	SQS   SQSConfig         `yaml:"sqs" toml:"sqs"`
	NATS  NATSConfig        `yaml:"nats" toml:"nats"`
}

// WorkerConfig holds grading worker settings.
type WorkerConfig struct {
	TestParallelism        int           `yaml:"testParallelism" toml:"testParallelism"`
	SkipAfterResourceLimit *bool         `yaml:"skipAfterResourceLimit" toml:"skipAfterResourceLimit"`
	PerTestOverhead        time.Duration `yaml:"perTestOverhead" toml:"perTestOverhead"`
	JobOverhead            time.Duration `yaml:"jobOverhead" toml:"jobOverhead"`
	MaxJobTimeout          time.Duration `yaml:"maxJobTimeout" toml:"maxJobTimeout"`
	MaxCodeBytes           int           `yaml:"maxCodeBytes" toml:"maxCodeBytes"`
	VerifyImages           bool          `yaml:"verifyImages" toml:"verifyImages"`
}

// StatusConfig holds progress and status event settings.
type StatusConfig struct {
	Topic       string        `yaml:"topic" toml:"topic"`
	ProgressTTL time.Duration `yaml:"progressTTL" toml:"progressTTL"`
}

// DeadLetterConfig controls archiving of dead-lettered jobs.
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Bucket  string `yaml:"bucket" toml:"bucket"`
}

// AppConfig holds the grading process configuration.
type AppConfig struct {
	Server     ServerConfig                         `yaml:"server" toml:"server"`
	Logger     logger.Config                        `yaml:"logger" toml:"logger"`
	Database   DatabaseConfig                       `yaml:"database" toml:"database"`
	Redis      cache.RedisConfig                    `yaml:"redis" toml:"redis"`
	MinIO      storage.MinIOConfig                  `yaml:"minio" toml:"minio"`
	Queue      QueueConfig                          `yaml:"queue" toml:"queue"`
	Worker     WorkerConfig                         `yaml:"worker" toml:"worker"`
	Sandbox    engine.Config                        `yaml:"sandbox" toml:"sandbox"`
	Runner     runner.Config                        `yaml:"runner" toml:"runner"`
	Profiles   map[string]security.IsolationProfile `yaml:"profiles" toml:"profiles"`
	Runtimes   []registry.Runtime                   `yaml:"runtimes" toml:"runtimes"`
	Status     StatusConfig                         `yaml:"status" toml:"status"`
	DeadLetter DeadLetterConfig                     `yaml:"deadLetter" toml:"deadLetter"`
}

// Load reads path as YAML or TOML, chosen by extension. ${VAR} references are
// expanded from the environment after an optional .env in the working
// directory has been loaded.
func Load(path string) (*AppConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	return Parse(filepath.Ext(path), []byte(os.ExpandEnv(string(data))))
}

// Parse decodes already expanded config text and applies defaults.
func Parse(ext string, data []byte) (*AppConfig, error) {
	var cfg AppConfig
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config file failed: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat .env failed: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env failed: %w", err)
	}
	return nil
}

func (c *AppConfig) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	switch db.Dialect(strings.ToLower(c.Database.Driver)) {
	case "", db.DialectMySQL, db.DialectPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.DeadLetter.Enabled && c.MinIO.Endpoint == "" {
		return fmt.Errorf("minio endpoint is required when dead-letter archiving is enabled")
	}
	driver := strings.ToLower(c.Queue.Driver)
	switch {
	case driver == mq.DriverKafka && len(c.Queue.Kafka.Brokers) == 0:
		return fmt.Errorf("queue.kafka.brokers is required")
	case (driver == mq.DriverAMQP || driver == "rabbitmq") && c.Queue.AMQP.URL == "":
		return fmt.Errorf("queue.amqp.url is required")
	case (driver == mq.DriverNATS || driver == "jetstream") && c.Queue.NATS.URL == "":
		return fmt.Errorf("queue.nats.url is required")
	case driver == mq.DriverSQS && c.Queue.SQS.Region == "":
		return fmt.Errorf("queue.sqs.region is required")
	}
	for name, profile := range c.Profiles {
		if profile.UID < 0 || profile.GID < 0 {
			return fmt.Errorf("profile %q has a negative uid or gid", name)
		}
	}
	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultHTTPAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaultWriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = defaultIdleTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Server.HealthTimeout == 0 {
		c.Server.HealthTimeout = defaultHealthTimeout
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	c.Redis.ApplyDefaults()

	if c.Queue.Topic == "" {
		c.Queue.Topic = defaultJobTopic
	}
	if c.Queue.DeadLetterTopic == "" {
		c.Queue.DeadLetterTopic = defaultDeadLetterTopic
	}
	if c.Queue.ConsumerGroup == "" {
		c.Queue.ConsumerGroup = defaultConsumerGroup
	}
	if c.Queue.ConsumerName == "" {
		host, _ := os.Hostname()
		c.Queue.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Queue.PrefetchCount <= 0 {
		c.Queue.PrefetchCount = 1
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 1
	}
	if c.Queue.Retry.MaxAttempts <= 0 {
		c.Queue.Retry = mq.DefaultRetryPolicy()
	}

	if c.Worker.TestParallelism <= 0 {
		c.Worker.TestParallelism = 1
	}
	if c.Worker.SkipAfterResourceLimit == nil {
		skip := true
		c.Worker.SkipAfterResourceLimit = &skip
	}
	if c.Status.Topic == "" {
		c.Status.Topic = repository.DefaultStatusTopic
	}
	if c.Status.ProgressTTL <= 0 {
		c.Status.ProgressTTL = defaultProgressTTL
	}
	if c.DeadLetter.Bucket == "" {
		c.DeadLetter.Bucket = c.MinIO.Bucket
	}
	if c.DeadLetter.Bucket == "" {
		c.DeadLetter.Bucket = defaultArchiveBucket
	}
	if len(c.Runtimes) == 0 {
		c.Runtimes = registry.DefaultRuntimes()
	}
	c.Runner.ApplyDefaults()
}

// Dialect returns the configured SQL dialect, MySQL when unset.
func (d DatabaseConfig) Dialect() db.Dialect {
	if d.Driver == "" {
		return db.DialectMySQL
	}
	return db.Dialect(strings.ToLower(d.Driver))
}

// MQConfig converts the queue section into the mq factory config.
func (q QueueConfig) MQConfig() mq.Config {
	return mq.Config{
		Driver: q.Driver,
		Redis: mq.RedisStreamConfig{
			StreamMaxLen:    q.Redis.StreamMaxLen,
			BlockTimeout:    q.Redis.BlockTimeout,
			PromoteInterval: q.Redis.PromoteInterval,
			Retry:           q.Retry,
		},
		Kafka: q.Kafka.toMQConfig(q.Retry),
		AMQP: mq.AMQPConfig{
			URL:          q.AMQP.URL,
			Heartbeat:    q.AMQP.Heartbeat,
			DialTimeout:  q.AMQP.DialTimeout,
			QuorumQueues: q.AMQP.QuorumQueues,
			Retry:        q.Retry,
		},
		SQS: mq.SQSConfig{
			Region:   q.SQS.Region,
			Endpoint: q.SQS.Endpoint,
			WaitTime: q.SQS.WaitTime,
			Retry:    q.Retry,
		},
		NATS: mq.NATSConfig{
			URL:       q.NATS.URL,
			FetchWait: q.NATS.FetchWait,
			MaxAge:    q.NATS.MaxAge,
			Retry:     q.Retry,
		},
	}
}

// SubscribeOptions returns the options for the job topic subscription.
func (q QueueConfig) SubscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:     q.ConsumerGroup,
		ConsumerName:      q.ConsumerName,
		PrefetchCount:     q.PrefetchCount,
		Concurrency:       q.Concurrency,
		MaxRetries:        q.MaxRetries,
		RetryDelay:        q.RetryDelay,
		MaxRetryDelay:     q.MaxRetryDelay,
		VisibilityTimeout: q.VisibilityTimeout,
		DeadLetterTopic:   q.DeadLetterTopic,
		MessageTTL:        q.MessageTTL,
	}
}

// DeadLetterSubscribeOptions returns options for the dead-letter subscription,
// which has no dead-letter topic of its own.
func (q QueueConfig) DeadLetterSubscribeOptions() *mq.SubscribeOptions {
	opts := q.SubscribeOptions()
	opts.ConsumerGroup = q.ConsumerGroup + "-dlq"
	opts.Concurrency = 1
	opts.DeadLetterTopic = ""
	opts.MessageTTL = 0
	return opts
}

func (k KafkaConfig) toMQConfig(retry mq.RetryPolicy) mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:        k.Brokers,
		ClientID:       k.ClientID,
		MinBytes:       k.MinBytes,
		MaxBytes:       k.MaxBytes,
		MaxWait:        k.MaxWait,
		BatchSize:      k.BatchSize,
		BatchTimeout:   k.BatchTimeout,
		SessionTimeout: k.SessionTimeout,
		DialTimeout:    k.DialTimeout,
		ReadTimeout:    k.ReadTimeout,
		WriteTimeout:   k.WriteTimeout,
		RequiredAcks:   kafka.RequiredAcks(k.RequiredAcks),
		Compression:    parseCompression(k.Compression),
		Retry:          retry,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Registry builds the runtime registry from the configured runtimes.
func (c *AppConfig) Registry() (*registry.Registry, error) {
	return registry.New(c.Runtimes)
}

// SecurityResolver returns a resolver over the configured isolation profiles.
func (c *AppConfig) SecurityResolver() security.Resolver {
	return security.NewStaticResolver(c.Profiles)
}

// Local returns the defaults alone, for tools that only need the sandbox and runtimes.
func Local() *AppConfig {
	var cfg AppConfig
	cfg.applyDefaults()
	return &cfg
}
