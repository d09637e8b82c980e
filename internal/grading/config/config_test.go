package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codegrade/internal/common/db"
	"codegrade/internal/grading/repository"

	"github.com/segmentio/kafka-go"
)

const minimalYAML = `
database:
  dsn: "grader:secret@tcp(127.0.0.1:3306)/grading?parseTime=true"
redis:
  addr: "127.0.0.1:6379"
`

func TestParseYAMLDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse(".yaml", []byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr {
		t.Fatalf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.Database.Dialect() != db.DialectMySQL {
		t.Fatalf("expected mysql dialect, got %q", cfg.Database.Dialect())
	}
	if cfg.Queue.Topic != defaultJobTopic || cfg.Queue.DeadLetterTopic != defaultDeadLetterTopic {
		t.Fatalf("unexpected topics: %q %q", cfg.Queue.Topic, cfg.Queue.DeadLetterTopic)
	}
	if cfg.Queue.PrefetchCount != 1 || cfg.Queue.Concurrency != 1 {
		t.Fatalf("expected prefetch and concurrency 1, got %d %d", cfg.Queue.PrefetchCount, cfg.Queue.Concurrency)
	}
	if cfg.Queue.ConsumerName == "" {
		t.Fatalf("expected consumer name to be derived")
	}
	if cfg.Worker.TestParallelism != 1 {
		t.Fatalf("expected sequential tests, got %d", cfg.Worker.TestParallelism)
	}
	if cfg.Worker.SkipAfterResourceLimit == nil || !*cfg.Worker.SkipAfterResourceLimit {
		t.Fatalf("expected skipAfterResourceLimit to default to true")
	}
	if cfg.Status.Topic != repository.DefaultStatusTopic {
		t.Fatalf("expected status topic %q, got %q", repository.DefaultStatusTopic, cfg.Status.Topic)
	}
	if cfg.Status.ProgressTTL != defaultProgressTTL {
		t.Fatalf("expected progress ttl %v, got %v", defaultProgressTTL, cfg.Status.ProgressTTL)
	}
	if cfg.Redis.PoolSize == 0 {
		t.Fatalf("expected redis defaults to be applied")
	}
	if len(cfg.Runtimes) != 2 {
		t.Fatalf("expected built-in runtimes, got %d", len(cfg.Runtimes))
	}
	if cfg.Runner.WatchdogGrace <= 0 {
		t.Fatalf("expected runner defaults to be applied")
	}
}

func TestParseYAMLFull(t *testing.T) {
	t.Parallel()
	raw := `
server:
  addr: ":9000"
  shutdownTimeout: 45s
database:
  driver: postgres
  dsn: "postgres://grader@localhost/grading?sslmode=disable"
  maxOpenConnections: 8
redis:
  addr: "redis:6379"
queue:
  driver: kafka
  topic: jobs
  consumerGroup: graders
  maxRetries: 3
  retryDelay: 2s
  kafka:
    brokers: ["k1:9092", "k2:9092"]
    compression: zstd
    requiredAcks: -1
worker:
  testParallelism: 4
  skipAfterResourceLimit: false
  maxJobTimeout: 5m
runtimes:
  - language: python
    image: "registry.local/python:3.12"
    command: "python3 {src}"
    sourceFile: main.py
profiles:
  default:
    uid: 1000
    gid: 1000
    seccompProfile: default.json
`
	cfg, err := Parse(".yml", []byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.ShutdownTimeout != 45*time.Second {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Database.Dialect() != db.DialectPostgres || cfg.Database.MaxOpenConnections != 8 {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Worker.TestParallelism != 4 || *cfg.Worker.SkipAfterResourceLimit {
		t.Fatalf("unexpected worker config: %+v", cfg.Worker)
	}
	if cfg.Worker.MaxJobTimeout != 5*time.Minute {
		t.Fatalf("expected 5m job timeout, got %v", cfg.Worker.MaxJobTimeout)
	}

	mqCfg := cfg.Queue.MQConfig()
	if mqCfg.Driver != "kafka" || len(mqCfg.Kafka.Brokers) != 2 {
		t.Fatalf("unexpected mq config: %+v", mqCfg)
	}
	if mqCfg.Kafka.Compression != kafka.Zstd {
		t.Fatalf("expected zstd compression, got %v", mqCfg.Kafka.Compression)
	}
	if mqCfg.Kafka.RequiredAcks != kafka.RequireAll {
		t.Fatalf("expected acks=all, got %v", mqCfg.Kafka.RequiredAcks)
	}
	if mqCfg.Kafka.Retry.MaxAttempts == 0 {
		t.Fatalf("expected default retry policy to propagate")
	}

	opts := cfg.Queue.SubscribeOptions()
	if opts.ConsumerGroup != "graders" || opts.MaxRetries != 3 || opts.RetryDelay != 2*time.Second {
		t.Fatalf("unexpected subscribe options: %+v", opts)
	}
	if opts.DeadLetterTopic != defaultDeadLetterTopic {
		t.Fatalf("expected dead letter topic, got %q", opts.DeadLetterTopic)
	}
	dlq := cfg.Queue.DeadLetterSubscribeOptions()
	if dlq.DeadLetterTopic != "" || dlq.ConsumerGroup != "graders-dlq" {
		t.Fatalf("unexpected dead letter options: %+v", dlq)
	}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	rt, err := reg.Resolve("python")
	if err != nil || rt.Image != "registry.local/python:3.12" {
		t.Fatalf("expected configured python runtime, got %+v (%v)", rt, err)
	}
	if reg.Supports("javascript") {
		t.Fatalf("configured runtimes should replace the built-in table")
	}

	prof, err := cfg.SecurityResolver().Resolve("default")
	if err != nil {
		t.Fatalf("unexpected resolver error: %v", err)
	}
	if prof.UID != 1000 || prof.SeccompProfile != "default.json" || !prof.DisableNetwork {
		t.Fatalf("unexpected profile: %+v", prof)
	}
}

func TestParseTOML(t *testing.T) {
	t.Parallel()
	raw := `
[database]
driver = "mysql"
dsn = "grader:secret@tcp(db:3306)/grading"

[redis]
addr = "redis:6379"

[queue]
driver = "nats"
visibilityTimeout = "2m"

[queue.nats]
url = "nats://nats:4222"

[worker]
testParallelism = 2

[[runtimes]]
language = "javascript"
image = "node:20-alpine"
command = "node {src}"
sourceFile = "main.js"
`
	cfg, err := Parse(".toml", []byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.DSN != "grader:secret@tcp(db:3306)/grading" {
		t.Fatalf("unexpected dsn %q", cfg.Database.DSN)
	}
	if cfg.Queue.NATS.URL != "nats://nats:4222" {
		t.Fatalf("unexpected nats url %q", cfg.Queue.NATS.URL)
	}
	if cfg.Queue.VisibilityTimeout != 2*time.Minute {
		t.Fatalf("expected 2m visibility timeout, got %v", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Worker.TestParallelism != 2 {
		t.Fatalf("expected parallelism 2, got %d", cfg.Worker.TestParallelism)
	}
	if len(cfg.Runtimes) != 1 || cfg.Runtimes[0].Language != "javascript" {
		t.Fatalf("unexpected runtimes: %+v", cfg.Runtimes)
	}
}

func TestParseValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "missing dsn", raw: "redis:\n  addr: r:6379\n", want: "database dsn"},
		{name: "missing redis", raw: "database:\n  dsn: x\n", want: "redis addr"},
		{name: "bad driver", raw: "database:\n  driver: oracle\n  dsn: x\nredis:\n  addr: r\n", want: "unsupported database driver"},
		{name: "kafka without brokers", raw: minimalYAML + "queue:\n  driver: kafka\n", want: "queue.kafka.brokers"},
		{name: "archive without minio", raw: minimalYAML + "deadLetter:\n  enabled: true\n", want: "minio endpoint"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(".yaml", []byte(tc.raw))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParseUnsupportedFormat(t *testing.T) {
	t.Parallel()
	if _, err := Parse(".ini", []byte(minimalYAML)); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CODEGRADE_TEST_DSN", "grader:pw@tcp(db:3306)/grading")
	path := filepath.Join(t.TempDir(), "worker.yaml")
	raw := "database:\n  dsn: \"${CODEGRADE_TEST_DSN}\"\nredis:\n  addr: \"127.0.0.1:6379\"\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.DSN != "grader:pw@tcp(db:3306)/grading" {
		t.Fatalf("expected expanded dsn, got %q", cfg.Database.DSN)
	}
}

func TestLoadShippedConfig(t *testing.T) {
	t.Setenv("GRADING_DB_DSN", "grader:pw@tcp(db:3306)/grading?parseTime=true")
	t.Setenv("GRADING_REDIS_ADDR", "redis:6379")
	t.Setenv("GRADING_MINIO_ENDPOINT", "minio:9000")
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "grading_worker.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.Driver != "redis" || !cfg.DeadLetter.Enabled {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
	if _, err := cfg.Registry(); err != nil {
		t.Fatalf("shipped runtimes should be valid: %v", err)
	}
}
