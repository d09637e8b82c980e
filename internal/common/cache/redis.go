package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds go-redis connection and pool settings.
type RedisConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	Password        string        `yaml:"password" toml:"password"`
	DB              int           `yaml:"db" toml:"db"`
	MaxRetries      int           `yaml:"maxRetries" toml:"maxRetries"`
	MinRetryBackoff time.Duration `yaml:"minRetryBackoff" toml:"minRetryBackoff"`
	MaxRetryBackoff time.Duration `yaml:"maxRetryBackoff" toml:"maxRetryBackoff"`
	DialTimeout     time.Duration `yaml:"dialTimeout" toml:"dialTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" toml:"writeTimeout"`
	PoolSize        int           `yaml:"poolSize" toml:"poolSize"`
	MinIdleConns    int           `yaml:"minIdleConns" toml:"minIdleConns"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime" toml:"connMaxIdleTime"`
}

// ApplyDefaults fills unset fields. Stream consumers block on XREADGROUP, so ReadTimeout
// stays short and the queue sets its own block duration.
func (c *RedisConfig) ApplyDefaults() {
	setDefault(&c.MaxRetries, 3)
	setDefault(&c.MinRetryBackoff, 8*time.Millisecond)
	setDefault(&c.MaxRetryBackoff, 512*time.Millisecond)
	setDefault(&c.DialTimeout, 5*time.Second)
	setDefault(&c.ReadTimeout, 3*time.Second)
	setDefault(&c.WriteTimeout, 3*time.Second)
	setDefault(&c.PoolSize, 20)
	setDefault(&c.MinIdleConns, 2)
	setDefault(&c.ConnMaxIdleTime, 10*time.Minute)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func (c *RedisConfig) options() *redis.Options {
	return &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		MaxRetries:      c.MaxRetries,
		MinRetryBackoff: c.MinRetryBackoff,
		MaxRetryBackoff: c.MaxRetryBackoff,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
	}
}

// NewRedisClient connects and pings. Zero fields in cfg are defaulted on a copy.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	effective := *cfg
	effective.ApplyDefaults()
	client := redis.NewClient(effective.options())

	ctx, cancel := context.WithTimeout(context.Background(), effective.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisCache implements Cache on go-redis.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCacheWithConfig(cfg *RedisConfig) (*RedisCache, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

// Client exposes the connection pool so the stream queue can share it.
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
