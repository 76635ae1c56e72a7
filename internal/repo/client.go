package repo

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config is the redis section of the service configuration.
type Config struct {
	Enabled   bool          `yaml:"enabled" split_words:"true"`
	Address   string        `yaml:"address" split_words:"true"`
	DB        int           `yaml:"db" split_words:"true"`
	StatusTTL time.Duration `yaml:"status_ttl" split_words:"true"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Address:   "localhost:6379",
		StatusTTL: 10 * time.Minute,
	}
}

// RedisClient wraps the Redis client with connection diagnostics.
type RedisClient struct {
	*redis.Client
	log *zap.Logger
}

func newRedisClient(log *zap.Logger, cfg Config) *RedisClient {
	opts := &redis.Options{
		Addr:         cfg.Address,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
	return &RedisClient{
		Client: redis.NewClient(opts),
		log:    log.Named("redis"),
	}
}

// Ping checks connectivity a few times before giving up. Status publishing is
// best effort, so callers log the error and carry on.
func (c *RedisClient) Ping(ctx context.Context) error {
	opts := c.Options()
	log := c.log.With(zap.String("addr", opts.Addr), zap.Int("db", opts.DB))

	start := time.Now()
	err := retry.New(
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		return c.Client.Ping(pctx).Err()
	})
	elapsed := time.Since(start)

	if err != nil {
		log.Warn("connection failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return err
	}
	log.Info("connection established", zap.Duration("elapsed", elapsed))
	return nil
}
