package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/esocialgw/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewSubmissionLimiter),
	fx.Provide(provideLocker),
)

// RedisClient wraps the optional shared client; Client is nil when Redis is
// not configured.
type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) RedisClient {
	if !cfg.Redis.Enabled() {
		log.Info("redis disabled; poller runs without a distributed lock")
		return RedisClient{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return RedisClient{Client: client}
}

func provideLocker(client RedisClient) *Locker {
	return NewLocker(client.Client)
}
