package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/abdelmounim-dev/duelsync/config"
)

const redisDialCheckTimeout = 5 * time.Second

// NewRedisClient connects to the configured Redis deployment. A
// comma-separated address list yields a cluster client; a single address
// yields a plain one. Cluster mode relies on the hash-tagged key prefixes
// that config.Validate enforces. The connection is verified before
// returning.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	addrs := cfg.Addrs()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis address is empty")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       addrs,
		DB:          cfg.DB,
		Password:    cfg.Password,
		PoolSize:    cfg.PoolSize,
		PoolTimeout: time.Duration(cfg.PoolTimeout) * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialCheckTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// CloseRedisClient closes client if it was opened.
func CloseRedisClient(client redis.UniversalClient) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
