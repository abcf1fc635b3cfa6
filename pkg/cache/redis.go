package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/cfa-appel-api/pkg/config"
)

// NewRedis returns a configured Redis client with short timeouts; the poll cache is
// best-effort and must not stall instructor requests.
func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

// Healthy reports whether the client answers a ping.
func Healthy(ctx context.Context, client *redis.Client) bool {
	if client == nil {
		return false
	}
	return client.Ping(ctx).Err() == nil
}
