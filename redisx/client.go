// Package redisx wraps the go-redis client used for the sweep lock and the
// notification stream.
package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type ClientConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New connects and pings. The caller owns Close.
func New(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisx: ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
