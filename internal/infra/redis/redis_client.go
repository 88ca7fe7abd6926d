package redis

import (
	"context"

	"ai-saas-billing/internal/config"

	"github.com/go-redis/redis/v8"
)

// Client wraps the go-redis connection. The locker is its only consumer; it
// reaches the raw client directly for SetNX and the unlock script.
type Client struct {
	cli *redis.Client
}

func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Client{cli: c}, nil
}

func (c *Client) Close() error { return c.cli.Close() }
