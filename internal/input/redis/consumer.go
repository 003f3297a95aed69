// Package redis feeds the engine from a Redis list of collector wire
// documents.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kestrel/internal/logger"
	"kestrel/internal/transform/wire"
	"kestrel/pkg/models"
)

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Consumer pops wire documents from a Redis list.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewConsumer creates a consumer for a list-based queue.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:       client,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

// Pop pops one message from the list, or nil on the block timeout.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Close closes the client.
func (c *Consumer) Close() error {
	return c.client.Close()
}

// Pump pops, decodes and submits events until the context is canceled.
// Malformed documents are logged and skipped; submit errors (queue full)
// drop the event with a warning rather than stopping the feed.
func Pump(ctx context.Context, c *Consumer, dec *wire.Decoder, submit func(*models.Event) error) error {
	log := logger.WithComponent("input")
	for {
		data, err := c.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			log.Errorf("redis pop: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if data == nil {
			continue
		}
		ev, err := dec.Decode(data)
		if err != nil {
			log.Warnf("%v", err)
			continue
		}
		if err := submit(ev); err != nil {
			log.Warnf("submit event: %v", err)
		}
	}
}
