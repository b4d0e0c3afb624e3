package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ProcessedCache implements ports.ProcessedEventCache. It only answers
// "already processed" quickly; the durable event store stays authoritative.
type ProcessedCache struct {
	client goredis.UniversalClient
	prefix string
}

func NewProcessedCache(client goredis.UniversalClient) *ProcessedCache {
	return &ProcessedCache{
		client: client,
		prefix: keyPrefix + "webhook:processed:",
	}
}

func (c *ProcessedCache) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis processed get: %w", err)
	}
	return n > 0, nil
}

func (c *ProcessedCache) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+eventID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis processed set: %w", err)
	}
	return nil
}
