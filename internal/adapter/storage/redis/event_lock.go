package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this instance still owns it, so a
// delivery whose lock expired cannot drop the lock of the one that took over.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// EventLocker implements ports.EventLocker with SET NX PX. Each instance
// writes its own owner token as the lock value.
type EventLocker struct {
	client goredis.UniversalClient
	prefix string
	owner  string
}

func NewEventLocker(client goredis.UniversalClient) *EventLocker {
	return &EventLocker{
		client: client,
		prefix: keyPrefix + "webhook:lock:",
		owner:  uuid.NewString(),
	}
}

// Acquire returns false when another delivery of eventID holds the lock.
func (l *EventLocker) Acquire(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	_, err := l.client.SetArgs(ctx, l.prefix+eventID, l.owner, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis event lock: %w", err)
	}
	return true, nil
}

func (l *EventLocker) Release(ctx context.Context, eventID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + eventID}, l.owner).Err(); err != nil {
		return fmt.Errorf("redis event unlock: %w", err)
	}
	return nil
}
