package redis

import (
	"context"
	"fmt"
	"time"

	"bunkcore/internal/orchestrator"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const lockPrefix = "bunkcore:scope:"

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is an orchestrator.Locker shared by every process using the same Redis.
type Locker struct {
	client *redis.Client
}

var _ orchestrator.Locker = (*Locker)(nil)

// NewLocker returns a Redis-backed scope locker.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire implements orchestrator.Locker.
func (l *Locker) Acquire(ctx context.Context, scope string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockPrefix+scope, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire scope %s: %w", scope, err)
	}
	if !ok {
		return "", orchestrator.ErrScopeBusy
	}
	return token, nil
}

// Release implements orchestrator.Locker.
func (l *Locker) Release(ctx context.Context, scope, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockPrefix + scope}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release scope %s: %w", scope, err)
	}
	return nil
}
