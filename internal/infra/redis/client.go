// Package redis backs the solver orchestrator with Redis: a scope write
// lock built on SET NX PX and a run queue built on Streams consumer groups.
package redis

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Client is the go-redis client type used throughout the package.
type Client = redis.Client

// NewClient connects to addr and verifies the connection.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}
