package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bunkcore/internal/logging"
	"bunkcore/internal/orchestrator"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBlock = 500 * time.Millisecond
	retryBackoff = 200 * time.Millisecond
)

// Queue is an orchestrator.Queue on a Redis Stream. Every Consume call joins
// the consumer group as its own consumer; jobs are acknowledged after the
// handler returns nil.
type Queue struct {
	client *redis.Client
	stream string
	group  string
	block  time.Duration
	log    *zap.Logger
}

var _ orchestrator.Queue = (*Queue)(nil)

// NewQueue creates the consumer group (and stream) when missing.
func NewQueue(ctx context.Context, client *redis.Client, stream, group string, log *zap.Logger) (*Queue, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return &Queue{client: client, stream: stream, group: group, block: defaultBlock, log: logging.OrNop(log)}, nil
}

// Enqueue implements orchestrator.Queue.
func (q *Queue) Enqueue(ctx context.Context, job orchestrator.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.RunID, err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			"run_id": job.RunID,
			"data":   string(payload),
		},
	}).Err()
}

// Consume implements orchestrator.Queue.
func (q *Queue) Consume(ctx context.Context, h orchestrator.Handler) error {
	consumer := "worker-" + uuid.NewString()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Warn("read run stream failed", zap.String("stream", q.stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.deliver(ctx, msg, h)
			}
		}
	}
}

func (q *Queue) deliver(ctx context.Context, msg redis.XMessage, h orchestrator.Handler) {
	data, _ := msg.Values["data"].(string)
	var job orchestrator.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		q.log.Error("dropping undecodable run job", zap.String("message_id", msg.ID), zap.Error(err))
		q.ack(ctx, msg.ID)
		return
	}
	if err := h(ctx, job); err != nil {
		q.log.Warn("run job left pending", zap.String("run_id", job.RunID), zap.Error(err))
		return
	}
	q.ack(ctx, msg.ID)
}

func (q *Queue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(context.WithoutCancel(ctx), q.stream, q.group, id).Err(); err != nil {
		q.log.Warn("ack run job failed", zap.String("message_id", id), zap.Error(err))
	}
}
