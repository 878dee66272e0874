// Package queue implements a durable at-least-once message channel on
// Redis. Messages are serialized job descriptions: publishers push onto
// a ready list, consumers move a message into an in-flight set with a
// visibility deadline and remove it only on Ack. Messages whose
// deadline passes without an ack are re-queued for redelivery.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey    = "recommend:ready"
	inflightKey = "recommend:inflight"
)

// RedisQueue carries recommendation job descriptions between the
// submission gate and the worker pool.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{client: client, visibilityTTL: visibility}
}

// Ping verifies connectivity; workers retry this before consuming.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Publish appends a message to the ready list.
func (q *RedisQueue) Publish(ctx context.Context, payload []byte) error {
	if err := q.client.RPush(ctx, readyKey, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// dequeueScript pops the oldest ready message and records it in-flight
// with its redelivery deadline, atomically.
var dequeueScript = redis.NewScript(`
local msg = redis.call('LPOP', KEYS[1])
if msg then
  redis.call('ZADD', KEYS[2], ARGV[1], msg)
  return msg
end
return nil
`)

// Dequeue claims one message, or returns "" when the queue is empty.
// The caller must Ack the exact payload after its work is committed.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	payload, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return payload, nil
}

// Ack removes a delivered message from in-flight tracking. Messages
// never acked are redelivered once their visibility deadline passes.
func (q *RedisQueue) Ack(ctx context.Context, payload string) error {
	if err := q.client.ZRem(ctx, inflightKey, payload).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// RequeueExpired returns timed-out in-flight messages to the ready
// list. It reports how many were reclaimed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	msgs, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range msgs {
		pipe.ZRem(ctx, inflightKey, m)
		pipe.RPush(ctx, readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return len(msgs), nil
}

// Depth returns the number of ready (undelivered) messages.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
