package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue implements Redis Streams + consumer groups with a delayed ZSET mover.
type RedisQueue struct {
	client *redis.Client
	owned  bool
	// streams / groups
	Stream string
	Group  string
	// keys
	CancelKey  string
	DelayedKey string
	DLQStream  string
	// DLQMaxLen caps the dead-letter stream (approximate trim).
	DLQMaxLen int64
	// mover control
	pollInterval time.Duration
	stop         chan struct{}
}

// NewRedisQueue connects to Redis, ensures stream & group, and starts delayed mover.
func NewRedisQueue(redisURL, stream, group string, poll time.Duration) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q, err := NewRedisQueueFromClient(ctx, c, stream, group, poll)
	if err != nil {
		c.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewRedisQueueFromClient uses an existing client; Close leaves it open.
func NewRedisQueueFromClient(ctx context.Context, c *redis.Client, stream, group string, poll time.Duration) (*RedisQueue, error) {
	q := &RedisQueue{
		client:       c,
		Stream:       stream,
		Group:        group,
		CancelKey:    stream + ":cancelled",
		DelayedKey:   stream + ":delayed",
		DLQStream:    stream + ":dlq",
		DLQMaxLen:    10000,
		pollInterval: poll,
		stop:         make(chan struct{}),
	}
	// "0" so jobs added before the group existed are still delivered
	if err := c.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	go q.mover()
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	// go-redis returns the server's error string
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) Close() error {
	close(q.stop)
	if q.owned {
		return q.client.Close()
	}
	return nil
}

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Client returns the underlying Redis client
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Enqueue adds a job to the stream as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(payload)},
	}).Err()
}

// EnqueueDelayed schedules a job for later execution via ZSET.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error {
	return q.client.ZAdd(ctx, q.DelayedKey, redis.Z{Score: float64(executeAt.Unix()), Member: string(payload)}).Err()
}

// Dequeue reads one message from the consumer group, waiting up to timeout.
// It returns an empty id and nil data when nothing arrived.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return "", nil, nil
	}
	msg := res[0].Messages[0]
	if v, ok := msg.Values["data"]; ok {
		switch t := v.(type) {
		case string:
			return msg.ID, []byte(t), nil
		case []byte:
			return msg.ID, t, nil
		}
	}
	return msg.ID, nil, nil
}

// Ack marks a message as processed and deletes it, so the stream only ever
// holds jobs that have not been acked yet.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.Stream, q.Group, msgID)
	pipe.XDel(ctx, q.Stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

// CancelJob marks a job as cancelled. Workers check this before and while processing.
func (q *RedisQueue) CancelJob(ctx context.Context, jobID string) error {
	return q.client.SAdd(ctx, q.CancelKey, jobID).Err()
}

// IsCancelled returns true if job is cancelled.
func (q *RedisQueue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	return q.client.SIsMember(ctx, q.CancelKey, jobID).Result()
}

// ClearCancelled drops the cancel marker once a job has reached a terminal state.
func (q *RedisQueue) ClearCancelled(ctx context.Context, jobID string) error {
	return q.client.SRem(ctx, q.CancelKey, jobID).Err()
}

// AddDLQ pushes a failed job to DLQ stream with reason.
func (q *RedisQueue) AddDLQ(ctx context.Context, payload []byte, reason string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQStream,
		MaxLen: q.DLQMaxLen,
		Approx: true,
		Values: map[string]any{"data": string(payload), "reason": reason},
	}).Err()
}

// mover periodically moves due delayed jobs from ZSET into the stream.
func (q *RedisQueue) mover() {
	if q.pollInterval <= 0 {
		q.pollInterval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.moveOnce(time.Now())
		}
	}
}

func (q *RedisQueue) moveOnce(now time.Time) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	vals, err := q.client.ZRangeByScore(ctx, q.DelayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(vals) == 0 {
		return 0
	}
	pipe := q.client.TxPipeline()
	for _, s := range vals {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": s}})
		pipe.ZRem(ctx, q.DelayedKey, s)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0
	}
	return len(vals)
}

// Depths returns the backlog, in-flight, delayed and dlq lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (Depths, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	pending := pipe.XPending(ctx, q.Stream, q.Group)
	zcard := pipe.ZCard(ctx, q.DelayedKey)
	dxlen := pipe.XLen(ctx, q.DLQStream)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depths{}, err
	}
	d := Depths{Stream: xlen.Val(), Delayed: zcard.Val(), DLQ: dxlen.Val()}
	if p := pending.Val(); p != nil {
		d.Pending = p.Count
	}
	return d, nil
}

type Depths struct {
	// Stream counts jobs not acked yet: waiting plus Pending.
	Stream int64
	// Pending counts jobs delivered to a worker and not yet acked.
	Pending int64
	Delayed int64
	DLQ     int64
}

// Waiting is the number of jobs no worker has picked up.
func (d Depths) Waiting() int64 { return d.Stream - d.Pending }
