package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// RedisOptions configures a Redis Streams work queue.
type RedisOptions struct {
	URL    string
	Stream string
	Group  string
	// Consumer names this process inside the group.
	Consumer string
	// VisibilityTimeout is how long a delivery may stay unacknowledged before
	// another consumer reclaims it.
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	Block             time.Duration
	Logger            *slog.Logger
}

// RedisStream is a Work Queue on a Redis stream with a consumer group.
type RedisStream struct {
	redis *redis.Client
	opts  RedisOptions
}

func NewRedisStream(ctx context.Context, opts RedisOptions) (*RedisStream, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	q := newRedisStream(client, opts)
	if err := q.ensureGroup(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

func newRedisStream(client *redis.Client, opts RedisOptions) *RedisStream {
	if opts.Stream == "" {
		opts.Stream = "lfs-builds"
	}
	if opts.Group == "" {
		opts.Group = "dispatcher"
	}
	if opts.Consumer == "" {
		opts.Consumer = "dispatcher-1"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisStream{redis: client, opts: opts}
}

func (q *RedisStream) ensureGroup(ctx context.Context) error {
	err := q.redis.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisStream) Publish(ctx context.Context, msg Message) error {
	values, err := streamValues(msg)
	if err != nil {
		return err
	}
	return q.redis.XAdd(ctx, &redis.XAddArgs{Stream: q.opts.Stream, Values: values}).Err()
}

// Consume reads new entries for the group and reclaims entries another
// consumer left pending past the visibility timeout.
func (q *RedisStream) Consume(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := q.reclaim(ctx, handler); err != nil && ctx.Err() == nil {
			q.opts.Logger.Warn("reclaim pending messages failed", "error", err)
		}

		streams, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			Streams:  []string{q.opts.Stream, ">"},
			Count:    10,
			Block:    q.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.opts.Logger.Error("read stream failed", "stream", q.opts.Stream, "error", err)
			sleep(ctx, time.Second)
			continue
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				q.handle(ctx, handler, entry, 1)
			}
		}
	}
}

func (q *RedisStream) reclaim(ctx context.Context, handler Handler) error {
	entries, _, err := q.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  q.opts.VisibilityTimeout,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		q.handle(ctx, handler, entry, q.deliveryCount(ctx, entry.ID))
	}
	return nil
}

func (q *RedisStream) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	return int(pending[0].RetryCount)
}

func (q *RedisStream) handle(ctx context.Context, handler Handler, entry redis.XMessage, attempt int) {
	d, err := deliveryFromStream(entry, attempt)
	if err != nil {
		q.opts.Logger.Warn("dropping undecodable stream entry", "message_id", entry.ID, "error", err)
		q.ack(ctx, entry.ID)
		return
	}

	if d.Attempt > q.opts.MaxDeliveries {
		q.opts.Logger.Error("message exceeded max deliveries", "message_id", d.ID, "build_id", d.Attributes[AttrBuildID], "attempts", d.Attempt)
		q.ack(ctx, d.ID)
		return
	}

	herr := handler(ctx, d)
	switch Dispose(herr) {
	case Ack:
		q.ack(ctx, d.ID)
	case Drop:
		q.opts.Logger.Warn("dropping message", "message_id", d.ID, "build_id", d.Attributes[AttrBuildID], "error", herr)
		q.ack(ctx, d.ID)
	default:
		// Left pending; reclaimed after the visibility timeout.
		q.opts.Logger.Warn("message will be redelivered", "message_id", d.ID, "build_id", d.Attributes[AttrBuildID], "attempt", d.Attempt, "error", herr)
	}
}

func (q *RedisStream) ack(ctx context.Context, id string) {
	if err := q.redis.XAck(ctx, q.opts.Stream, q.opts.Group, id).Err(); err != nil {
		q.opts.Logger.Error("ack failed", "message_id", id, "error", err)
	}
}

func (q *RedisStream) Close() error {
	return q.redis.Close()
}

func streamValues(msg Message) (map[string]interface{}, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	values := map[string]interface{}{payloadField: string(payload)}
	for k, v := range msg.Attributes() {
		values[k] = v
	}
	return values, nil
}

func deliveryFromStream(entry redis.XMessage, attempt int) (Delivery, error) {
	raw, ok := entry.Values[payloadField]
	if !ok {
		return Delivery{}, fmt.Errorf("entry %s has no %s field", entry.ID, payloadField)
	}
	payload, ok := raw.(string)
	if !ok {
		return Delivery{}, fmt.Errorf("entry %s payload has type %T", entry.ID, raw)
	}
	attrs := make(map[string]string, len(entry.Values)-1)
	for k, v := range entry.Values {
		if k == payloadField {
			continue
		}
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	return Delivery{ID: entry.ID, Payload: []byte(payload), Attributes: attrs, Attempt: attempt}, nil
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
