package queue

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

type attemptLog struct {
	mu       sync.Mutex
	attempts []int
}

func (a *attemptLog) add(attempt int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, attempt)
	return len(a.attempts)
}

func (a *attemptLog) snapshot() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.attempts...)
}

func consumeInBackground(t *testing.T, c Consumer, handler Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, handler) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newTestRedisStream(t *testing.T, maxDeliveries int) *RedisStream {
	t.Helper()
	url := os.Getenv("LFSBUILD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LFSBUILD_TEST_REDIS_URL not set")
	}
	stream := "lfs-test-" + uuid.NewString()
	q, err := NewRedisStream(context.Background(), RedisOptions{
		URL:               url,
		Stream:            stream,
		Group:             "dispatcher",
		Consumer:          "test-consumer",
		VisibilityTimeout: 50 * time.Millisecond,
		MaxDeliveries:     maxDeliveries,
		Block:             100 * time.Millisecond,
		Logger:            telemetry.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.redis.Del(context.Background(), stream).Err()
		_ = q.Close()
	})
	return q
}

func redisPending(q *RedisStream) int64 {
	p, err := q.redis.XPending(context.Background(), q.opts.Stream, q.opts.Group).Result()
	if err != nil {
		return -1
	}
	return p.Count
}

func TestRedisStreamReclaimsUnackedDelivery(t *testing.T) {
	q := newTestRedisStream(t, 5)
	require.NoError(t, q.Publish(context.Background(), sampleMessage()))

	var seen attemptLog
	consumeInBackground(t, q, func(ctx context.Context, d Delivery) error {
		if seen.add(d.Attempt) == 1 {
			return errors.New("runner unavailable")
		}
		return nil
	})

	require.Eventually(t, func() bool {
		return len(seen.snapshot()) == 2 && redisPending(q) == 0
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []int{1, 2}, seen.snapshot())

	time.Sleep(300 * time.Millisecond)
	require.Len(t, seen.snapshot(), 2)
}

func TestRedisStreamStopsAfterMaxDeliveries(t *testing.T) {
	q := newTestRedisStream(t, 2)
	require.NoError(t, q.Publish(context.Background(), sampleMessage()))

	var seen attemptLog
	consumeInBackground(t, q, func(ctx context.Context, d Delivery) error {
		seen.add(d.Attempt)
		return errors.New("still failing")
	})

	require.Eventually(t, func() bool {
		return len(seen.snapshot()) == 2 && redisPending(q) == 0
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []int{1, 2}, seen.snapshot())
}

func TestRedisStreamAcksDroppedAndUndecodableEntries(t *testing.T) {
	q := newTestRedisStream(t, 5)
	ctx := context.Background()
	require.NoError(t, q.redis.XAdd(ctx, &redis.XAddArgs{Stream: q.opts.Stream, Values: map[string]interface{}{"junk": "1"}}).Err())
	require.NoError(t, q.Publish(ctx, sampleMessage()))

	var seen attemptLog
	consumeInBackground(t, q, func(ctx context.Context, d Delivery) error {
		seen.add(d.Attempt)
		return Dropf("build %s is gone", d.Attributes[AttrBuildID])
	})

	require.Eventually(t, func() bool {
		return len(seen.snapshot()) == 1 && redisPending(q) == 0
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, []int{1}, seen.snapshot())
}

func newTestJetStream(t *testing.T, maxDeliveries int) *JetStream {
	t.Helper()
	url := os.Getenv("LFSBUILD_TEST_NATS_URL")
	if url == "" {
		t.Skip("LFSBUILD_TEST_NATS_URL not set")
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	q, err := NewJetStream(context.Background(), JetStreamOptions{
		URL:               url,
		Stream:            "LFS_TEST_" + suffix,
		Subject:           "lfs.test." + suffix,
		Durable:           "dispatcher",
		VisibilityTimeout: time.Second,
		MaxDeliveries:     maxDeliveries,
		RedeliveryDelay:   20 * time.Millisecond,
		Logger:            telemetry.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.js.DeleteStream(context.Background(), q.opts.Stream)
		_ = q.Close()
	})
	return q
}

func TestJetStreamStopsAfterMaxDeliveries(t *testing.T) {
	q := newTestJetStream(t, 3)
	require.NoError(t, q.Publish(context.Background(), sampleMessage()))

	var seen attemptLog
	consumeInBackground(t, q, func(ctx context.Context, d Delivery) error {
		seen.add(d.Attempt)
		return errors.New("still failing")
	})

	require.Eventually(t, func() bool {
		return len(seen.snapshot()) == 3
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, []int{1, 2, 3}, seen.snapshot())
}

func TestJetStreamDeduplicatesPublishesAndTerminatesDrops(t *testing.T) {
	q := newTestJetStream(t, 3)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, sampleMessage()))
	require.NoError(t, q.Publish(ctx, sampleMessage()))

	var seen attemptLog
	consumeInBackground(t, q, func(ctx context.Context, d Delivery) error {
		seen.add(d.Attempt)
		return Dropf("malformed")
	})

	require.Eventually(t, func() bool {
		return len(seen.snapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, []int{1}, seen.snapshot())
}
