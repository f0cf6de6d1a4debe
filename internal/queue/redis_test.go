package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newTestStream(t *testing.T, rdb *redis.Client, consumer string, claimMinIdle time.Duration) *RedisStream {
	t.Helper()
	s, err := NewRedisStream(context.Background(), rdb, RedisStreamOptions{
		Stream:       "responses",
		Group:        "deskrelay",
		Consumer:     consumer,
		Block:        20 * time.Millisecond,
		ClaimMinIdle: claimMinIdle,
	}, nil)
	if err != nil {
		t.Fatalf("NewRedisStream: %v", err)
	}
	return s
}

func pendingCount(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), "responses", "deskrelay").Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	return p.Count
}

func TestRedisStreamReceiveAndAck(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	ctx := context.Background()
	s := newTestStream(t, rdb, "c1", 0)
	// A second subscription on the same group must not fail on BUSYGROUP.
	newTestStream(t, rdb, "c2", 0)

	pub := NewRedisPublisher(rdb, "responses", 1000)
	id, err := pub.Publish(ctx, []byte(`{"message_id":"m1"}`))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if d.ID != id || string(d.Payload) != `{"message_id":"m1"}` || d.Attempt != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if n := pendingCount(t, rdb); n != 1 {
		t.Fatalf("pending before ack = %d, want 1", n)
	}

	if err := s.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n := pendingCount(t, rdb); n != 0 {
		t.Fatalf("pending after ack = %d, want 0", n)
	}
}

func TestRedisStreamReclaimsStaleDelivery(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	ctx := context.Background()
	crashed := newTestStream(t, rdb, "crashed", 0)
	survivor := newTestStream(t, rdb, "survivor", 50*time.Millisecond)

	if _, err := NewRedisPublisher(rdb, "responses", 0).Publish(ctx, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	first, err := crashed.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	again, err := survivor.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive after crash: %v", err)
	}
	if again.ID != first.ID || string(again.Payload) != "x" {
		t.Fatalf("expected redelivery of %s, got %+v", first.ID, again)
	}
	if again.Attempt < 2 {
		t.Fatalf("attempt = %d, want at least 2", again.Attempt)
	}
	if err := survivor.Ack(ctx, again); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n := pendingCount(t, rdb); n != 0 {
		t.Fatalf("pending after ack = %d, want 0", n)
	}
}

func TestRedisStreamDeadLetter(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	ctx := context.Background()
	s := newTestStream(t, rdb, "c1", 0)

	if _, err := NewRedisPublisher(rdb, "responses", 0).Publish(ctx, []byte("broken")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := s.DeadLetter(ctx, d, "persist assistant message: disk full"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	if n := pendingCount(t, rdb); n != 0 {
		t.Fatalf("pending after dead-letter = %d, want 0", n)
	}
	dead, err := rdb.XRange(ctx, "responses:dead", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	v := dead[0].Values
	if v["payload"] != "broken" || v["reason"] != "persist assistant message: disk full" || v["source_id"] != d.ID {
		t.Fatalf("unexpected dead letter %+v", v)
	}
}

func TestRedisStreamReceiveHonoursContext(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	s := newTestStream(t, rdb, "c1", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Receive ignored cancellation for %v", took)
	}
}

func TestRedisStreamEncodesBareFieldsAsJSON(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	ctx := context.Background()
	s := newTestStream(t, rdb, "c1", 0)

	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "responses",
		Values: map[string]interface{}{"message_id": "m1", "tenant_id": "t1"},
	}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	d, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(d.Payload, &fields); err != nil {
		t.Fatalf("payload is not JSON: %v (%s)", err, d.Payload)
	}
	if fields["message_id"] != "m1" || fields["tenant_id"] != "t1" {
		t.Fatalf("unexpected fields %v", fields)
	}
}
