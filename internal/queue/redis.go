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

// RedisStreamOptions configures a consumer-group subscription on a Redis stream.
type RedisStreamOptions struct {
	Stream   string
	Group    string
	Consumer string
	// Block bounds one XREADGROUP call so ctx cancellation is observed promptly.
	Block time.Duration
	// ClaimMinIdle is how long a delivery may sit pending on a dead consumer
	// before it is reclaimed. Zero disables reclaiming.
	ClaimMinIdle time.Duration
	// DeadLetterStream defaults to Stream + ":dead".
	DeadLetterStream string
}

// RedisStream is a Queue backed by a Redis Streams consumer group.
// Each Receive returns at most one entry (COUNT 1).
type RedisStream struct {
	rdb         *redis.Client
	opts        RedisStreamOptions
	claimCursor string
	logger      *slog.Logger
}

// NewRedisStream creates the consumer group if needed and returns a subscription.
func NewRedisStream(ctx context.Context, rdb *redis.Client, opts RedisStreamOptions, logger *slog.Logger) (*RedisStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stream == "" || opts.Group == "" || opts.Consumer == "" {
		return nil, fmt.Errorf("redis stream: stream, group and consumer are required")
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.DeadLetterStream == "" {
		opts.DeadLetterStream = opts.Stream + ":dead"
	}

	err := rdb.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", opts.Group, opts.Stream, err)
	}

	logger.Info("Redis stream subscription ready",
		"stream", opts.Stream,
		"group", opts.Group,
		"consumer", opts.Consumer,
	)
	return &RedisStream{rdb: rdb, opts: opts, claimCursor: "0-0", logger: logger}, nil
}

// Receive returns the next delivery, preferring stale pending entries left by
// crashed consumers over new ones.
func (s *RedisStream) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		if s.opts.ClaimMinIdle > 0 {
			d, ok, err := s.claimStale(ctx)
			if err != nil {
				return Delivery{}, err
			}
			if ok {
				return d, nil
			}
		}

		streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			Streams:  []string{s.opts.Stream, ">"},
			Count:    1,
			Block:    s.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("xreadgroup %s: %w", s.opts.Stream, err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				return Delivery{ID: msg.ID, Payload: payloadOf(msg), Attempt: 1}, nil
			}
		}
	}
}

func (s *RedisStream) claimStale(ctx context.Context) (Delivery, bool, error) {
	msgs, next, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.opts.Stream,
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		MinIdle:  s.opts.ClaimMinIdle,
		Start:    s.claimCursor,
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return Delivery{}, false, ctx.Err()
		}
		return Delivery{}, false, fmt.Errorf("xautoclaim %s: %w", s.opts.Stream, err)
	}
	s.claimCursor = next
	if len(msgs) == 0 {
		return Delivery{}, false, nil
	}

	msg := msgs[0]
	attempt := 2
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.opts.Stream,
		Group:  s.opts.Group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 {
		attempt = int(pending[0].RetryCount)
	}

	s.logger.Warn("Reclaimed stale delivery",
		"stream", s.opts.Stream,
		"id", msg.ID,
		"attempt", attempt,
	)
	return Delivery{ID: msg.ID, Payload: payloadOf(msg), Attempt: attempt}, true, nil
}

// Ack acknowledges the delivery in the consumer group.
func (s *RedisStream) Ack(ctx context.Context, d Delivery) error {
	if err := s.rdb.XAck(ctx, s.opts.Stream, s.opts.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", s.opts.Stream, d.ID, err)
	}
	return nil
}

// DeadLetter copies the delivery to the dead-letter stream and acknowledges it atomically.
func (s *RedisStream) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.opts.DeadLetterStream,
			Values: map[string]interface{}{
				payloadField: string(d.Payload),
				"reason":     reason,
				"source_id":  d.ID,
				"attempt":    d.Attempt,
				"failed_at":  time.Now().UTC().Format(time.RFC3339),
			},
		})
		pipe.XAck(ctx, s.opts.Stream, s.opts.Group, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s %s: %w", s.opts.Stream, d.ID, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// payloadOf returns the "payload" field, or the entry's fields encoded as a
// JSON object when producers write envelope fields directly.
func payloadOf(msg redis.XMessage) []byte {
	if raw, ok := msg.Values[payloadField]; ok {
		if str, ok := raw.(string); ok {
			return []byte(str)
		}
	}
	if len(msg.Values) == 0 {
		return nil
	}
	data, err := json.Marshal(msg.Values)
	if err != nil {
		return nil
	}
	return data
}

// RedisPublisher appends payloads to a Redis stream.
type RedisPublisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher creates a publisher; maxLen > 0 trims the stream approximately.
func NewRedisPublisher(rdb *redis.Client, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, stream: stream, maxLen: maxLen}
}

// Publish appends payload under the "payload" field.
func (p *RedisPublisher) Publish(ctx context.Context, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

var (
	_ Queue     = (*RedisStream)(nil)
	_ Publisher = (*RedisPublisher)(nil)
	_ Queue     = (*Memory)(nil)
	_ Publisher = (*Memory)(nil)
)
