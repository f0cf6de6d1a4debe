// Package worker provides a stand-in for the external AI worker: it answers
// each dispatched WorkItem with an echo DeliveryEnvelope. It exists for local
// development and end-to-end tests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/ashureev/deskrelay/internal/queue"
)

// Options tunes the echo worker.
type Options struct {
	// Delay simulates model latency before the reply is published.
	Delay time.Duration
	// DuplicateEvery publishes every Nth reply twice, exercising the
	// at-least-once path downstream. Zero disables duplicates.
	DuplicateEvery int
}

// Echo consumes WorkItems from in and publishes envelopes to out.
type Echo struct {
	in     queue.Queue
	out    queue.Publisher
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewEcho creates an echo worker.
func NewEcho(in queue.Queue, out queue.Publisher, opts Options, logger *slog.Logger) *Echo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Echo{in: in, out: out, opts: opts, logger: logger, now: time.Now}
}

// Run processes work items until ctx is done or the queue closes.
func (e *Echo) Run(ctx context.Context) error {
	e.logger.Info("Echo worker started", "delay", e.opts.Delay, "duplicate_every", e.opts.DuplicateEvery)
	handled := 0
	for {
		d, err := e.in.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive work item: %w", err)
		}

		if err := e.handle(ctx, d, &handled); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Left pending; a restarted worker reclaims it.
			e.logger.Error("Failed to answer work item", "delivery_id", d.ID, "error", err)
			continue
		}
		if err := e.in.Ack(ctx, d); err != nil {
			e.logger.Error("Failed to acknowledge work item", "delivery_id", d.ID, "error", err)
		}
	}
}

func (e *Echo) handle(ctx context.Context, d queue.Delivery, handled *int) error {
	start := e.now()
	var item domain.WorkItem
	if err := json.Unmarshal(d.Payload, &item); err != nil || item.MessageID == "" {
		e.logger.Warn("Dropping malformed work item", "delivery_id", d.ID, "payload_excerpt", domain.Excerpt(d.Payload, 256))
		return nil
	}

	if e.opts.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.Delay):
		}
	}

	elapsed := e.now().Sub(start).Milliseconds()
	payload, err := json.Marshal(domain.DeliveryEnvelope{
		MessageID:        item.MessageID,
		ConversationID:   item.ConversationID,
		TenantID:         item.TenantID,
		Response:         Reply(item.Message),
		ProcessingTimeMs: &elapsed,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	copies := 1
	*handled++
	if e.opts.DuplicateEvery > 0 && *handled%e.opts.DuplicateEvery == 0 {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if _, err := e.out.Publish(ctx, payload); err != nil {
			return fmt.Errorf("publish envelope: %w", err)
		}
	}
	e.logger.Info("Work item answered",
		"tenant_id", item.TenantID,
		"conversation_id", item.ConversationID,
		"message_id", item.MessageID,
		"copies", copies,
	)
	return nil
}

// Reply is the echo answer for a user message.
func Reply(message string) string {
	return "You said: " + message
}
