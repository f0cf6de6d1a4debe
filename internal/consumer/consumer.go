// Package consumer implements the response consumer: it takes completed AI
// turns off the work queue, persists them, and fans them out to the
// tenant's open push connections.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/deskrelay/internal/config"
	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/ashureev/deskrelay/internal/metrics"
	"github.com/ashureev/deskrelay/internal/queue"
	"github.com/ashureev/deskrelay/internal/registry"
	"github.com/ashureev/deskrelay/internal/store"
)

const payloadExcerptLimit = 256

// Outcome classifies how one delivery was handled.
type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomePoison       Outcome = "poison"
	OutcomeStoreDropped Outcome = "store_failed_acked"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeAbandoned    Outcome = "abandoned"
)

// Options tunes failure handling.
type Options struct {
	// PersistFailurePolicy is config.PersistFailureAck or config.PersistFailureDeadLetter.
	PersistFailurePolicy string
	// PersistRetries bounds store retries before dead-lettering.
	PersistRetries int
	// RetryBaseDelay is the first backoff step between store retries.
	RetryBaseDelay time.Duration
	// ReceiveErrorDelay is the pause after a failed Receive.
	ReceiveErrorDelay time.Duration
}

// DefaultOptions matches the production behavior of acknowledging store failures.
func DefaultOptions() Options {
	return Options{
		PersistFailurePolicy: config.PersistFailureAck,
		PersistRetries:       3,
		RetryBaseDelay:       200 * time.Millisecond,
		ReceiveErrorDelay:    time.Second,
	}
}

// Consumer processes deliveries strictly one at a time. It keeps no state
// between deliveries.
type Consumer struct {
	q      queue.Queue
	repo   store.Repository
	reg    *registry.Registry
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a consumer.
func New(q queue.Queue, repo store.Repository, reg *registry.Registry, opts Options, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PersistFailurePolicy == "" {
		opts.PersistFailurePolicy = config.PersistFailureAck
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 200 * time.Millisecond
	}
	if opts.ReceiveErrorDelay <= 0 {
		opts.ReceiveErrorDelay = time.Second
	}
	return &Consumer{
		q:      q,
		repo:   repo,
		reg:    reg,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Run receives and processes deliveries until ctx is cancelled or the queue
// is closed. The next delivery is only requested after the previous one has
// been acknowledged, which keeps in-flight work at one.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Response consumer started", "persist_failure_policy", c.opts.PersistFailurePolicy)
	for {
		d, err := c.q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Response consumer shutting down", "reason", ctx.Err())
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				c.logger.Info("Response consumer stopping, queue closed")
				return nil
			}
			metrics.QueueErrors.WithLabelValues("receive").Inc()
			c.logger.Error("Failed to receive delivery", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.opts.ReceiveErrorDelay):
			}
			continue
		}

		c.Process(ctx, d)
	}
}

// Process handles one delivery end to end and settles it (ack or
// dead-letter). The one exception is a store failure caused by ctx ending:
// the delivery is left unacknowledged so the queue redelivers it.
// It never returns an error: every failure is classified.
func (c *Consumer) Process(ctx context.Context, d queue.Delivery) Outcome {
	start := c.now()
	outcome := c.process(ctx, d)
	metrics.EnvelopesProcessed.WithLabelValues(string(outcome)).Inc()
	metrics.EnvelopeProcessingDuration.Observe(time.Since(start).Seconds())
	return outcome
}

func (c *Consumer) process(ctx context.Context, d queue.Delivery) Outcome {
	env, err := domain.ParseEnvelope(d.Payload)
	if err != nil {
		c.logger.Warn("Poison message acknowledged",
			"delivery_id", d.ID,
			"attempt", d.Attempt,
			"error", err,
			"payload_excerpt", domain.Excerpt(d.Payload, payloadExcerptLimit),
		)
		c.ack(ctx, d)
		return OutcomePoison
	}

	log := c.logger.With(
		"delivery_id", d.ID,
		"tenant_id", env.TenantID,
		"conversation_id", env.ConversationID,
		"message_id", env.MessageID,
	)

	msg := env.AssistantMessage()
	created, err := c.persist(ctx, msg)
	if errors.Is(err, store.ErrTenantMismatch) {
		log.Warn("Poison message acknowledged, conversation owned by another tenant", "error", err)
		c.ack(ctx, d)
		return OutcomePoison
	}
	if errors.Is(err, store.ErrMessageConflict) {
		log.Warn("Poison message acknowledged, message id belongs to another conversation", "error", err)
		c.ack(ctx, d)
		return OutcomePoison
	}
	if err != nil && ctx.Err() != nil {
		log.Info("Persist interrupted by shutdown, leaving delivery for redelivery", "error", err)
		return OutcomeAbandoned
	}
	if err != nil {
		return c.handleStoreFailure(ctx, d, log, err)
	}

	delivered := c.reg.Broadcast(ctx, env.TenantID, domain.ResponseEvent(env, c.now()))

	c.ack(ctx, d)

	if !created {
		log.Info("Duplicate envelope, re-pushed without persisting", "seq", msg.Seq, "connections", delivered)
		return OutcomeDuplicate
	}
	log.Info("Assistant response delivered", "seq", msg.Seq, "connections", delivered)
	return OutcomeDelivered
}

// persist stores the message; under the dead-letter policy it retries with
// exponential backoff first.
func (c *Consumer) persist(ctx context.Context, msg *domain.ChatMessage) (bool, error) {
	attempts := 1
	if c.opts.PersistFailurePolicy == config.PersistFailureDeadLetter {
		attempts += c.opts.PersistRetries
	}

	var err error
	for i := 0; i < attempts; i++ {
		var created bool
		created, err = c.repo.AppendMessage(ctx, msg)
		if err == nil || errors.Is(err, store.ErrTenantMismatch) || errors.Is(err, store.ErrMessageConflict) {
			return created, err
		}
		if i == attempts-1 {
			break
		}
		delay := c.opts.RetryBaseDelay * time.Duration(1<<i)
		c.logger.Debug("Persist failed, retrying",
			"message_id", msg.MessageID,
			"attempt", i+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
	}
	return false, err
}

func (c *Consumer) handleStoreFailure(ctx context.Context, d queue.Delivery, log *slog.Logger, err error) Outcome {
	if c.opts.PersistFailurePolicy == config.PersistFailureDeadLetter {
		reason := fmt.Sprintf("persist assistant message: %v", err)
		if dlErr := c.q.DeadLetter(ctx, d, reason); dlErr != nil {
			// Left pending: the queue will redeliver it.
			metrics.QueueErrors.WithLabelValues("dead_letter").Inc()
			log.Error("Failed to dead-letter delivery", "error", dlErr, "persist_error", err)
			return OutcomeDeadLettered
		}
		log.Error("Delivery dead-lettered after persist failure", "error", err, "retries", c.opts.PersistRetries)
		return OutcomeDeadLettered
	}

	log.Error("Persist failed, acknowledging and dropping assistant reply", "error", err)
	c.ack(ctx, d)
	return OutcomeStoreDropped
}

func (c *Consumer) ack(ctx context.Context, d queue.Delivery) {
	if err := c.q.Ack(ctx, d); err != nil {
		metrics.QueueErrors.WithLabelValues("ack").Inc()
		c.logger.Error("Failed to acknowledge delivery", "delivery_id", d.ID, "error", err)
	}
}
