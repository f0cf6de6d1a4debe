// Package queue provides the at-least-once work queue the pipeline consumes
// completed AI turns from and dispatches work items to.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Delivery is one message taken off the queue. It stays pending until it is
// acknowledged or dead-lettered; unacknowledged deliveries are redelivered.
type Delivery struct {
	ID      string
	Payload []byte
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// Queue is a durable at-least-once subscription.
type Queue interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)

	// Ack removes the delivery from the queue.
	Ack(ctx context.Context, d Delivery) error

	// DeadLetter moves the delivery to the dead-letter destination and acknowledges it.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

// Publisher appends a payload to a stream and returns its queue ID.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) (string, error)
}
