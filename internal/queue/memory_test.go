package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryDeliversInOrderAndAcks(t *testing.T) {
	t.Parallel()
	q := NewMemory()
	ctx := context.Background()

	for _, p := range []string{"a", "b"} {
		if _, err := q.Publish(ctx, []byte(p)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	d1, err := q.Receive(ctx)
	if err != nil || string(d1.Payload) != "a" || d1.Attempt != 1 {
		t.Fatalf("unexpected first delivery %+v err=%v", d1, err)
	}
	if err := q.Ack(ctx, d1); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	d2, err := q.Receive(ctx)
	if err != nil || string(d2.Payload) != "b" {
		t.Fatalf("unexpected second delivery %+v err=%v", d2, err)
	}

	ready, pending, acked := q.Stats()
	if ready != 0 || pending != 1 || acked != 1 {
		t.Fatalf("unexpected stats ready=%d pending=%d acked=%d", ready, pending, acked)
	}
}

func TestMemoryNackRedelivers(t *testing.T) {
	t.Parallel()
	q := NewMemory()
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, _ := q.Receive(ctx)
	q.Nack(d)

	again, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if again.ID != d.ID || again.Attempt != 2 {
		t.Fatalf("expected redelivery of %s with attempt 2, got %+v", d.ID, again)
	}
}

func TestMemoryDeadLetter(t *testing.T) {
	t.Parallel()
	q := NewMemory()
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, _ := q.Receive(ctx)
	if err := q.DeadLetter(ctx, d, "store unavailable"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].Reason != "store unavailable" {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
	if _, pending, _ := q.Stats(); pending != 0 {
		t.Fatalf("expected no pending deliveries, got %d", pending)
	}
}

func TestMemoryReceiveHonorsContextAndClose(t *testing.T) {
	t.Parallel()
	q := NewMemory()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}
}
