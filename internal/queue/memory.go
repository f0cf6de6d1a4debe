package queue

import (
	"context"
	"strconv"
	"sync"
)

// DeadLetter records a dead-lettered delivery.
type DeadLetter struct {
	Delivery Delivery
	Reason   string
}

// Memory is an in-process Queue and Publisher. It keeps at-least-once
// semantics within the process: Nack puts a pending delivery back at the
// head of the queue with its attempt count bumped.
type Memory struct {
	mu      sync.Mutex
	ready   []Delivery
	pending map[string]Delivery
	dead    []DeadLetter
	acked   int
	nextID  int64
	notify  chan struct{}
	done    chan struct{}
	closed  bool
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		pending: make(map[string]Delivery),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Publish appends a payload.
func (m *Memory) Publish(_ context.Context, payload []byte) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.nextID++
	id := strconv.FormatInt(m.nextID, 10)
	data := make([]byte, len(payload))
	copy(data, payload)
	m.ready = append(m.ready, Delivery{ID: id, Payload: data})
	m.mu.Unlock()

	m.signal()
	return id, nil
}

// Receive pops the next ready delivery and marks it pending.
func (m *Memory) Receive(ctx context.Context) (Delivery, error) {
	for {
		m.mu.Lock()
		if len(m.ready) > 0 {
			d := m.ready[0]
			m.ready = m.ready[1:]
			d.Attempt++
			m.pending[d.ID] = d
			m.mu.Unlock()
			return d, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Delivery{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-m.notify:
		case <-m.done:
		}
	}
}

// Ack removes a pending delivery.
func (m *Memory) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[d.ID]; ok {
		delete(m.pending, d.ID)
		m.acked++
	}
	return nil
}

// DeadLetter records the delivery with its reason and acknowledges it.
func (m *Memory) DeadLetter(_ context.Context, d Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, d.ID)
	m.dead = append(m.dead, DeadLetter{Delivery: d, Reason: reason})
	return nil
}

// Nack returns a pending delivery to the head of the queue, as a crashed
// consumer would leave it for redelivery.
func (m *Memory) Nack(d Delivery) {
	m.mu.Lock()
	p, ok := m.pending[d.ID]
	if ok {
		delete(m.pending, d.ID)
		m.ready = append([]Delivery{p}, m.ready...)
	}
	m.mu.Unlock()
	if ok {
		m.signal()
	}
}

// Close wakes blocked receivers; subsequent Receive calls return ErrClosed
// once the ready list is drained.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

// Stats reports ready, pending and acknowledged counts.
func (m *Memory) Stats() (ready, pending, acked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready), len(m.pending), m.acked
}

// DeadLetters returns a copy of the dead-lettered deliveries.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, len(m.dead))
	copy(out, m.dead)
	return out
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
