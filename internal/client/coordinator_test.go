package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/deskrelay/internal/domain"
)

// gatedLoader blocks loads of ids present in gates until the gate is closed.
type gatedLoader struct {
	mu    sync.Mutex
	calls map[string]int
	gates map[string]chan struct{}
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{calls: make(map[string]int), gates: make(map[string]chan struct{})}
}

func (l *gatedLoader) gate(id string) chan struct{} {
	ch := make(chan struct{})
	l.mu.Lock()
	l.gates[id] = ch
	l.mu.Unlock()
	return ch
}

func (l *gatedLoader) LoadConversation(_ context.Context, id string) ([]domain.ChatMessage, error) {
	l.mu.Lock()
	l.calls[id]++
	gate := l.gates[id]
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return []domain.ChatMessage{{Seq: 1, MessageID: "u-" + id, ConversationID: id, Role: domain.RoleUser}}, nil
}

func (l *gatedLoader) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

type fakeChannel struct {
	mu      sync.Mutex
	started []string
	stops   int
}

func (c *fakeChannel) Start(_ context.Context, id string, _ []domain.ChatMessage) {
	c.mu.Lock()
	c.started = append(c.started, id)
	c.mu.Unlock()
}

func (c *fakeChannel) Stop() {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
}

func (c *fakeChannel) snapshot() ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.started...), c.stops
}

type countingLister struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLister) ListConversations(context.Context) ([]domain.Conversation, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return []domain.Conversation{{ConversationID: "c1"}}, nil
}

func (l *countingLister) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type fakeSender struct {
	receipt domain.Receipt
	gotConv string
}

func (s *fakeSender) Send(_ context.Context, conversationID, _ string) (domain.Receipt, error) {
	s.gotConv = conversationID
	return s.receipt, nil
}

func TestConcurrentLoadsShareOneRequest(t *testing.T) {
	t.Parallel()
	loader := newGatedLoader()
	gate := loader.gate("c1")
	c := NewCoordinator(CoordinatorOptions{Loader: loader, Channel: &fakeChannel{}})

	var wg sync.WaitGroup
	results := make([][]domain.ChatMessage, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msgs, err := c.Load(context.Background(), "c1")
			if err != nil {
				t.Errorf("Load: %v", err)
			}
			results[i] = msgs
		}(i)
	}

	waitFor(t, "both loads in flight", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.loading == 2
	})
	close(gate)
	wg.Wait()

	if n := loader.count("c1"); n != 1 {
		t.Fatalf("network requests = %d, want 1", n)
	}
	if len(results[0]) != 1 || len(results[1]) != 1 || results[0][0].MessageID != results[1][0].MessageID {
		t.Fatalf("callers got different results: %v / %v", results[0], results[1])
	}
}

func TestSwitchDiscardsStaleLoad(t *testing.T) {
	t.Parallel()
	loader := newGatedLoader()
	gateA := loader.gate("A")
	channel := &fakeChannel{}

	var mu sync.Mutex
	var loaded []string
	c := NewCoordinator(CoordinatorOptions{
		Loader:  loader,
		Channel: channel,
		OnLoaded: func(id string, _ []domain.ChatMessage) {
			mu.Lock()
			loaded = append(loaded, id)
			mu.Unlock()
		},
	})

	staleErr := make(chan error, 1)
	go func() { staleErr <- c.Select(context.Background(), "A") }()
	waitFor(t, "load of A", func() bool { return loader.count("A") == 1 })

	if err := c.Select(context.Background(), "B"); err != nil {
		t.Fatalf("Select(B): %v", err)
	}
	close(gateA)

	if err := <-staleErr; !errors.Is(err, ErrStaleLoad) {
		t.Fatalf("Select(A) = %v, want ErrStaleLoad", err)
	}
	if got := c.Active(); got != "B" {
		t.Fatalf("active = %q, want B", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(loaded) != 1 || loaded[0] != "B" {
		t.Fatalf("applied loads = %v, want only B", loaded)
	}
	started, _ := channel.snapshot()
	if len(started) != 1 || started[0] != "B" {
		t.Fatalf("channel started for %v, want only B", started)
	}
}

// ctxLoader blocks gated ids until the gate opens or its ctx ends.
type ctxLoader struct {
	*gatedLoader
}

func (l ctxLoader) LoadConversation(ctx context.Context, id string) ([]domain.ChatMessage, error) {
	l.mu.Lock()
	l.calls[id]++
	gate := l.gates[id]
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []domain.ChatMessage{{Seq: 1, MessageID: "u-" + id, ConversationID: id, Role: domain.RoleUser}}, nil
}

func TestSupersededSelectDoesNotCancelSharedLoad(t *testing.T) {
	t.Parallel()
	loader := ctxLoader{newGatedLoader()}
	gateA := loader.gate("A")
	c := NewCoordinator(CoordinatorOptions{Loader: loader, Channel: &fakeChannel{}})

	type result struct {
		msgs []domain.ChatMessage
		err  error
	}
	external := make(chan result, 1)
	go func() {
		msgs, err := c.Load(context.Background(), "A")
		external <- result{msgs, err}
	}()
	waitFor(t, "external load in flight", func() bool { return loader.count("A") == 1 })

	staleErr := make(chan error, 1)
	go func() { staleErr <- c.Select(context.Background(), "A") }()
	waitFor(t, "select joined the load", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.loading == 2
	})

	if err := c.Select(context.Background(), "B"); err != nil {
		t.Fatalf("Select(B): %v", err)
	}
	if err := <-staleErr; !errors.Is(err, ErrStaleLoad) {
		t.Fatalf("Select(A) = %v, want ErrStaleLoad", err)
	}

	close(gateA)
	res := <-external
	if res.err != nil {
		t.Fatalf("external Load failed with %v after the select was superseded", res.err)
	}
	if len(res.msgs) != 1 || res.msgs[0].MessageID != "u-A" {
		t.Fatalf("external Load = %+v", res.msgs)
	}
	if n := loader.count("A"); n != 1 {
		t.Fatalf("network requests for A = %d, want 1", n)
	}
}

func TestLoadCancelledOnceEveryCallerLeaves(t *testing.T) {
	t.Parallel()
	loader := ctxLoader{newGatedLoader()}
	loader.gate("A")
	c := NewCoordinator(CoordinatorOptions{Loader: loader, Channel: &fakeChannel{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, "A")
		done <- err
	}()
	waitFor(t, "load in flight", func() bool { return loader.count("A") == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Load = %v, want context.Canceled", err)
	}

	// A later caller starts a fresh request instead of joining the cancelled one.
	loader.gate("A")
	later, cancelLater := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelLater()
	if _, err := c.Load(later, "A"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Load = %v, want its own deadline", err)
	}
	if n := loader.count("A"); n != 2 {
		t.Fatalf("network requests for A = %d, want 2", n)
	}
}

func TestReselectingActiveConversationIsNoop(t *testing.T) {
	t.Parallel()
	loader := newGatedLoader()
	channel := &fakeChannel{}
	c := NewCoordinator(CoordinatorOptions{Loader: loader, Channel: channel})

	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	_, stopsBefore := channel.snapshot()

	if err := c.Select(context.Background(), "c1"); err != nil {
		t.Fatalf("reselect: %v", err)
	}
	started, stops := channel.snapshot()
	if loader.count("c1") != 1 {
		t.Fatalf("reselect issued a network load")
	}
	if stops != stopsBefore || len(started) != 1 {
		t.Fatalf("reselect tore down the channel: starts=%v stops=%d", started, stops)
	}
}

func TestDeliveryBurstRefreshesOnce(t *testing.T) {
	t.Parallel()
	lister := &countingLister{}
	c := NewCoordinator(CoordinatorOptions{Lister: lister, Channel: &fakeChannel{}, RefreshDebounce: 20 * time.Millisecond})
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.NotifyDelivery()
	}
	waitFor(t, "refresh", func() bool { return lister.count() == 1 })
	time.Sleep(60 * time.Millisecond)
	if n := lister.count(); n != 1 {
		t.Fatalf("refreshes = %d, want 1", n)
	}
}

func TestRefreshSuppressedDuringInteraction(t *testing.T) {
	t.Parallel()
	lister := &countingLister{}
	c := NewCoordinator(CoordinatorOptions{Lister: lister, Channel: &fakeChannel{}, RefreshDebounce: 10 * time.Millisecond})
	defer c.Close()

	end := c.BeginInteraction()
	c.NotifyDelivery()
	time.Sleep(50 * time.Millisecond)
	if n := lister.count(); n != 0 {
		t.Fatalf("refreshed %d times during interaction", n)
	}

	end()
	end()
	waitFor(t, "re-armed refresh", func() bool { return lister.count() == 1 })
}

func TestRefreshSuppressedDuringLoad(t *testing.T) {
	t.Parallel()
	loader := newGatedLoader()
	gate := loader.gate("c1")
	lister := &countingLister{}
	c := NewCoordinator(CoordinatorOptions{Loader: loader, Lister: lister, Channel: &fakeChannel{}, RefreshDebounce: 10 * time.Millisecond})
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Select(context.Background(), "c1") }()
	waitFor(t, "load started", func() bool { return loader.count("c1") == 1 })

	c.NotifyDelivery()
	time.Sleep(50 * time.Millisecond)
	if n := lister.count(); n != 0 {
		t.Fatalf("refreshed %d times during load", n)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Select: %v", err)
	}
	waitFor(t, "refresh after load", func() bool { return lister.count() == 1 })
}

func TestSendAdoptsNewConversationAndSettlesReceipt(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{receipt: domain.Receipt{MessageID: "m1", ConversationID: "c9", Status: domain.ReceiptPending}}
	channel := &fakeChannel{}
	var got []domain.ChatMessage
	c := NewCoordinator(CoordinatorOptions{
		Sender:    sender,
		Channel:   channel,
		OnMessage: func(m domain.ChatMessage) { got = append(got, m) },
	})
	defer c.Close()

	receipt, err := c.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.Status != domain.ReceiptPending || sender.gotConv != "" {
		t.Fatalf("unexpected send %+v to %q", receipt, sender.gotConv)
	}
	if c.Active() != "c9" {
		t.Fatalf("active = %q, want adopted c9", c.Active())
	}
	if started, _ := channel.snapshot(); len(started) != 1 || started[0] != "c9" {
		t.Fatalf("channel started for %v", started)
	}
	if len(c.Pending()) != 1 {
		t.Fatalf("pending = %v", c.Pending())
	}

	c.HandleMessage(domain.ChatMessage{MessageID: "m1", ConversationID: "c9", Role: domain.RoleAssistant, Body: "hi"})
	if len(c.Pending()) != 0 {
		t.Fatal("reply did not settle the receipt")
	}
	if len(got) != 1 {
		t.Fatalf("forwarded %d messages", len(got))
	}
}
