package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/deskrelay/internal/domain"
	"golang.org/x/sync/singleflight"
)

// ErrStaleLoad is returned by Select when another selection superseded it
// before its load finished; the loaded data was discarded.
var ErrStaleLoad = errors.New("conversation load superseded")

// DefaultRefreshDebounce coalesces bursts of deliveries into one list refresh.
const DefaultRefreshDebounce = time.Second

// Channel is the push channel lifecycle the coordinator drives; StreamManager implements it.
type Channel interface {
	Start(ctx context.Context, conversationID string, history []domain.ChatMessage)
	Stop()
}

// CoordinatorOptions wires the coordinator's collaborators and callbacks.
type CoordinatorOptions struct {
	Loader  Loader
	Lister  Lister
	Sender  Sender
	Channel Channel

	RefreshDebounce time.Duration
	RefreshTimeout  time.Duration

	// OnLoaded receives the history of a newly selected conversation.
	OnLoaded func(conversationID string, history []domain.ChatMessage)
	// OnMessage receives live assistant messages routed through HandleMessage.
	OnMessage func(domain.ChatMessage)
	// OnConversations receives each refreshed conversation list.
	OnConversations func([]domain.Conversation)

	Logger *slog.Logger
}

// Coordinator is the single owner of "which conversation is active". It
// collapses concurrent loads of one conversation into a single request,
// discards loads that a later selection made stale, and debounces list
// refreshes triggered by deliveries.
type Coordinator struct {
	opts   CoordinatorOptions
	logger *slog.Logger
	loads  singleflight.Group

	// apply serializes channel teardown/startup between selections.
	apply sync.Mutex

	mu           sync.Mutex
	active       string
	generation   uint64
	cancelLoad   context.CancelFunc
	loading      int
	interacting  int
	refreshTimer *time.Timer
	refreshArmed bool
	pending      map[string]domain.Receipt
	inflight     map[string]*sharedLoad
	closed       bool
}

// sharedLoad is the context of one in-flight request. It outlives any single
// caller and is cancelled when its last waiter leaves.
type sharedLoad struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewCoordinator creates a coordinator with no active conversation.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.RefreshDebounce <= 0 {
		opts.RefreshDebounce = DefaultRefreshDebounce
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		opts:    opts,
		logger:  logger,
		pending:  make(map[string]domain.Receipt),
		inflight: make(map[string]*sharedLoad),
	}
}

// Active returns the active conversation ID.
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Load returns the conversation's messages. Concurrent calls for the same
// id share one request and its result. A caller whose ctx ends gets ctx.Err()
// without affecting the others; the request itself is cancelled only once
// every caller has gone.
func (c *Coordinator) Load(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	c.beginLoad()
	defer c.endLoad()

	shared := c.joinLoad(ctx, conversationID)
	defer c.leaveLoad(conversationID, shared)

	ch := c.loads.DoChan(conversationID, func() (interface{}, error) {
		return c.opts.Loader.LoadConversation(shared.ctx, conversationID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		msgs, _ := res.Val.([]domain.ChatMessage)
		return msgs, nil
	}
}

func (c *Coordinator) joinLoad(ctx context.Context, conversationID string) *sharedLoad {
	c.mu.Lock()
	defer c.mu.Unlock()
	shared := c.inflight[conversationID]
	if shared == nil {
		lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		shared = &sharedLoad{ctx: lctx, cancel: cancel}
		c.inflight[conversationID] = shared
	}
	shared.waiters++
	return shared
}

func (c *Coordinator) leaveLoad(conversationID string, shared *sharedLoad) {
	c.mu.Lock()
	defer c.mu.Unlock()
	shared.waiters--
	if shared.waiters > 0 {
		return
	}
	shared.cancel()
	if c.inflight[conversationID] == shared {
		delete(c.inflight, conversationID)
	}
	// The next caller must not join the cancelled request.
	c.loads.Forget(conversationID)
}

// Select makes conversationID active. Re-selecting the active conversation
// does nothing. Otherwise the outstanding load is cancelled, the channel is
// torn down, and the new conversation is loaded; if a later Select wins the
// race, the result is discarded and ErrStaleLoad returned. An empty id
// clears the selection.
func (c *Coordinator) Select(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return context.Canceled
	}
	if conversationID == c.active {
		c.mu.Unlock()
		return nil
	}
	c.supersedeLocked()
	c.generation++
	gen := c.generation
	previous := c.active
	c.active = conversationID
	loadCtx, cancel := context.WithCancel(ctx)
	c.cancelLoad = cancel
	c.mu.Unlock()

	if previous != "" {
		c.loads.Forget(previous)
	}

	c.apply.Lock()
	c.opts.Channel.Stop()
	c.apply.Unlock()

	if conversationID == "" {
		cancel()
		return nil
	}

	history, err := c.Load(loadCtx, conversationID)

	c.apply.Lock()
	defer c.apply.Unlock()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		cancel()
		c.logger.Debug("Discarded stale conversation load", "conversation_id", conversationID)
		return ErrStaleLoad
	}
	c.cancelLoad = nil
	if err != nil {
		c.active = ""
	}
	c.mu.Unlock()
	cancel()

	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	if c.opts.OnLoaded != nil {
		c.opts.OnLoaded(conversationID, history)
	}
	c.opts.Channel.Start(ctx, conversationID, history)
	return nil
}

// supersedeLocked cancels the outstanding load, if any.
func (c *Coordinator) supersedeLocked() {
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
}

// Send submits message to the active conversation, or starts a new one and
// adopts it when none is active. The returned Receipt stays pending until
// HandleMessage sees the reply with the same message_id.
func (c *Coordinator) Send(ctx context.Context, message string) (domain.Receipt, error) {
	end := c.BeginInteraction()
	defer end()

	conversationID := c.Active()
	receipt, err := c.opts.Sender.Send(ctx, conversationID, message)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("send message: %w", err)
	}

	c.mu.Lock()
	c.pending[receipt.MessageID] = receipt
	adopt := c.active == "" && conversationID == "" && !c.closed
	var gen uint64
	if adopt {
		c.supersedeLocked()
		c.generation++
		gen = c.generation
		c.active = receipt.ConversationID
	}
	c.mu.Unlock()

	if adopt {
		c.apply.Lock()
		c.mu.Lock()
		current := gen == c.generation
		c.mu.Unlock()
		if current {
			c.opts.Channel.Start(ctx, receipt.ConversationID, nil)
		}
		c.apply.Unlock()
	}
	return receipt, nil
}

// Pending returns receipts whose reply has not arrived yet.
func (c *Coordinator) Pending() []domain.Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Receipt, 0, len(c.pending))
	for _, r := range c.pending {
		out = append(out, r)
	}
	return out
}

// HandleMessage is the StreamManager's OnMessage target: it settles the
// matching receipt, forwards the message and schedules a list refresh.
func (c *Coordinator) HandleMessage(msg domain.ChatMessage) {
	c.mu.Lock()
	delete(c.pending, msg.MessageID)
	c.mu.Unlock()

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
	c.NotifyDelivery()
}

// BeginInteraction suppresses list refreshes until the returned func is called.
func (c *Coordinator) BeginInteraction() (end func()) {
	c.mu.Lock()
	c.interacting++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.interacting--
			c.rearmLocked()
			c.mu.Unlock()
		})
	}
}

// NotifyDelivery schedules a conversation list refresh after the debounce
// window; further calls inside the window push it back.
func (c *Coordinator) NotifyDelivery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleRefreshLocked()
}

func (c *Coordinator) scheduleRefreshLocked() {
	if c.closed || c.opts.Lister == nil {
		return
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(c.opts.RefreshDebounce, c.fireRefresh)
}

func (c *Coordinator) fireRefresh() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.loading > 0 || c.interacting > 0 {
		c.refreshArmed = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
	defer cancel()
	convs, err := c.opts.Lister.ListConversations(ctx)
	if err != nil {
		c.logger.Warn("Conversation list refresh failed", "error", err)
		return
	}
	if c.opts.OnConversations != nil {
		c.opts.OnConversations(convs)
	}
}

// rearmLocked reschedules a refresh that was suppressed, once nothing holds it back.
func (c *Coordinator) rearmLocked() {
	if c.refreshArmed && c.loading == 0 && c.interacting == 0 {
		c.refreshArmed = false
		c.scheduleRefreshLocked()
	}
}

func (c *Coordinator) beginLoad() {
	c.mu.Lock()
	c.loading++
	c.mu.Unlock()
}

func (c *Coordinator) endLoad() {
	c.mu.Lock()
	c.loading--
	c.rearmLocked()
	c.mu.Unlock()
}

// Close cancels the outstanding load, stops timers and the channel.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.supersedeLocked()
	c.generation++
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.mu.Unlock()

	c.apply.Lock()
	c.opts.Channel.Stop()
	c.apply.Unlock()
}
