package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/deskrelay/internal/domain"
)

// State is the lifecycle state of a StreamManager.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateAuthFailed
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateAuthFailed:
		return "auth_failed"
	case StateGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further automatic transition will happen.
func (s State) Terminal() bool {
	return s == StateAuthFailed || s == StateGaveUp
}

// DefaultPollInterval is the gap recovery poll period while reconnecting.
const DefaultPollInterval = 3 * time.Second

// StreamOptions configures a StreamManager. Callbacks run on the manager's
// goroutines and must not call back into it.
type StreamOptions struct {
	Backoff      Backoff
	PollInterval time.Duration

	OnMessage     func(domain.ChatMessage)
	OnStateChange func(State)
	OnAuthFailed  func()

	Logger *slog.Logger
}

// StreamManager owns the push channel for one active conversation. State
// changes happen only on its run goroutine; Start and Stop bound that
// goroutine with a cancelable context.
type StreamManager struct {
	dialer Dialer
	poller Poller
	opts   StreamOptions
	logger *slog.Logger

	// sleep waits d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	state atomic.Int32

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu             sync.Mutex
	conversationID string
	seen           map[string]struct{}
	cursor         int64
}

// NewStreamManager creates an idle manager.
func NewStreamManager(dialer Dialer, poller Poller, opts StreamOptions) *StreamManager {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamManager{
		dialer: dialer,
		poller: poller,
		opts:   opts,
		logger: logger,
		sleep:  sleepCtx,
		seen:   make(map[string]struct{}),
	}
}

// State returns the current state.
func (m *StreamManager) State() State {
	return State(m.state.Load())
}

// Start stops any running channel and opens one for conversationID. history
// is what the caller has already rendered: it seeds the duplicate guard and
// the gap recovery cursor.
func (m *StreamManager) Start(ctx context.Context, conversationID string, history []domain.ChatMessage) {
	m.Stop()

	m.mu.Lock()
	m.conversationID = conversationID
	m.seen = make(map[string]struct{}, len(history))
	m.cursor = 0
	for _, msg := range history {
		if msg.Role == domain.RoleAssistant {
			m.seen[msg.MessageID] = struct{}{}
		}
		if msg.Seq > m.cursor {
			m.cursor = msg.Seq
		}
	}
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.lifecycle.Lock()
	m.cancel = cancel
	m.done = done
	m.lifecycle.Unlock()

	go func() {
		defer close(done)
		m.run(runCtx, conversationID)
	}()
}

// Stop cancels dial attempts, backoff waits and polls, and waits for them to exit.
func (m *StreamManager) Stop() {
	m.lifecycle.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Rendered reports whether messageID has already been handed to OnMessage.
func (m *StreamManager) Rendered(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[messageID]
	return ok
}

func (m *StreamManager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.logger.Debug("Stream state changed", "state", s.String())
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}

//nolint:gocognit // The state machine keeps every transition in one place.
func (m *StreamManager) run(ctx context.Context, conversationID string) {
	log := m.logger.With("conversation_id", conversationID)
	poll := &gapPoll{}
	authLost := make(chan struct{})
	var authOnce sync.Once
	signalAuth := func() { authOnce.Do(func() { close(authLost) }) }

	defer func() {
		poll.stop()
		if !m.State().Terminal() {
			m.setState(StateIdle)
		}
	}()

	attempt := 0
	for {
		m.setState(StateConnecting)
		stream, err := m.dialer.Dial(ctx)
		if ctx.Err() != nil {
			if stream != nil {
				_ = stream.Close()
			}
			return
		}
		if err == nil {
			attempt = 0
			poll.stop()
			m.setState(StateOpen)
			log.Info("Push channel open")
			// Replies fanned out before the connection registered only exist in history.
			if cerr := m.catchUp(ctx, conversationID); cerr != nil {
				if errors.Is(cerr, ErrUnauthorized) {
					_ = stream.Close()
					m.authFailed(log, cerr)
					return
				}
				if ctx.Err() == nil {
					log.Debug("Catch-up read failed", "error", cerr)
				}
			}
			err = m.consume(ctx, stream, conversationID)
			_ = stream.Close()
			if ctx.Err() != nil {
				return
			}
		}

		if errors.Is(err, ErrUnauthorized) {
			m.authFailed(log, err)
			return
		}
		if attempt >= m.opts.Backoff.MaxAttempts {
			m.setState(StateGaveUp)
			log.Warn("Push channel gave up reconnecting", "attempts", attempt, "error", err)
			return
		}

		attempt++
		delay := m.opts.Backoff.Delay(attempt)
		m.setState(StateReconnecting)
		log.Info("Push channel reconnecting", "attempt", attempt, "delay", delay, "error", err)
		poll.start(ctx, func(pctx context.Context) { m.pollLoop(pctx, conversationID, signalAuth) })

		waitCtx, cancelWait := context.WithCancel(ctx)
		go func() {
			select {
			case <-authLost:
				cancelWait()
			case <-waitCtx.Done():
			}
		}()
		err = m.sleep(waitCtx, delay)
		cancelWait()

		select {
		case <-authLost:
			m.authFailed(log, ErrUnauthorized)
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug("Backoff wait interrupted", "error", err)
		}
	}
}

func (m *StreamManager) authFailed(log *slog.Logger, err error) {
	m.setState(StateAuthFailed)
	log.Warn("Push channel rejected credentials", "error", err)
	if m.opts.OnAuthFailed != nil {
		m.opts.OnAuthFailed()
	}
}

// consume renders chat-response events for the conversation until the stream fails.
func (m *StreamManager) consume(ctx context.Context, stream Stream, conversationID string) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if ev.Type != domain.EventChatResponse || ev.ConversationID != conversationID {
			continue
		}
		m.render(domain.ChatMessage{
			MessageID:      ev.MessageID,
			ConversationID: ev.ConversationID,
			Role:           domain.RoleAssistant,
			Body:           ev.AIResponse,
			Sources:        ev.Sources,
		})
	}
}

// pollLoop reads once immediately, then every PollInterval, until ctx ends.
func (m *StreamManager) pollLoop(ctx context.Context, conversationID string, signalAuth func()) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := m.catchUp(ctx, conversationID); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				signalAuth()
				return
			}
			if ctx.Err() == nil {
				m.logger.Debug("Gap recovery poll failed", "conversation_id", conversationID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// catchUp renders every stored reply past the cursor.
func (m *StreamManager) catchUp(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	cursor := m.cursor
	m.mu.Unlock()

	msgs, err := m.poller.MessagesSince(ctx, conversationID, cursor)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.render(msg)
	}
	return nil
}

// render hands msg to OnMessage unless its message_id was already rendered.
// The channel and the poll both funnel through here.
func (m *StreamManager) render(msg domain.ChatMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.Seq > m.cursor {
		m.cursor = msg.Seq
	}
	if _, ok := m.seen[msg.MessageID]; ok {
		return false
	}
	m.seen[msg.MessageID] = struct{}{}
	if m.opts.OnMessage != nil {
		m.opts.OnMessage(msg)
	}
	return true
}

// gapPoll runs at most one poll goroutine at a time.
type gapPoll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *gapPoll) start(ctx context.Context, fn func(context.Context)) {
	if p.cancel != nil {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go func() {
		defer close(done)
		fn(pctx)
	}()
}

func (p *gapPoll) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel, p.done = nil, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
