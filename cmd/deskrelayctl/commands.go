package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/deskrelay/internal/client"
	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/spf13/cobra"
)

var (
	sendConversation string
	sendWait         bool

	sendCmd = &cobra.Command{
		Use:   "send [message]",
		Short: "Submit a message and print the provisional receipt",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSend,
	}
	watchCmd = &cobra.Command{
		Use:   "watch [conversation-id]",
		Short: "Print a conversation and follow new replies until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	historyCmd = &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print every message of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	conversationsCmd = &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List the tenant's conversations",
		Args:    cobra.NoArgs,
		RunE:    runConversations,
	}
)

func transport() (*client.HTTP, error) {
	if tenantID == "" {
		return nil, errors.New("--tenant (or DESKRELAY_TENANT) is required")
	}
	return client.NewHTTP(serverURL, tenantID, token, nil), nil
}

// session wires a StreamManager and Coordinator over one transport.
type session struct {
	coord  *client.Coordinator
	stream *client.StreamManager
	done   chan struct{}
	once   sync.Once
}

func newSession(h *client.HTTP, out io.Writer, opts client.CoordinatorOptions) *session {
	s := &session{done: make(chan struct{})}
	var coord *client.Coordinator
	s.stream = client.NewStreamManager(h, h, client.StreamOptions{
		OnMessage: func(msg domain.ChatMessage) { coord.HandleMessage(msg) },
		OnStateChange: func(st client.State) {
			slog.Debug("Stream state", "state", st.String())
			switch {
			case st == client.StateReconnecting:
				fmt.Fprintln(out, "[reconnecting]")
			case st.Terminal():
				fmt.Fprintf(out, "[disconnected: %s]\n", st)
				s.once.Do(func() { close(s.done) })
			}
		},
	})
	opts.Loader = h
	opts.Lister = h
	opts.Sender = h
	opts.Channel = s.stream
	coord = client.NewCoordinator(opts)
	s.coord = coord
	return s
}

// stopped maps the terminal stream state to an error.
func (s *session) stopped() error {
	if s.stream.State() == client.StateAuthFailed {
		return client.ErrUnauthorized
	}
	return errors.New("gave up reconnecting")
}

func runSend(cmd *cobra.Command, args []string) error {
	h, err := transport()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	message := strings.Join(args, " ")

	if !sendWait {
		receipt, err := h.Send(ctx, sendConversation, message)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "accepted message %s in conversation %s (%s)\n", receipt.MessageID, receipt.ConversationID, receipt.Status)
		return nil
	}

	var (
		mu       sync.Mutex
		received = make(map[string]domain.ChatMessage)
		arrived  = make(chan struct{}, 1)
	)
	s := newSession(h, out, client.CoordinatorOptions{
		OnMessage: func(msg domain.ChatMessage) {
			mu.Lock()
			received[msg.MessageID] = msg
			mu.Unlock()
			select {
			case arrived <- struct{}{}:
			default:
			}
		},
	})
	defer s.coord.Close()

	if sendConversation != "" {
		if err := s.coord.Select(ctx, sendConversation); err != nil {
			return err
		}
	}
	receipt, err := s.coord.Send(ctx, message)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "accepted message %s in conversation %s, waiting for reply...\n", receipt.MessageID, receipt.ConversationID)

	for {
		mu.Lock()
		reply, ok := received[receipt.MessageID]
		mu.Unlock()
		if ok {
			printMessage(out, reply)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return fmt.Errorf("waiting for reply: %w", s.stopped())
		case <-arrived:
		}
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	h, err := transport()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s := newSession(h, out, client.CoordinatorOptions{
		OnLoaded: func(_ string, history []domain.ChatMessage) {
			for _, msg := range history {
				printMessage(out, msg)
			}
		},
		OnMessage: func(msg domain.ChatMessage) { printMessage(out, msg) },
	})
	defer s.coord.Close()

	if err := s.coord.Select(ctx, args[0]); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-s.done:
		return s.stopped()
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	h, err := transport()
	if err != nil {
		return err
	}
	history, err := h.LoadConversation(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, msg := range history {
		printMessage(cmd.OutOrStdout(), msg)
	}
	return nil
}

func runConversations(cmd *cobra.Command, _ []string) error {
	h, err := transport()
	if err != nil {
		return err
	}
	convs, err := h.ListConversations(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, c := range convs {
		fmt.Fprintf(out, "%s\t%d messages\t%s\t%s\n", c.ConversationID, c.MessageCount, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
	}
	return nil
}

func printMessage(out io.Writer, msg domain.ChatMessage) {
	fmt.Fprintf(out, "%-9s %s\n", string(msg.Role)+":", msg.Body)
	for _, src := range msg.Sources {
		fmt.Fprintf(out, "          source: %s\n", src)
	}
}
