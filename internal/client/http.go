package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ashureev/deskrelay/internal/domain"
)

const (
	maxEventBytes = 1 << 20
	pageSize      = 200
)

// HTTP talks to the deskrelay server on behalf of one tenant. It implements
// Dialer, Poller, Loader, Lister and Sender.
type HTTP struct {
	baseURL  string
	tenantID string
	token    string
	hc       *http.Client
}

// NewHTTP creates a transport for tenantID at baseURL. A nil client uses
// http.DefaultClient; the push stream relies on it having no overall timeout.
func NewHTTP(baseURL, tenantID, token string, hc *http.Client) *HTTP {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTP{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tenantID: tenantID,
		token:    token,
		hc:       hc,
	}
}

func (h *HTTP) endpoint(path string) string {
	return h.baseURL + "/api/tenants/" + url.PathEscape(h.tenantID) + path
}

func (h *HTTP) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and decodes a JSON body into out when the status is wantStatus.
func (h *HTTP) do(req *http.Request, wantStatus int, out interface{}) error {
	resp, err := h.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, wantStatus); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func statusError(resp *http.Response, want int) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w (status %d)", resp.Request.Method, resp.Request.URL.Path, ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != want:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		return fmt.Errorf("%s %s: unexpected status %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, body.Error)
	}
	return nil
}

// Dial opens the SSE push stream. The stream lives until ctx is cancelled or Close is called.
func (h *HTTP) Dial(ctx context.Context) (Stream, error) {
	req, err := h.newRequest(ctx, http.MethodGet, "/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := h.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open push stream: %w", err)
	}
	if err := statusError(resp, http.StatusOK); err != nil {
		resp.Body.Close()
		return nil, err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	return &sseStream{body: resp.Body, sc: sc}, nil
}

// sseStream decodes "event:"/"data:" frames; retry hints and comments are skipped.
type sseStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

func (s *sseStream) Next(ctx context.Context) (domain.Event, error) {
	var data bytes.Buffer
	for s.sc.Scan() {
		if err := ctx.Err(); err != nil {
			return domain.Event{}, err
		}
		line := s.sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev domain.Event
			if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
				return domain.Event{}, fmt.Errorf("decode push event: %w", err)
			}
			return ev, nil
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.sc.Err(); err != nil {
		return domain.Event{}, fmt.Errorf("read push stream: %w", err)
	}
	return domain.Event{}, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

type messagesPage struct {
	Messages []domain.ChatMessage `json:"messages"`
}

func (h *HTTP) messages(ctx context.Context, conversationID string, afterSeq int64, role domain.Role) ([]domain.ChatMessage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterSeq, 10))
	q.Set("limit", strconv.Itoa(pageSize))
	if role != "" {
		q.Set("role", string(role))
	}
	req, err := h.newRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var page messagesPage
	if err := h.do(req, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// MessagesSince returns assistant messages after afterSeq.
func (h *HTTP) MessagesSince(ctx context.Context, conversationID string, afterSeq int64) ([]domain.ChatMessage, error) {
	return h.messages(ctx, conversationID, afterSeq, domain.RoleAssistant)
}

// LoadConversation pages through the whole conversation.
func (h *HTTP) LoadConversation(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	var all []domain.ChatMessage
	var cursor int64
	for {
		page, err := h.messages(ctx, conversationID, cursor, "")
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		cursor = page[len(page)-1].Seq
	}
}

// ListConversations returns the tenant's conversations.
func (h *HTTP) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	req, err := h.newRequest(ctx, http.MethodGet, "/conversations", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := h.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Send posts a chat message and returns the provisional receipt.
func (h *HTTP) Send(ctx context.Context, conversationID, message string) (domain.Receipt, error) {
	body, err := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"message":         message,
	})
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("encode chat request: %w", err)
	}
	req, err := h.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
	if err != nil {
		return domain.Receipt{}, err
	}
	var receipt domain.Receipt
	if err := h.do(req, http.StatusAccepted, &receipt); err != nil {
		return domain.Receipt{}, err
	}
	return receipt, nil
}

var (
	_ Dialer = (*HTTP)(nil)
	_ Poller = (*HTTP)(nil)
	_ Loader = (*HTTP)(nil)
	_ Lister = (*HTTP)(nil)
	_ Sender = (*HTTP)(nil)
)
