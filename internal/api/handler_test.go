//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/ashureev/deskrelay/internal/identity"
	"github.com/ashureev/deskrelay/internal/queue"
	"github.com/ashureev/deskrelay/internal/store"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, []byte) (string, error) {
	return "", errors.New("redis: connection refused")
}

type testEnv struct {
	repo   store.Repository
	q      *queue.Memory
	router http.Handler
}

func newTestEnv(t *testing.T, pub queue.Publisher, opts Options) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	q := queue.NewMemory()
	if pub == nil {
		pub = q
	}
	h := NewHandler(repo, pub, opts, nil)
	r := chi.NewRouter()
	r.Route("/api/tenants/{tenantID}", func(r chi.Router) {
		r.Use(identity.Middleware(map[string]string{"tok-a": "A", "tok-b": "B"}, false))
		h.RegisterRoutes(r)
	})
	return &testEnv{repo: repo, q: q, router: r}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func TestChatAcceptsAndDispatches(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, Options{})

	w := env.do(t, http.MethodPost, "/api/tenants/A/chat", "tok-a", `{"message":"How do I reset my password?"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	receipt := decode[domain.Receipt](t, w)
	if receipt.MessageID == "" || receipt.ConversationID == "" || receipt.Status != domain.ReceiptPending {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	conv, err := env.repo.GetConversation(context.Background(), "A", receipt.ConversationID)
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.Title != "How do I reset my password?" || conv.MessageCount != 1 {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	d, err := env.q.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var item domain.WorkItem
	if err := json.Unmarshal(d.Payload, &item); err != nil {
		t.Fatalf("decode work item: %v", err)
	}
	if item.MessageID != receipt.MessageID || item.ConversationID != receipt.ConversationID || item.TenantID != "A" {
		t.Fatalf("unexpected work item %+v", item)
	}
}

func TestChatContinuesExistingConversation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, Options{})

	first := decode[domain.Receipt](t, env.do(t, http.MethodPost, "/api/tenants/A/chat", "tok-a", `{"message":"one"}`))
	w := env.do(t, http.MethodPost, "/api/tenants/A/chat", "tok-a", `{"conversation_id":"`+first.ConversationID+`","message":"two"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	second := decode[domain.Receipt](t, w)
	if second.ConversationID != first.ConversationID || second.MessageID == first.MessageID {
		t.Fatalf("unexpected receipts %+v %+v", first, second)
	}
}

func TestChatRejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, Options{MaxRequestBodyBytes: 64})
	owned := decode[domain.Receipt](t, env.do(t, http.MethodPost, "/api/tenants/A/chat", "tok-a", `{"message":"mine"}`))

	tests := []struct {
		name   string
		tenant string
		token  string
		body   string
		want   int
	}{
		{name: "invalid json", tenant: "A", token: "tok-a", body: `{`, want: http.StatusBadRequest},
		{name: "empty message", tenant: "A", token: "tok-a", body: `{"message":"  "}`, want: http.StatusBadRequest},
		{name: "too large", tenant: "A", token: "tok-a", body: `{"message":"` + strings.Repeat("x", 128) + `"}`, want: http.StatusRequestEntityTooLarge},
		{name: "unknown conversation", tenant: "A", token: "tok-a", body: `{"conversation_id":"nope","message":"hi"}`, want: http.StatusNotFound},
		{name: "other tenant's conversation", tenant: "B", token: "tok-b", body: `{"conversation_id":"` + owned.ConversationID + `","message":"hi"}`, want: http.StatusNotFound},
		{name: "token for other tenant", tenant: "B", token: "tok-a", body: `{"message":"hi"}`, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/tenants/"+tt.tenant+"/chat", tt.token, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestChatRateLimitedPerTenant(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, Options{RatePerMinute: 2})

	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodPost, "/api/tenants/A/chat", "tok-a", `{"message":"hi"}`); w.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	if w := env.do(t, http.MethodPost, "/api/tenants/A/chat", "tok-a", `{"message":"hi"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/tenants/B/chat", "tok-b", `{"message":"hi"}`); w.Code != http.StatusAccepted {
		t.Fatalf("tenant B throttled by tenant A: status = %d", w.Code)
	}
}

func TestChatDispatchFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, failingPublisher{}, Options{})

	w := env.do(t, http.MethodPost, "/api/tenants/A/chat", "tok-a", `{"message":"hi"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestListConversationsIsTenantScoped(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, Options{})
	env.do(t, http.MethodPost, "/api/tenants/A/chat", "tok-a", `{"message":"a1"}`)
	env.do(t, http.MethodPost, "/api/tenants/B/chat", "tok-b", `{"message":"b1"}`)

	w := env.do(t, http.MethodGet, "/api/tenants/A/conversations", "tok-a", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[struct {
		Conversations []domain.Conversation `json:"conversations"`
	}](t, w)
	if len(got.Conversations) != 1 || got.Conversations[0].TenantID != "A" {
		t.Fatalf("unexpected conversations %+v", got.Conversations)
	}
}

func TestListMessagesSinceCursor(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()
	receipt := decode[domain.Receipt](t, env.do(t, http.MethodPost, "/api/tenants/A/chat", "tok-a", `{"message":"q"}`))

	for _, id := range []string{"r1", "r2"} {
		if _, err := env.repo.AppendMessage(ctx, &domain.ChatMessage{
			MessageID: id, ConversationID: receipt.ConversationID, TenantID: "A", Role: domain.RoleAssistant, Body: "answer " + id,
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	type page struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	base := "/api/tenants/A/conversations/" + receipt.ConversationID + "/messages"

	all := decode[page](t, env.do(t, http.MethodGet, base, "tok-a", ""))
	if len(all.Messages) != 3 {
		t.Fatalf("full load returned %d messages", len(all.Messages))
	}

	cursor := all.Messages[1].Seq
	since := decode[page](t, env.do(t, http.MethodGet, base+"?role=assistant&after="+strconv.FormatInt(cursor, 10), "tok-a", ""))
	if len(since.Messages) != 1 || since.Messages[0].MessageID != "r2" {
		t.Fatalf("unexpected gap recovery page %+v", since.Messages)
	}

	if w := env.do(t, http.MethodGet, base+"?after=-1", "tok-a", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("negative cursor: status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, base+"?role=system", "tok-a", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad role: status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/tenants/B/conversations/"+receipt.ConversationID+"/messages", "tok-b", ""); w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant read: status = %d", w.Code)
	}
}
