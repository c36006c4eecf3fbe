package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/eaglechat/eaglechat-server/internal/broker"
	"github.com/eaglechat/eaglechat-server/internal/storage/sqldb"
	"github.com/eaglechat/eaglechat-server/internal/tenant"
	"github.com/eaglechat/eaglechat-server/internal/vault"
)

const testKey = "sk-ant-REDACTED"

func newTestService(t *testing.T) (*Service, *httptest.Server, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqldb.New(sqldb.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	v, _ := vault.New([]byte("test-master"))

	draft := &tenant.Draft{
		ID: "t1", APIKey: "eck_x", SiteURL: "https://s.example.com",
		AdminEmail: "a@s.example.com", Domain: "s.example.com", SiteHash: "h",
	}
	if err := store.Insert(context.Background(), draft); err != nil {
		t.Fatal(err)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": "msg_1", "model": "claude-3-haiku-20240307",
			"content": [{"type": "text", "text": "assistant reply"}],
			"usage": {"input_tokens": 12, "output_tokens": 4}}`)
	}))
	t.Cleanup(upstream.Close)

	b := broker.New(store, v, logger,
		broker.WithAnthropicBaseURL(upstream.URL),
		broker.WithOpenAIBaseURL(upstream.URL))
	if err := b.Configure(context.Background(), draft.ID, tenant.ProviderAnthropic, testKey); err != nil {
		t.Fatal(err)
	}

	return NewService(store, b, logger), upstream, draft.ID
}

func TestChatPersistsBothSides(t *testing.T) {
	svc, _, tenantID := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Chat(ctx, &Request{
		TenantID:  tenantID,
		SessionID: "sess-1",
		Message:   "hello there",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Reply != "assistant reply" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("provider = %q", resp.Provider)
	}

	msgs, err := svc.History(ctx, tenantID, "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello there" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "assistant reply" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[1].Metadata["output_tokens"] != "4" {
		t.Errorf("usage metadata = %v", msgs[1].Metadata)
	}
}

func TestChatReplaysHistoryWhenMemoryOn(t *testing.T) {
	svc, upstream, tenantID := newTestService(t)
	ctx := context.Background()

	var gotMessages int
	upstream.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []json.RawMessage `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotMessages = len(req.Messages)
		io.WriteString(w, `{"id": "msg_2", "model": "claude-3-haiku-20240307",
			"content": [{"type": "text", "text": "again"}],
			"usage": {"input_tokens": 1, "output_tokens": 1}}`)
	})

	if _, err := svc.Chat(ctx, &Request{
		TenantID: tenantID, SessionID: "sess-m", Message: "first",
		Config: Config{ConversationMemory: true},
	}); err != nil {
		t.Fatal(err)
	}
	if gotMessages != 1 {
		t.Errorf("first turn sent %d messages, want 1", gotMessages)
	}

	if _, err := svc.Chat(ctx, &Request{
		TenantID: tenantID, SessionID: "sess-m", Message: "second",
		Config: Config{ConversationMemory: true},
	}); err != nil {
		t.Fatal(err)
	}
	// Two persisted turns plus the new user message.
	if gotMessages != 3 {
		t.Errorf("second turn sent %d messages, want 3", gotMessages)
	}
}

func TestChatValidatesInput(t *testing.T) {
	svc, _, tenantID := newTestService(t)
	ctx := context.Background()

	cases := []Request{
		{TenantID: tenantID, SessionID: "", Message: "hi"},
		{TenantID: tenantID, SessionID: "s", Message: "   "},
	}
	for _, req := range cases {
		_, err := svc.Chat(ctx, &req)
		var verr *tenant.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Chat(%+v): got %v, want ValidationError", req, err)
		}
	}
}

func TestChatWithoutKey(t *testing.T) {
	svc, _, tenantID := newTestService(t)
	ctx := context.Background()

	// OpenAI-model request, but only an Anthropic key is configured.
	_, err := svc.Chat(ctx, &Request{
		TenantID: tenantID, SessionID: "s", Message: "hi",
		Config: Config{Model: "gpt-4o-mini"},
	})
	if !errors.Is(err, tenant.ErrNoProviderKey) {
		t.Errorf("got %v, want ErrNoProviderKey", err)
	}
}

func TestProviderForModel(t *testing.T) {
	cases := []struct {
		model string
		want  tenant.Provider
	}{
		{"", tenant.ProviderAnthropic},
		{"claude-3-haiku-20240307", tenant.ProviderAnthropic},
		{"gpt-4o-mini", tenant.ProviderOpenAI},
		{"o1-mini", tenant.ProviderOpenAI},
	}
	for _, tc := range cases {
		if got := providerForModel(tc.model); got != tc.want {
			t.Errorf("providerForModel(%q) = %s, want %s", tc.model, got, tc.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if n := estimateTokens(""); n != 0 {
		t.Errorf("empty text estimated at %d tokens", n)
	}
	n := estimateTokens("The quick brown fox jumps over the lazy dog.")
	if n < 5 || n > 20 {
		t.Errorf("estimate %d outside plausible range", n)
	}
}
