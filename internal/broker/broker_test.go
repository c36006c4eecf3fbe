package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eaglechat/eaglechat-server/internal/storage/sqldb"
	"github.com/eaglechat/eaglechat-server/internal/tenant"
	"github.com/eaglechat/eaglechat-server/internal/vault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockProvider simulates an upstream API accepting exactly one key.
func mockProvider(t *testing.T, acceptKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("x-api-key")
		if auth == "" {
			auth = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if auth != acceptKey {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error": {"type": "authentication_error", "message": "invalid x-api-key"}}`)
			return
		}
		io.WriteString(w, `{"id": "msg_1", "model": "probe", "content": [{"type": "text", "text": "Hi"}], "usage": {"input_tokens": 1, "output_tokens": 1}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestBroker(t *testing.T, acceptKey string) (*Broker, *sqldb.Store, string) {
	t.Helper()
	store, err := sqldb.New(sqldb.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	v, err := vault.New([]byte("test-master"))
	if err != nil {
		t.Fatal(err)
	}

	draft := &tenant.Draft{
		ID:         "00000000-0000-4000-8000-000000000001",
		APIKey:     "eck_test",
		SiteURL:    "https://shop.example.com",
		AdminEmail: "a@shop.example.com",
		Domain:     "shop.example.com",
		SiteHash:   "hash",
	}
	if err := store.Insert(context.Background(), draft); err != nil {
		t.Fatal(err)
	}

	upstream := mockProvider(t, acceptKey)
	b := New(store, v, discardLogger(),
		WithAnthropicBaseURL(upstream.URL),
		WithOpenAIBaseURL(upstream.URL))
	return b, store, draft.ID
}

const validKey = "sk-ant-REDACTED"

func TestConfigureAndUse(t *testing.T) {
	b, store, tenantID := newTestBroker(t, validKey)
	ctx := context.Background()

	if err := b.Configure(ctx, tenantID, tenant.ProviderAnthropic, validKey); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// Stored form is sealed, not plaintext.
	keys, err := store.GetProviderKeys(ctx, tenantID)
	if err != nil {
		t.Fatal(err)
	}
	if keys.Anthropic == "" || strings.Contains(keys.Anthropic, validKey) {
		t.Errorf("stored key is missing or unsealed: %q", keys.Anthropic)
	}

	got, err := b.Use(ctx, tenantID, tenant.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if got != validKey {
		t.Errorf("Use = %q, want original key", got)
	}
}

func TestConfigureRejectsBadPrefix(t *testing.T) {
	b, _, tenantID := newTestBroker(t, validKey)
	ctx := context.Background()

	cases := []struct {
		provider tenant.Provider
		key      string
	}{
		{tenant.ProviderAnthropic, "sk-openai-shaped"},
		{tenant.ProviderAnthropic, "not-a-key"},
		{tenant.ProviderOpenAI, "sk-ant-REDACTED"},
		{tenant.ProviderOpenAI, "pk-wrong"},
	}
	for _, tc := range cases {
		err := b.Configure(ctx, tenantID, tc.provider, tc.key)
		if !errors.Is(err, tenant.ErrInvalidProviderKey) {
			t.Errorf("Configure(%s, %q): got %v, want ErrInvalidProviderKey", tc.provider, tc.key, err)
		}
	}
}

func TestConfigureRejectedByProvider(t *testing.T) {
	b, store, tenantID := newTestBroker(t, validKey)
	ctx := context.Background()

	err := b.Configure(ctx, tenantID, tenant.ProviderAnthropic, "sk-ant-invalid")
	if !errors.Is(err, tenant.ErrInvalidProviderKey) {
		t.Fatalf("got %v, want ErrInvalidProviderKey", err)
	}

	var pkErr *tenant.ProviderKeyError
	if !errors.As(err, &pkErr) || pkErr.Provider != tenant.ProviderAnthropic {
		t.Errorf("error does not carry provider name: %v", err)
	}

	// Store unchanged.
	keys, _ := store.GetProviderKeys(ctx, tenantID)
	if keys.Anthropic != "" {
		t.Error("rejected key was stored")
	}
}

func TestConfigureProbeUnavailable(t *testing.T) {
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

	// Point the probe at a closed port.
	b := New(store, v, discardLogger(), WithAnthropicBaseURL("http://127.0.0.1:1"))
	err = b.Configure(context.Background(), draft.ID, tenant.ProviderAnthropic, validKey)
	if !errors.Is(err, tenant.ErrProbeUnavailable) {
		t.Fatalf("got %v, want ErrProbeUnavailable", err)
	}

	keys, _ := store.GetProviderKeys(context.Background(), draft.ID)
	if keys.Anthropic != "" {
		t.Error("key stored despite unreachable probe")
	}
}

func TestMaskShape(t *testing.T) {
	b, _, tenantID := newTestBroker(t, validKey)
	ctx := context.Background()

	if err := b.Configure(ctx, tenantID, tenant.ProviderAnthropic, validKey); err != nil {
		t.Fatal(err)
	}

	masked, err := b.Mask(ctx, tenantID, tenant.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Mask: %v", err)
	}

	want := validKey[:8] + strings.Repeat("*", 12) + validKey[len(validKey)-4:]
	if masked != want {
		t.Errorf("mask = %q, want %q", masked, want)
	}
	if strings.Contains(masked, validKey[8:len(validKey)-4]) {
		t.Error("mask leaks middle of key")
	}
}

func TestRemoveThenUse(t *testing.T) {
	b, _, tenantID := newTestBroker(t, validKey)
	ctx := context.Background()

	if err := b.Configure(ctx, tenantID, tenant.ProviderAnthropic, validKey); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove(ctx, tenantID, tenant.ProviderAnthropic); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	_, err := b.Use(ctx, tenantID, tenant.ProviderAnthropic)
	if !errors.Is(err, tenant.ErrNoProviderKey) {
		t.Errorf("Use after Remove: got %v, want ErrNoProviderKey", err)
	}
}

func TestUseWithoutKey(t *testing.T) {
	b, _, tenantID := newTestBroker(t, validKey)

	_, err := b.Use(context.Background(), tenantID, tenant.ProviderOpenAI)
	if !errors.Is(err, tenant.ErrNoProviderKey) {
		t.Errorf("got %v, want ErrNoProviderKey", err)
	}
}

func TestStatus(t *testing.T) {
	b, _, tenantID := newTestBroker(t, validKey)
	ctx := context.Background()

	status, err := b.Status(ctx, tenantID)
	if err != nil {
		t.Fatal(err)
	}
	if status[tenant.ProviderAnthropic] || status[tenant.ProviderOpenAI] {
		t.Errorf("fresh tenant reports configured keys: %v", status)
	}

	if err := b.Configure(ctx, tenantID, tenant.ProviderAnthropic, validKey); err != nil {
		t.Fatal(err)
	}
	status, _ = b.Status(ctx, tenantID)
	if !status[tenant.ProviderAnthropic] || status[tenant.ProviderOpenAI] {
		t.Errorf("status after configure = %v", status)
	}
}
