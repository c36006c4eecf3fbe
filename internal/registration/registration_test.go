package registration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eaglechat/eaglechat-server/internal/storage/sqldb"
	"github.com/eaglechat/eaglechat-server/internal/tenant"
	"github.com/eaglechat/eaglechat-server/internal/vault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, attempts int, delay time.Duration) (*Coordinator, *sqldb.Store) {
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

	// Development mode so the coordinator may call the loopback mock origin.
	callback := NewCallbackClient(http.DefaultTransport, attempts, delay, discardLogger())
	return NewCoordinator(store, v, callback, true, discardLogger()), store
}

func verifyingOrigin(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wp-json/eaglechat-plugin/v1/verify" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterHappyPath(t *testing.T) {
	coord, store := newTestCoordinator(t, 3, 10*time.Millisecond)
	origin := verifyingOrigin(t, http.StatusOK, `{"verified": true}`)

	result, err := coord.Register(context.Background(), &Request{
		SiteURL:       origin.URL,
		AdminEmail:    "a@shop.example.com",
		CallbackToken: "t_0123456789abcdef0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := uuid.Parse(result.TenantID); err != nil {
		t.Errorf("tenant_id %q is not a UUID: %v", result.TenantID, err)
	}
	if !regexp.MustCompile(`^eck_[A-Za-z0-9_-]{44}$`).MatchString(result.APIKey) {
		t.Errorf("api_key %q does not match expected shape", result.APIKey)
	}
	if len(result.HMACSecret) != 64 {
		t.Errorf("hmac secret length = %d, want 64", len(result.HMACSecret))
	}

	ok, err := store.Validate(context.Background(), result.TenantID, result.APIKey)
	if err != nil || !ok {
		t.Errorf("minted credentials do not validate: %v %v", ok, err)
	}
}

func TestRegisterCallbackExhaustion(t *testing.T) {
	coord, store := newTestCoordinator(t, 3, 50*time.Millisecond)
	origin := verifyingOrigin(t, http.StatusInternalServerError, "")

	start := time.Now()
	_, err := coord.Register(context.Background(), &Request{
		SiteURL:       origin.URL,
		AdminEmail:    "a@shop.example.com",
		CallbackToken: "t_0123456789abcdef0123456789abcdef",
	})

	var cbErr *tenant.CallbackError
	if !errors.As(err, &cbErr) {
		t.Fatalf("got %v, want CallbackError", err)
	}
	if cbErr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", cbErr.Attempts)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("retries did not space out: elapsed %s", elapsed)
	}

	if exists, _ := store.SiteExists(context.Background(), origin.URL); exists {
		t.Error("failed registration left a tenant row")
	}
}

func TestRegisterRejectsUnverifiedReply(t *testing.T) {
	coord, _ := newTestCoordinator(t, 3, 10*time.Millisecond)
	origin := verifyingOrigin(t, http.StatusOK, `{"verified": false}`)

	_, err := coord.Register(context.Background(), &Request{
		SiteURL:       origin.URL,
		AdminEmail:    "a@shop.example.com",
		CallbackToken: "t_0123456789abcdef0123456789abcdef",
	})
	var cbErr *tenant.CallbackError
	if !errors.As(err, &cbErr) {
		t.Fatalf("got %v, want CallbackError", err)
	}
}

func TestRegisterDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	coord, _ := newTestCoordinator(t, 3, 10*time.Millisecond)
	_, err := coord.Register(context.Background(), &Request{
		SiteURL:       srv.URL,
		AdminEmail:    "a@shop.example.com",
		CallbackToken: "t_0123456789abcdef0123456789abcdef",
	})
	if err == nil {
		t.Fatal("registration succeeded against 403 origin")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("4xx reply retried %d times, want single attempt", n)
	}
}

func TestRegisterDuplicateSite(t *testing.T) {
	coord, _ := newTestCoordinator(t, 3, 10*time.Millisecond)
	origin := verifyingOrigin(t, http.StatusOK, `{"verified": true}`)

	req := &Request{
		SiteURL:       origin.URL,
		AdminEmail:    "first@example.com",
		CallbackToken: "t_0123456789abcdef0123456789abcdef",
	}
	if _, err := coord.Register(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	// Same site, different email, fresh token: still rejected.
	_, err := coord.Register(context.Background(), &Request{
		SiteURL:       origin.URL,
		AdminEmail:    "second@example.com",
		CallbackToken: "t_ffffffffffffffffffffffffffffffff",
	})
	var dup *tenant.DuplicateError
	if !errors.As(err, &dup) || dup.Kind != tenant.DuplicateSite {
		t.Errorf("got %v, want DuplicateTenant{site}", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	coord, _ := newTestCoordinator(t, 1, 0)

	cases := []struct {
		name string
		req  Request
	}{
		{"relative url", Request{SiteURL: "shop.example.com", AdminEmail: "a@b.com", CallbackToken: "t_0123456789abcdef"}},
		{"bad scheme", Request{SiteURL: "ftp://shop.example.com", AdminEmail: "a@b.com", CallbackToken: "t_0123456789abcdef"}},
		{"bad email", Request{SiteURL: "https://shop.example.com", AdminEmail: "not-an-email", CallbackToken: "t_0123456789abcdef"}},
		{"short token", Request{SiteURL: "https://shop.example.com", AdminEmail: "a@b.com", CallbackToken: "abc"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := coord.Register(context.Background(), &tc.req)
			var verr *tenant.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}
}

func TestDeriveDomainNormalization(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://Shop.Example.COM", "shop.example.com"},
		{"https://shop.example.com:443", "shop.example.com"},
		{"http://shop.example.com:80", "shop.example.com"},
		{"https://shop.example.com:8443", "shop.example.com:8443"},
		{"http://shop.example.com:8080/blog", "shop.example.com:8080"},
	}
	for _, tc := range cases {
		got, err := deriveDomain(tc.url, false)
		if err != nil {
			t.Errorf("deriveDomain(%q): %v", tc.url, err)
			continue
		}
		if got != tc.want {
			t.Errorf("deriveDomain(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestDeriveDomainBlocksPrivateTargets(t *testing.T) {
	private := []string{
		"https://localhost",
		"https://127.0.0.1",
		"https://10.1.2.3",
		"https://192.168.1.10:8080",
		"https://169.254.0.5",
		"https://printer.local",
	}
	for _, u := range private {
		if _, err := deriveDomain(u, false); err == nil {
			t.Errorf("deriveDomain(%q) allowed a private target in production mode", u)
		}
		if _, err := deriveDomain(u, true); err != nil {
			t.Errorf("deriveDomain(%q) blocked in development mode: %v", u, err)
		}
	}
}

func TestSiteHash(t *testing.T) {
	h := SiteHash("shop.example.com", "tenant-1")
	if len(h) != 64 {
		t.Errorf("site hash length = %d, want 64", len(h))
	}
	if h == SiteHash("shop.example.com", "tenant-2") {
		t.Error("site hash does not depend on tenant id")
	}
	if h != SiteHash("shop.example.com", "tenant-1") {
		t.Error("site hash is not deterministic")
	}
}
