// Package broker validates, seals, and serves tenant provider keys. Plaintext
// exists only in request scope: storage and the read-through cache hold sealed
// ciphertext exclusively.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eaglechat/eaglechat-server/internal/api/anthropic"
	"github.com/eaglechat/eaglechat-server/internal/api/openai"
	"github.com/eaglechat/eaglechat-server/internal/storage"
	"github.com/eaglechat/eaglechat-server/internal/tenant"
	"github.com/eaglechat/eaglechat-server/internal/vault"
)

const (
	anthropicKeyPrefix = "sk-ant-"
	openaiKeyPrefix    = "sk-"

	probeTimeout = 15 * time.Second

	// maskRun is fixed regardless of key length to avoid leaking length.
	maskRun = 12
)

// Broker owns provider-key lifecycle for all tenants.
type Broker struct {
	store  storage.TenantStore
	vault  *vault.Vault
	logger *slog.Logger

	anthropicBaseURL string
	openaiBaseURL    string
	probeClient      *http.Client

	mu    sync.RWMutex
	cache map[string]map[tenant.Provider]string // tenant -> provider -> sealed
}

// Option configures the broker.
type Option func(*Broker)

// WithAnthropicBaseURL points probes and chat at a custom Anthropic endpoint.
func WithAnthropicBaseURL(u string) Option {
	return func(b *Broker) { b.anthropicBaseURL = u }
}

// WithOpenAIBaseURL points probes and chat at a custom OpenAI endpoint.
func WithOpenAIBaseURL(u string) Option {
	return func(b *Broker) { b.openaiBaseURL = u }
}

// New creates a provider-key broker.
func New(store storage.TenantStore, v *vault.Vault, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		store:       store,
		vault:       v,
		logger:      logger,
		probeClient: &http.Client{Timeout: probeTimeout},
		cache:       make(map[string]map[tenant.Provider]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configure validates a plaintext key against its provider, then seals and
// persists it. Nothing is stored unless the probe succeeds.
func (b *Broker) Configure(ctx context.Context, tenantID string, provider tenant.Provider, plaintextKey string) error {
	if err := checkPrefix(provider, plaintextKey); err != nil {
		return err
	}

	if err := b.probe(ctx, provider, plaintextKey); err != nil {
		return err
	}

	sealed, err := b.vault.SealString(plaintextKey)
	if err != nil {
		return fmt.Errorf("seal provider key: %w", err)
	}
	if err := b.store.SetProviderKey(ctx, tenantID, provider, &sealed); err != nil {
		return err
	}

	b.mu.Lock()
	if b.cache[tenantID] == nil {
		b.cache[tenantID] = make(map[tenant.Provider]string)
	}
	b.cache[tenantID][provider] = sealed
	b.mu.Unlock()

	b.logger.Info("provider key configured",
		slog.String("tenant_id", tenantID),
		slog.String("provider", string(provider)))
	return nil
}

// Use returns a short-lived plaintext copy of the tenant's key for one
// outbound call. Callers must discard it after use.
func (b *Broker) Use(ctx context.Context, tenantID string, provider tenant.Provider) (string, error) {
	sealed, err := b.sealedKey(ctx, tenantID, provider)
	if err != nil {
		return "", err
	}
	if sealed == "" {
		return "", &tenant.ProviderKeyError{Provider: provider, Err: tenant.ErrNoProviderKey}
	}
	plaintext, err := b.vault.OpenString(sealed)
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// Mask returns the display form of the tenant's key: first 8 and last 4
// characters around a fixed run of asterisks. Never plaintext.
func (b *Broker) Mask(ctx context.Context, tenantID string, provider tenant.Provider) (string, error) {
	plaintext, err := b.Use(ctx, tenantID, provider)
	if err != nil {
		return "", err
	}
	return maskKey(plaintext), nil
}

// Remove clears the sealed key and invalidates the cache entry.
func (b *Broker) Remove(ctx context.Context, tenantID string, provider tenant.Provider) error {
	if !provider.Valid() {
		return &tenant.ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", provider)}
	}
	if err := b.store.SetProviderKey(ctx, tenantID, provider, nil); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.cache[tenantID], provider)
	b.mu.Unlock()

	b.logger.Info("provider key removed",
		slog.String("tenant_id", tenantID),
		slog.String("provider", string(provider)))
	return nil
}

// Status reports which providers have keys configured, without decrypting.
func (b *Broker) Status(ctx context.Context, tenantID string) (map[tenant.Provider]bool, error) {
	keys, err := b.store.GetProviderKeys(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return map[tenant.Provider]bool{
		tenant.ProviderAnthropic: keys.Anthropic != "",
		tenant.ProviderOpenAI:    keys.OpenAI != "",
	}, nil
}

// AnthropicBaseURL exposes the configured override for the chat surface.
func (b *Broker) AnthropicBaseURL() string { return b.anthropicBaseURL }

// OpenAIBaseURL exposes the configured override for the chat surface.
func (b *Broker) OpenAIBaseURL() string { return b.openaiBaseURL }

func (b *Broker) sealedKey(ctx context.Context, tenantID string, provider tenant.Provider) (string, error) {
	b.mu.RLock()
	if sealed, ok := b.cache[tenantID][provider]; ok {
		b.mu.RUnlock()
		return sealed, nil
	}
	b.mu.RUnlock()

	keys, err := b.store.GetProviderKeys(ctx, tenantID)
	if err != nil {
		return "", err
	}
	sealed := keys.Sealed(provider)
	if sealed != "" {
		b.mu.Lock()
		if b.cache[tenantID] == nil {
			b.cache[tenantID] = make(map[tenant.Provider]string)
		}
		b.cache[tenantID][provider] = sealed
		b.mu.Unlock()
	}
	return sealed, nil
}

func (b *Broker) probe(ctx context.Context, provider tenant.Provider, key string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var err error
	switch provider {
	case tenant.ProviderAnthropic:
		opts := []anthropic.ClientOption{anthropic.WithHTTPClient(b.probeClient)}
		if b.anthropicBaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(b.anthropicBaseURL))
		}
		err = anthropic.NewClient(key, opts...).Probe(ctx)
	case tenant.ProviderOpenAI:
		opts := []openai.ClientOption{openai.WithHTTPClient(b.probeClient)}
		if b.openaiBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(b.openaiBaseURL))
		}
		err = openai.NewClient(key, opts...).Probe(ctx)
	default:
		return &tenant.ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", provider)}
	}
	if err == nil {
		return nil
	}
	return classifyProbeError(provider, err)
}

// classifyProbeError maps upstream outcomes onto the error taxonomy. A rate
// limit during validation means the key is live, so it counts as success.
func classifyProbeError(provider tenant.Provider, err error) error {
	status := 0
	var aerr *anthropic.APIError
	var oerr *openai.APIError
	switch {
	case errors.As(err, &aerr):
		status = aerr.StatusCode
	case errors.As(err, &oerr):
		status = oerr.StatusCode
	default:
		return &tenant.ProviderKeyError{Provider: provider, Err: fmt.Errorf("%w: %v", tenant.ErrProbeUnavailable, err)}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &tenant.ProviderKeyError{Provider: provider, Err: tenant.ErrInvalidProviderKey}
	case status >= 500:
		return &tenant.ProviderKeyError{Provider: provider, Err: fmt.Errorf("%w: upstream status %d", tenant.ErrProbeUnavailable, status)}
	default:
		return &tenant.ProviderKeyError{Provider: provider, Err: fmt.Errorf("%w: upstream status %d", tenant.ErrInvalidProviderKey, status)}
	}
}

func checkPrefix(provider tenant.Provider, key string) error {
	switch provider {
	case tenant.ProviderAnthropic:
		if !strings.HasPrefix(key, anthropicKeyPrefix) {
			return &tenant.ProviderKeyError{Provider: provider,
				Err: fmt.Errorf("%w: key must start with %q", tenant.ErrInvalidProviderKey, anthropicKeyPrefix)}
		}
	case tenant.ProviderOpenAI:
		if !strings.HasPrefix(key, openaiKeyPrefix) || strings.HasPrefix(key, anthropicKeyPrefix) {
			return &tenant.ProviderKeyError{Provider: provider,
				Err: fmt.Errorf("%w: key must start with %q", tenant.ErrInvalidProviderKey, openaiKeyPrefix)}
		}
	default:
		return &tenant.ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", provider)}
	}
	return nil
}

func maskKey(key string) string {
	if len(key) <= maskRun {
		return strings.Repeat("*", maskRun)
	}
	return key[:8] + strings.Repeat("*", maskRun) + key[len(key)-4:]
}
