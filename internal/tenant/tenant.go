// Package tenant defines the tenant aggregate and the error taxonomy shared
// by the store, registration, signing, and broker layers.
package tenant

import (
	"context"
	"time"
)

// Provider identifies an upstream AI provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderAnthropic || p == ProviderOpenAI
}

// Tenant is the persistent record for one onboarded site.
// Secret material is only ever held sealed; the vault opens it on demand.
type Tenant struct {
	ID         string `db:"tenant_id"`
	APIKey     string `db:"api_key"`
	SiteURL    string `db:"site_url"`
	AdminEmail string `db:"admin_email"`

	// Domain is the normalized host derived from SiteURL at registration.
	// SiteHash binds the domain to the tenant id as an anti-swap check.
	Domain   string `db:"domain"`
	SiteHash string `db:"site_hash"`

	HMACSecretSealed    string     `db:"hmac_secret_sealed"`
	HMACSecretUpdatedAt *time.Time `db:"hmac_secret_updated_at"`

	AnthropicKeySealed    string     `db:"anthropic_key_sealed"`
	OpenAIKeySealed       string     `db:"openai_key_sealed"`
	ProviderKeysUpdatedAt *time.Time `db:"provider_keys_updated_at"`

	CreatedAt  time.Time  `db:"created_at"`
	LastSeenAt *time.Time `db:"last_seen_at"`
	IsActive   bool       `db:"is_active"`

	Metadata map[string]string `db:"-"`
}

// Draft is the transient record the registration coordinator holds between
// callback verification and a successful insert.
type Draft struct {
	ID               string
	APIKey           string
	SiteURL          string
	AdminEmail       string
	Domain           string
	SiteHash         string
	HMACSecretSealed string
	Metadata         map[string]string
}

// HMACContext is what the signature verifier needs for one tenant.
type HMACContext struct {
	SealedSecret string
	Domain       string
	SiteHash     string
	UpdatedAt    *time.Time
}

// ProviderKeys holds the sealed provider keys for one tenant. Empty string
// means no key is configured for that provider.
type ProviderKeys struct {
	Anthropic string
	OpenAI    string
	UpdatedAt *time.Time
}

// Sealed returns the sealed key for the given provider.
func (k ProviderKeys) Sealed(p Provider) string {
	switch p {
	case ProviderAnthropic:
		return k.Anthropic
	case ProviderOpenAI:
		return k.OpenAI
	}
	return ""
}

type contextKey struct{}

// NewContext returns a context carrying the authenticated tenant id.
func NewContext(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// FromContext retrieves the authenticated tenant id, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}
