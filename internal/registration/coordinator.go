// Package registration orchestrates the three-party onboarding handshake:
// validate the request, prove the caller controls the claimed origin via
// callback attestation, then mint and persist credentials.
package registration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/eaglechat/eaglechat-server/internal/storage"
	"github.com/eaglechat/eaglechat-server/internal/tenant"
	"github.com/eaglechat/eaglechat-server/internal/vault"
)

// Result carries the credentials minted for a newly registered tenant. The
// HMAC secret is returned exactly once; only its sealed form is persisted.
type Result struct {
	TenantID   string `json:"tenant_id"`
	APIKey     string `json:"api_key"`
	HMACSecret string `json:"hmac_secret"`
}

// Coordinator runs the registration state machine.
type Coordinator struct {
	store           storage.TenantStore
	vault           *vault.Vault
	callback        *CallbackClient
	developmentMode bool
	logger          *slog.Logger
}

// NewCoordinator wires the registration dependencies.
func NewCoordinator(store storage.TenantStore, v *vault.Vault, callback *CallbackClient, developmentMode bool, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:           store,
		vault:           v,
		callback:        callback,
		developmentMode: developmentMode,
		logger:          logger,
	}
}

// Register executes Accepted → Verifying → Verified → Persisted.
//
// Duplicates are rejected before the callback so known-bad requests don't burn
// remote capacity, and credentials are minted only after verification so a
// transient origin outage never leaks credentials into storage. The insert
// re-checks uniqueness atomically; a race surfaces as the same DuplicateError.
func (c *Coordinator) Register(ctx context.Context, req *Request) (*Result, error) {
	siteURL, domain, err := req.validate(c.developmentMode)
	if err != nil {
		return nil, err
	}

	if exists, err := c.store.SiteExists(ctx, siteURL); err != nil {
		return nil, err
	} else if exists {
		return nil, &tenant.DuplicateError{Kind: tenant.DuplicateSite}
	}
	if exists, err := c.store.EmailExists(ctx, req.AdminEmail); err != nil {
		return nil, err
	} else if exists {
		return nil, &tenant.DuplicateError{Kind: tenant.DuplicateEmail}
	}

	if err := c.callback.Verify(ctx, siteURL, req.CallbackToken); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.logger.Warn("callback attestation failed",
			slog.String("site_url", siteURL),
			slog.String("error", err.Error()))
		return nil, &tenant.CallbackError{Reason: err.Error(), Attempts: c.callback.Attempts()}
	}

	tenantID := uuid.New().String()
	apiKey := vault.NewAPIKey()
	hmacSecret := vault.NewHMACSecret()

	sealedSecret, err := c.vault.SealString(hmacSecret)
	if err != nil {
		return nil, fmt.Errorf("seal hmac secret: %w", err)
	}

	draft := &tenant.Draft{
		ID:               tenantID,
		APIKey:           apiKey,
		SiteURL:          siteURL,
		AdminEmail:       req.AdminEmail,
		Domain:           domain,
		SiteHash:         SiteHash(domain, tenantID),
		HMACSecretSealed: sealedSecret,
	}

	if err := c.store.Insert(ctx, draft); err != nil {
		return nil, err
	}

	c.logger.Info("tenant registered",
		slog.String("tenant_id", tenantID),
		slog.String("domain", domain))

	return &Result{TenantID: tenantID, APIKey: apiKey, HMACSecret: hmacSecret}, nil
}

// SiteHash binds a domain to a tenant id: SHA-256(domain ‖ tenant_id), hex.
// It serves as an anti-swap check when a tenant's site URL changes.
func SiteHash(domain, tenantID string) string {
	sum := sha256.Sum256([]byte(domain + tenantID))
	return hex.EncodeToString(sum[:])
}
