package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/eaglechat/eaglechat-server/internal/metrics"
	"github.com/eaglechat/eaglechat-server/internal/signing"
	"github.com/eaglechat/eaglechat-server/internal/storage"
	"github.com/eaglechat/eaglechat-server/internal/tenant"
	"github.com/eaglechat/eaglechat-server/internal/vault"
)

// maxSignedBodyBytes caps how much of a protected request body is buffered
// for signature verification.
const maxSignedBodyBytes = 1 << 20

// HMACAuthMiddleware verifies the signature envelope on protected routes. The
// signed string covers the raw body, so the body is buffered and restored for the
// downstream handler. On success the tenant id is attached to the context.
func HMACAuthMiddleware(store storage.TenantStore, v *vault.Vault, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			env, err := signing.ParseEnvelope(r.Header.Get)
			if err != nil {
				metrics.SignatureFailuresTotal.WithLabelValues("bad_envelope").Inc()
				AddError(r.Context(), err)
				writeError(w, http.StatusBadRequest, "validation", "signature envelope required")
				return
			}

			if !env.FreshAt(time.Now()) {
				metrics.SignatureFailuresTotal.WithLabelValues("stale_timestamp").Inc()
				writeDomainError(r.Context(), w, logger, tenant.ErrStaleTimestamp)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
			if err != nil || len(body) > maxSignedBodyBytes {
				writeError(w, http.StatusBadRequest, "validation", "unreadable or oversized request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			// The tenant identifies itself in the signed body; the signature
			// proves it holds that tenant's secret.
			var identity struct {
				TenantID string `json:"tenant_id"`
			}
			if err := json.Unmarshal(body, &identity); err != nil || identity.TenantID == "" {
				writeError(w, http.StatusBadRequest, "validation", "tenant_id is required")
				return
			}

			hc, err := store.GetHMACContext(r.Context(), identity.TenantID)
			if err != nil {
				metrics.SignatureFailuresTotal.WithLabelValues("unknown_tenant").Inc()
				writeDomainError(r.Context(), w, logger, err)
				return
			}
			if hc.SealedSecret == "" {
				metrics.SignatureFailuresTotal.WithLabelValues("not_configured").Inc()
				writeDomainError(r.Context(), w, logger, tenant.ErrHmacNotConfigured)
				return
			}

			secret, err := v.OpenString(hc.SealedSecret)
			if err != nil {
				writeDomainError(r.Context(), w, logger, err)
				return
			}

			if !env.Verify(secret, body) {
				metrics.SignatureFailuresTotal.WithLabelValues("bad_signature").Inc()
				logger.Warn("signature verification failed",
					slog.String("tenant_id", identity.TenantID),
					slog.String("request_id", GetRequestID(r.Context())))
				writeDomainError(r.Context(), w, logger, tenant.ErrBadSignature)
				return
			}

			ctx := tenant.NewContext(r.Context(), identity.TenantID)
			AddLogField(ctx, "tenant_id", identity.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
