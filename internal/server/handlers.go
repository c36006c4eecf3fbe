package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/eaglechat/eaglechat-server/internal/chat"
	"github.com/eaglechat/eaglechat-server/internal/registration"
	"github.com/eaglechat/eaglechat-server/internal/tenant"
	"github.com/eaglechat/eaglechat-server/internal/vault"
)

// credentials is the tenant_id / api_key pair carried by management requests.
type credentials struct {
	TenantID string `json:"tenant_id"`
	APIKey   string `json:"api_key"`
}

// requireCredentials validates the pair and returns false after writing the
// generic 401 when they don't match.
func (s *Server) requireCredentials(w http.ResponseWriter, r *http.Request, creds credentials) bool {
	if creds.TenantID == "" || creds.APIKey == "" {
		writeError(w, http.StatusBadRequest, "validation", "tenant_id and api_key are required")
		return false
	}
	ok, err := s.store.Validate(r.Context(), creds.TenantID, creds.APIKey)
	if err != nil {
		writeDomainError(r.Context(), w, s.logger, err)
		return false
	}
	if !ok {
		writeDomainError(r.Context(), w, s.logger, tenant.ErrInvalidCredentials)
		return false
	}
	AddLogField(r.Context(), "tenant_id", creds.TenantID)
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.apiTitle,
		"version": s.apiVersion,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registration.Request
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.coordinator.Register(r.Context(), &req)
	if err != nil {
		writeDomainError(r.Context(), w, s.logger, err)
		return
	}

	AddLogField(r.Context(), "tenant_id", result.TenantID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"tenant_id":   result.TenantID,
		"api_key":     result.APIKey,
		"hmac_secret": result.HMACSecret,
		"message":     "tenant registered successfully",
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if !decodeBody(w, r, &creds) {
		return
	}
	if !s.requireCredentials(w, r, creds) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"message": "credentials are valid",
	})
}

func (s *Server) handleConfigureHMAC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		credentials
		HMACSecret string `json:"hmac_secret"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireCredentials(w, r, req.credentials) {
		return
	}

	// Callers may supply their own secret; absent one, mint it here.
	secret := req.HMACSecret
	if secret == "" {
		secret = vault.NewHMACSecret()
	} else if len(secret) < 32 {
		writeError(w, http.StatusBadRequest, "validation", "hmac_secret must be at least 32 characters")
		return
	}

	hc, err := s.store.GetHMACContext(r.Context(), req.TenantID)
	if err != nil {
		writeDomainError(r.Context(), w, s.logger, err)
		return
	}

	sealed, err := s.vault.SealString(secret)
	if err != nil {
		writeDomainError(r.Context(), w, s.logger, err)
		return
	}
	if err := s.store.SetHMACContext(r.Context(), req.TenantID, sealed, hc.Domain, hc.SiteHash); err != nil {
		writeDomainError(r.Context(), w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"hmac_secret": secret,
		"site_hash":   hc.SiteHash,
		"message":     "hmac secret configured",
	})
}

func (s *Server) handleConfigureKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		credentials
		AnthropicAPIKey string `json:"anthropic_api_key"`
		OpenAIAPIKey    string `json:"openai_api_key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireCredentials(w, r, req.credentials) {
		return
	}
	if req.AnthropicAPIKey == "" && req.OpenAIAPIKey == "" {
		writeError(w, http.StatusBadRequest, "validation", "at least one provider key is required")
		return
	}

	configured := []string{}
	for _, target := range []struct {
		provider tenant.Provider
		key      string
	}{
		{tenant.ProviderAnthropic, req.AnthropicAPIKey},
		{tenant.ProviderOpenAI, req.OpenAIAPIKey},
	} {
		if target.key == "" {
			continue
		}
		if err := s.broker.Configure(r.Context(), req.TenantID, target.provider, target.key); err != nil {
			writeDomainError(r.Context(), w, s.logger, err)
			return
		}
		configured = append(configured, string(target.provider))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"configured": configured,
	})
}

func (s *Server) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if !decodeBody(w, r, &creds) {
		return
	}
	if !s.requireCredentials(w, r, creds) {
		return
	}

	status, err := s.broker.Status(r.Context(), creds.TenantID)
	if err != nil {
		writeDomainError(r.Context(), w, s.logger, err)
		return
	}

	masked := map[string]string{}
	for provider, ok := range status {
		if !ok {
			continue
		}
		m, err := s.broker.Mask(r.Context(), creds.TenantID, provider)
		if err != nil {
			writeDomainError(r.Context(), w, s.logger, err)
			return
		}
		masked[string(provider)] = m
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":              true,
		"anthropic_configured": status[tenant.ProviderAnthropic],
		"openai_configured":    status[tenant.ProviderOpenAI],
		"masked_keys":          masked,
	})
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		credentials
		Provider string `json:"provider"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireCredentials(w, r, req.credentials) {
		return
	}

	provider := tenant.Provider(req.Provider)
	if !provider.Valid() {
		writeError(w, http.StatusBadRequest, "validation", "provider must be anthropic or openai")
		return
	}

	if err := s.broker.Remove(r.Context(), req.TenantID, provider); err != nil {
		writeDomainError(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "provider key removed",
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		credentials
		SessionID string      `json:"session_id"`
		Message   string      `json:"message"`
		Config    chat.Config `json:"ai_config"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	// The envelope already authenticated this tenant; the credential check
	// defends the second factor the same way the management surface does.
	if !s.requireCredentials(w, r, req.credentials) {
		return
	}
	if ctxTenant, ok := tenant.FromContext(r.Context()); !ok || ctxTenant != req.TenantID {
		writeDomainError(r.Context(), w, s.logger, tenant.ErrInvalidCredentials)
		return
	}

	resp, err := s.chat.Chat(r.Context(), &chat.Request{
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		Message:   req.Message,
		Config:    req.Config,
		UserIP:    clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeDomainError(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		credentials
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireCredentials(w, r, req.credentials) {
		return
	}
	if ctxTenant, ok := tenant.FromContext(r.Context()); !ok || ctxTenant != req.TenantID {
		writeDomainError(r.Context(), w, s.logger, tenant.ErrInvalidCredentials)
		return
	}

	messages, err := s.chat.History(r.Context(), req.TenantID, req.SessionID, req.Limit)
	if err != nil {
		writeDomainError(r.Context(), w, s.logger, err)
		return
	}

	type wireMessage struct {
		Role      string            `json:"role"`
		Content   string            `json:"content"`
		Timestamp string            `json:"ts"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, wireMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
			Metadata:  m.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": req.SessionID,
		"messages":   out,
	})
}
