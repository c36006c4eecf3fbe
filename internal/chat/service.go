// Package chat proxies tenant chat requests to the tenant's configured
// provider and maintains the conversation log. It is a thin consumer of the
// broker and storage contracts; all authentication happens before it runs.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/eaglechat/eaglechat-server/internal/api/anthropic"
	"github.com/eaglechat/eaglechat-server/internal/api/openai"
	"github.com/eaglechat/eaglechat-server/internal/broker"
	"github.com/eaglechat/eaglechat-server/internal/storage"
	"github.com/eaglechat/eaglechat-server/internal/tenant"
)

const (
	defaultAnthropicModel = "claude-3-haiku-20240307"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultMaxTokens      = 1024

	// historyLimit bounds how much context is replayed to the provider.
	historyLimit = 40
)

// Config carries the tunables a tenant may send per request.
type Config struct {
	Model              string   `json:"model,omitempty"`
	Temperature        *float32 `json:"temperature,omitempty"`
	MaxTokens          int      `json:"max_tokens,omitempty"`
	ConversationMemory bool     `json:"conversation_memory"`
}

// Request is one chat turn from a tenant site.
type Request struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Config    Config `json:"ai_config"`

	UserIP    string `json:"-"`
	UserAgent string `json:"-"`
}

// Response is the assistant reply returned to the site.
type Response struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// Service executes chat turns.
type Service struct {
	store  storage.Store
	broker *broker.Broker
	logger *slog.Logger
}

// NewService wires the chat dependencies.
func NewService(store storage.Store, b *broker.Broker, logger *slog.Logger) *Service {
	return &Service{store: store, broker: b, logger: logger}
}

// Chat runs one turn: resolve provider and key, replay history when memory is
// on, call upstream, and append both sides to the conversation log. The
// decrypted provider key lives only for the duration of the outbound call.
func (s *Service) Chat(ctx context.Context, req *Request) (*Response, error) {
	if req.SessionID == "" {
		return nil, &tenant.ValidationError{Field: "session_id", Message: "is required"}
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, &tenant.ValidationError{Field: "message", Message: "is required"}
	}

	provider := providerForModel(req.Config.Model)
	key, err := s.broker.Use(ctx, req.TenantID, provider)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.EnsureConversation(ctx, req.TenantID, req.SessionID, req.UserIP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	var history []storage.StoredMessage
	if req.Config.ConversationMemory {
		history, err = s.store.ListMessages(ctx, req.TenantID, req.SessionID, historyLimit)
		if err != nil {
			return nil, err
		}
	}

	reply, model, used, err := s.complete(ctx, provider, key, req, history)
	if err != nil {
		return nil, fmt.Errorf("provider call: %w", err)
	}

	now := time.Now().UTC()
	userMsg := &storage.StoredMessage{
		ConversationID: conv.ID,
		TenantID:       req.TenantID,
		Role:           "user",
		Content:        req.Message,
		Timestamp:      now,
		Metadata: map[string]string{
			"estimated_tokens": strconv.Itoa(estimateTokens(req.Message)),
		},
	}
	assistantMsg := &storage.StoredMessage{
		ConversationID: conv.ID,
		TenantID:       req.TenantID,
		Role:           "assistant",
		Content:        reply,
		Timestamp:      now.Add(time.Millisecond),
		Metadata: map[string]string{
			"provider":      string(provider),
			"model":         model,
			"input_tokens":  strconv.Itoa(used.input),
			"output_tokens": strconv.Itoa(used.output),
		},
	}
	for _, msg := range []*storage.StoredMessage{userMsg, assistantMsg} {
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			// The reply already exists; losing the transcript entry is
			// recoverable, dropping the reply is not.
			s.logger.Error("failed to persist message",
				slog.String("tenant_id", req.TenantID),
				slog.String("error", err.Error()))
		}
	}

	return &Response{
		Reply:     reply,
		SessionID: req.SessionID,
		Provider:  string(provider),
		Model:     model,
	}, nil
}

// History returns the conversation log for a session.
func (s *Service) History(ctx context.Context, tenantID, sessionID string, limit int) ([]storage.StoredMessage, error) {
	if sessionID == "" {
		return nil, &tenant.ValidationError{Field: "session_id", Message: "is required"}
	}
	return s.store.ListMessages(ctx, tenantID, sessionID, limit)
}

type usage struct {
	input, output int
}

func (s *Service) complete(ctx context.Context, provider tenant.Provider, key string, req *Request, history []storage.StoredMessage) (string, string, usage, error) {
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	switch provider {
	case tenant.ProviderAnthropic:
		model := req.Config.Model
		if model == "" {
			model = defaultAnthropicModel
		}
		messages := make([]anthropic.Message, 0, len(history)+1)
		for _, m := range history {
			messages = append(messages, anthropic.Message{Role: m.Role, Content: m.Content})
		}
		messages = append(messages, anthropic.Message{Role: "user", Content: req.Message})

		opts := []anthropic.ClientOption{}
		if u := s.broker.AnthropicBaseURL(); u != "" {
			opts = append(opts, anthropic.WithBaseURL(u))
		}
		resp, err := anthropic.NewClient(key, opts...).CreateMessage(ctx, &anthropic.MessagesRequest{
			Model:       model,
			MaxTokens:   maxTokens,
			Messages:    messages,
			Temperature: req.Config.Temperature,
		})
		if err != nil {
			return "", "", usage{}, err
		}
		return resp.Text(), resp.Model, usage{resp.Usage.InputTokens, resp.Usage.OutputTokens}, nil

	case tenant.ProviderOpenAI:
		model := req.Config.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		messages := make([]openai.ChatMessage, 0, len(history)+1)
		for _, m := range history {
			messages = append(messages, openai.ChatMessage{Role: m.Role, Content: m.Content})
		}
		messages = append(messages, openai.ChatMessage{Role: "user", Content: req.Message})

		opts := []openai.ClientOption{}
		if u := s.broker.OpenAIBaseURL(); u != "" {
			opts = append(opts, openai.WithBaseURL(u))
		}
		resp, err := openai.NewClient(key, opts...).CreateChatCompletion(ctx, &openai.ChatCompletionRequest{
			Model:       model,
			MaxTokens:   maxTokens,
			Messages:    messages,
			Temperature: req.Config.Temperature,
		})
		if err != nil {
			return "", "", usage{}, err
		}
		return resp.Text(), resp.Model, usage{resp.Usage.PromptTokens, resp.Usage.CompletionTokens}, nil
	}
	return "", "", usage{}, &tenant.ValidationError{Field: "model", Message: "no provider for model"}
}

// providerForModel routes by model prefix; Anthropic is the default the
// WordPress plugin ships with.
func providerForModel(model string) tenant.Provider {
	if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") {
		return tenant.ProviderOpenAI
	}
	return tenant.ProviderAnthropic
}
