// Package storage defines the persistence contracts consumed by the
// registration coordinator, signature verifier, provider-key broker, and chat
// surface. The sqldb subpackage implements them over SQLite and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/eaglechat/eaglechat-server/internal/tenant"
)

// TenantStore owns the persistent tenant record. Every write is a single
// atomic statement; uniqueness is enforced by storage constraints.
type TenantStore interface {
	// Insert persists a draft. On a uniqueness conflict it returns
	// *tenant.DuplicateError identifying the tripped invariant.
	Insert(ctx context.Context, draft *tenant.Draft) error

	// Validate checks credentials in constant time and touches last_seen_at
	// on success. It never indicates which field mismatched.
	Validate(ctx context.Context, tenantID, apiKey string) (bool, error)

	GetHMACContext(ctx context.Context, tenantID string) (*tenant.HMACContext, error)
	SetHMACContext(ctx context.Context, tenantID, sealedSecret, domain, siteHash string) error

	// SetProviderKey stores a sealed key, or clears it when sealed is nil.
	SetProviderKey(ctx context.Context, tenantID string, provider tenant.Provider, sealed *string) error
	GetProviderKeys(ctx context.Context, tenantID string) (*tenant.ProviderKeys, error)

	// Deactivate soft-deletes a tenant. Inactive tenants are skipped by all
	// lookups, which also hides their conversations.
	Deactivate(ctx context.Context, tenantID string) error

	SiteExists(ctx context.Context, siteURL string) (bool, error)
	EmailExists(ctx context.Context, adminEmail string) (bool, error)
}

// Conversation is one tenant-scoped chat session.
type Conversation struct {
	ID        string            `db:"id"`
	TenantID  string            `db:"tenant_id"`
	SessionID string            `db:"session_id"`
	UserIP    string            `db:"user_ip"`
	UserAgent string            `db:"user_agent"`
	CreatedAt time.Time         `db:"created_at"`
	UpdatedAt time.Time         `db:"updated_at"`
	Metadata  map[string]string `db:"-"`
}

// StoredMessage is one entry in a conversation's append-only log.
type StoredMessage struct {
	ID             string            `db:"id"`
	ConversationID string            `db:"conversation_id"`
	TenantID       string            `db:"tenant_id"`
	Role           string            `db:"role"`
	Content        string            `db:"content"`
	Timestamp      time.Time         `db:"ts"`
	Metadata       map[string]string `db:"-"`
}

// ConversationStore persists conversations and their messages.
// (tenant_id, session_id) identifies exactly one conversation.
type ConversationStore interface {
	// EnsureConversation returns the conversation for (tenantID, sessionID),
	// creating it if absent. Concurrent calls converge on one row.
	EnsureConversation(ctx context.Context, tenantID, sessionID, userIP, userAgent string) (*Conversation, error)

	AppendMessage(ctx context.Context, msg *StoredMessage) error

	// ListMessages returns messages in insertion order, newest last. A limit
	// of 0 means no limit.
	ListMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]StoredMessage, error)
}

// Store is the combined persistence surface the server wires up.
type Store interface {
	TenantStore
	ConversationStore
}
