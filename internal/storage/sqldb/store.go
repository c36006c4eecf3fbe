// Package sqldb implements the storage contracts over SQLite and PostgreSQL
// through the dialect abstraction.
package sqldb

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/eaglechat/eaglechat-server/internal/storage"
	"github.com/eaglechat/eaglechat-server/internal/storage/dialect"
	"github.com/eaglechat/eaglechat-server/internal/tenant"
)

// Store is a SQL implementation of storage.Store.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.Store = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite, postgres; inferred from DSN when empty
	DSN    string
}

// New opens the database, runs dialect initialization, and ensures the schema.
func New(cfg Config) (*Store, error) {
	var d dialect.Dialect
	var err error
	if cfg.Driver != "" {
		d, err = dialect.FromDriverName(cfg.Driver)
		if err != nil {
			return nil, err
		}
	} else {
		d = dialect.FromDSN(cfg.DSN)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	d := s.dialect
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tenants (
			tenant_id %[1]s PRIMARY KEY,
			api_key %[1]s NOT NULL,
			site_url %[1]s NOT NULL,
			admin_email %[1]s NOT NULL,
			domain %[1]s NOT NULL,
			site_hash %[1]s NOT NULL,
			hmac_secret_sealed %[1]s,
			hmac_secret_updated_at %[2]s,
			anthropic_key_sealed %[1]s,
			openai_key_sealed %[1]s,
			provider_keys_updated_at %[2]s,
			created_at %[2]s NOT NULL,
			last_seen_at %[2]s,
			is_active %[3]s NOT NULL DEFAULT %[4]s,
			metadata %[1]s
		)`, d.TextType(), d.TimestampType(), d.BooleanType(), d.BooleanLiteral(true)),
		// Uniqueness is scoped to active tenants so a deactivated site can
		// re-register. api_key stays globally unique.
		`CREATE UNIQUE INDEX IF NOT EXISTS tenants_api_key_idx ON tenants(api_key)`,
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS tenants_site_url_idx ON tenants(site_url) WHERE is_active = %s`, d.BooleanLiteral(true)),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS tenants_admin_email_idx ON tenants(admin_email) WHERE is_active = %s`, d.BooleanLiteral(true)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversations (
			id %[1]s PRIMARY KEY,
			tenant_id %[1]s NOT NULL,
			session_id %[1]s NOT NULL,
			user_ip %[1]s,
			user_agent %[1]s,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL,
			metadata %[1]s
		)`, d.TextType(), d.TimestampType()),
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_tenant_session_idx ON conversations(tenant_id, session_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id %[1]s PRIMARY KEY,
			conversation_id %[1]s NOT NULL,
			tenant_id %[1]s NOT NULL,
			role %[1]s NOT NULL,
			content %[1]s NOT NULL,
			ts %[2]s NOT NULL,
			metadata %[1]s
		)`, d.TextType(), d.TimestampType()),
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS messages_tenant_idx ON messages(tenant_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement: %w", err)
		}
	}
	return nil
}

// duplicateKind maps a violated column back to the spec's invariant kinds.
func duplicateKind(column string) tenant.DuplicateKind {
	switch column {
	case "site_url":
		return tenant.DuplicateSite
	case "admin_email":
		return tenant.DuplicateEmail
	case "api_key":
		return tenant.DuplicateAPIKey
	default:
		// primary key violations surface as tenant_id / tenants / pkey
		return tenant.DuplicateID
	}
}

func (s *Store) Insert(ctx context.Context, draft *tenant.Draft) error {
	metadata, err := json.Marshal(draft.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var sealedAt interface{}
	if draft.HMACSecretSealed != "" {
		sealedAt = time.Now().UTC()
	}

	query := s.dialect.Rebind(`INSERT INTO tenants
		(tenant_id, api_key, site_url, admin_email, domain, site_hash,
		 hmac_secret_sealed, hmac_secret_updated_at, created_at, is_active, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ` + s.dialect.BooleanLiteral(true) + `, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		draft.ID, draft.APIKey, draft.SiteURL, draft.AdminEmail, draft.Domain,
		draft.SiteHash, nullable(draft.HMACSecretSealed), sealedAt,
		time.Now().UTC(), string(metadata))
	if err != nil {
		if col, ok := s.dialect.UniqueViolationColumn(err); ok {
			return &tenant.DuplicateError{Kind: duplicateKind(col)}
		}
		return storeErr("insert tenant", err)
	}
	return nil
}

func (s *Store) Validate(ctx context.Context, tenantID, apiKey string) (bool, error) {
	var stored string
	query := s.dialect.Rebind(
		`SELECT api_key FROM tenants WHERE tenant_id = ? AND is_active = ` + s.dialect.BooleanLiteral(true))
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&stored)

	// Hash both sides before comparing so the check is constant-time and
	// length-independent, and run it even for unknown tenants against a
	// dummy value so lookup misses are not distinguishable by timing.
	candidate := sha256.Sum256([]byte(apiKey))
	reference := sha256.Sum256([]byte(stored))
	match := subtle.ConstantTimeCompare(candidate[:], reference[:]) == 1

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, storeErr("validate tenant", err)
	}
	if !match {
		return false, nil
	}

	touch := s.dialect.Rebind(`UPDATE tenants SET last_seen_at = ? WHERE tenant_id = ?`)
	if _, err := s.db.ExecContext(ctx, touch, time.Now().UTC(), tenantID); err != nil {
		return false, storeErr("touch last_seen_at", err)
	}
	return true, nil
}

func (s *Store) GetHMACContext(ctx context.Context, tenantID string) (*tenant.HMACContext, error) {
	var row struct {
		Sealed    sql.NullString `db:"hmac_secret_sealed"`
		Domain    string         `db:"domain"`
		SiteHash  string         `db:"site_hash"`
		UpdatedAt sql.NullTime   `db:"hmac_secret_updated_at"`
	}
	query := s.dialect.Rebind(`SELECT hmac_secret_sealed, domain, site_hash, hmac_secret_updated_at
		FROM tenants WHERE tenant_id = ? AND is_active = ` + s.dialect.BooleanLiteral(true))
	if err := s.db.GetContext(ctx, &row, query, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tenant.ErrNotFound
		}
		return nil, storeErr("get hmac context", err)
	}

	hc := &tenant.HMACContext{
		SealedSecret: row.Sealed.String,
		Domain:       row.Domain,
		SiteHash:     row.SiteHash,
	}
	if row.UpdatedAt.Valid {
		t := row.UpdatedAt.Time
		hc.UpdatedAt = &t
	}
	return hc, nil
}

func (s *Store) SetHMACContext(ctx context.Context, tenantID, sealedSecret, domain, siteHash string) error {
	query := s.dialect.Rebind(`UPDATE tenants
		SET hmac_secret_sealed = ?, domain = ?, site_hash = ?, hmac_secret_updated_at = ?
		WHERE tenant_id = ? AND is_active = ` + s.dialect.BooleanLiteral(true))
	res, err := s.db.ExecContext(ctx, query, sealedSecret, domain, siteHash, time.Now().UTC(), tenantID)
	if err != nil {
		return storeErr("set hmac context", err)
	}
	return requireRow(res)
}

func (s *Store) SetProviderKey(ctx context.Context, tenantID string, provider tenant.Provider, sealed *string) error {
	var column string
	switch provider {
	case tenant.ProviderAnthropic:
		column = "anthropic_key_sealed"
	case tenant.ProviderOpenAI:
		column = "openai_key_sealed"
	default:
		return &tenant.ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", provider)}
	}

	query := s.dialect.Rebind(fmt.Sprintf(`UPDATE tenants
		SET %s = ?, provider_keys_updated_at = ?
		WHERE tenant_id = ? AND is_active = `, column) + s.dialect.BooleanLiteral(true))
	var value interface{}
	if sealed != nil {
		value = *sealed
	}
	res, err := s.db.ExecContext(ctx, query, value, time.Now().UTC(), tenantID)
	if err != nil {
		return storeErr("set provider key", err)
	}
	return requireRow(res)
}

func (s *Store) GetProviderKeys(ctx context.Context, tenantID string) (*tenant.ProviderKeys, error) {
	var row struct {
		Anthropic sql.NullString `db:"anthropic_key_sealed"`
		OpenAI    sql.NullString `db:"openai_key_sealed"`
		UpdatedAt sql.NullTime   `db:"provider_keys_updated_at"`
	}
	query := s.dialect.Rebind(`SELECT anthropic_key_sealed, openai_key_sealed, provider_keys_updated_at
		FROM tenants WHERE tenant_id = ? AND is_active = ` + s.dialect.BooleanLiteral(true))
	if err := s.db.GetContext(ctx, &row, query, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tenant.ErrNotFound
		}
		return nil, storeErr("get provider keys", err)
	}

	keys := &tenant.ProviderKeys{
		Anthropic: row.Anthropic.String,
		OpenAI:    row.OpenAI.String,
	}
	if row.UpdatedAt.Valid {
		t := row.UpdatedAt.Time
		keys.UpdatedAt = &t
	}
	return keys, nil
}

func (s *Store) Deactivate(ctx context.Context, tenantID string) error {
	query := s.dialect.Rebind(`UPDATE tenants SET is_active = ` + s.dialect.BooleanLiteral(false) +
		` WHERE tenant_id = ? AND is_active = ` + s.dialect.BooleanLiteral(true))
	res, err := s.db.ExecContext(ctx, query, tenantID)
	if err != nil {
		return storeErr("deactivate tenant", err)
	}
	return requireRow(res)
}

func (s *Store) SiteExists(ctx context.Context, siteURL string) (bool, error) {
	return s.exists(ctx, "site_url", siteURL)
}

func (s *Store) EmailExists(ctx context.Context, adminEmail string) (bool, error) {
	return s.exists(ctx, "admin_email", adminEmail)
}

func (s *Store) exists(ctx context.Context, column, value string) (bool, error) {
	var count int
	query := s.dialect.Rebind(fmt.Sprintf(
		`SELECT COUNT(*) FROM tenants WHERE %s = ? AND is_active = `, column) + s.dialect.BooleanLiteral(true))
	if err := s.db.GetContext(ctx, &count, query, value); err != nil {
		return false, storeErr("existence check", err)
	}
	return count > 0, nil
}

func (s *Store) EnsureConversation(ctx context.Context, tenantID, sessionID, userIP, userAgent string) (*storage.Conversation, error) {
	now := time.Now().UTC()
	insert := s.dialect.Rebind(`INSERT INTO conversations
		(id, tenant_id, session_id, user_ip, user_agent, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("tenant_id, session_id", []string{"updated_at"}))

	if _, err := s.db.ExecContext(ctx, insert,
		uuid.New().String(), tenantID, sessionID, userIP, userAgent, now, now, "{}"); err != nil {
		return nil, storeErr("ensure conversation", err)
	}

	var conv storage.Conversation
	query := s.dialect.Rebind(`SELECT id, tenant_id, session_id, user_ip, user_agent, created_at, updated_at
		FROM conversations WHERE tenant_id = ? AND session_id = ?`)
	if err := s.db.GetContext(ctx, &conv, query, tenantID, sessionID); err != nil {
		return nil, storeErr("load conversation", err)
	}
	return &conv, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *storage.StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO messages
		(id, conversation_id, tenant_id, role, content, ts, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.TenantID, msg.Role, msg.Content, msg.Timestamp, string(metadata)); err != nil {
		return storeErr("append message", err)
	}

	touch := s.dialect.Rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, touch, time.Now().UTC(), msg.ConversationID); err != nil {
		return storeErr("touch conversation", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]storage.StoredMessage, error) {
	query := `SELECT m.id, m.conversation_id, m.tenant_id, m.role, m.content, m.ts, m.metadata
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.tenant_id = ? AND c.session_id = ?
		ORDER BY m.ts ASC, m.id ASC`
	args := []interface{}{tenantID, sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	defer rows.Close()

	var out []storage.StoredMessage
	for rows.Next() {
		var msg storage.StoredMessage
		var metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.TenantID,
			&msg.Role, &msg.Content, &msg.Timestamp, &metadata); err != nil {
			return nil, storeErr("scan message", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				msg.Metadata = nil
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, tenant.ErrStoreUnavailable, err)
}
