// Package store provides storage backends for SalonPipe.
//
// It persists per-customer conversation histories and tenant records in
// SQLite, PostgreSQL, or process memory.
package store

import (
	"context"
	"strings"

	"github.com/BTreeMap/SalonPipe/internal/models"
)

// ConversationRepo persists one conversation document per customer phone.
// Writes for one customer are serialized by the caller.
type ConversationRepo interface {
	// LoadConversation returns the stored conversation, or a new conversation
	// holding only systemPrompt when the customer has none.
	LoadConversation(ctx context.Context, customerPhone, systemPrompt string) (*models.Conversation, error)
	// SaveConversation atomically overwrites the stored conversation.
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	// ClearConversation removes the conversation. Clearing an absent one is not an error.
	ClearConversation(ctx context.Context, customerPhone string) error
}

// TenantRepo persists tenant records.
type TenantRepo interface {
	UpsertTenant(ctx context.Context, t models.Tenant) error
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	// FindTenantByPhones returns the tenant whose business phone equals any of
	// the given variants, preferring active and most recently updated records.
	// It returns models.ErrTenantNotFound when nothing matches.
	FindTenantByPhones(ctx context.Context, variants []string) (*models.Tenant, error)
}

// Store combines the repositories behind one backend.
type Store interface {
	ConversationRepo
	TenantRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// New opens the backend selected by the DSN. An empty DSN yields an in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
