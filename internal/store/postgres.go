// Package store provides storage backends for SalonPipe.
//
// This file implements a PostgreSQL-backed store for conversations and tenants.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadConversation(ctx context.Context, customerPhone, systemPrompt string) (*models.Conversation, error) {
	var messages []byte
	var createdAt, updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, created_at, updated_at FROM conversation_history WHERE mobile_number = $1`,
		customerPhone,
	).Scan(&messages, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore.LoadConversation: no history, seeding", "customer", customerPhone)
		return models.NewConversation(customerPhone, systemPrompt), nil
	}
	if err != nil {
		slog.Error("PostgresStore.LoadConversation failed", "error", err, "customer", customerPhone)
		return nil, fmt.Errorf("failed to load conversation for %s: %w", customerPhone, err)
	}
	return decodeConversation(customerPhone, messages, createdAt, updatedAt)
}

func (s *PostgresStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	data, err := encodeTurns(conv)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversation_history (mobile_number, messages, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (mobile_number) DO UPDATE SET messages = EXCLUDED.messages, updated_at = NOW()`,
		conv.CustomerPhone, data,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveConversation failed", "error", err, "customer", conv.CustomerPhone)
		return fmt.Errorf("failed to save conversation for %s: %w", conv.CustomerPhone, err)
	}
	slog.Debug("PostgresStore.SaveConversation succeeded", "customer", conv.CustomerPhone, "turns", len(conv.Turns))
	return nil
}

func (s *PostgresStore) ClearConversation(ctx context.Context, customerPhone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_history WHERE mobile_number = $1`, customerPhone); err != nil {
		slog.Error("PostgresStore.ClearConversation failed", "error", err, "customer", customerPhone)
		return fmt.Errorf("failed to clear conversation for %s: %w", customerPhone, err)
	}
	slog.Debug("PostgresStore.ClearConversation succeeded", "customer", customerPhone)
	return nil
}

func (s *PostgresStore) UpsertTenant(ctx context.Context, t models.Tenant) error {
	if t.ID == "" || t.BusinessPhone == "" {
		return fmt.Errorf("tenant id and business phone are required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			business_phone = EXCLUDED.business_phone, name = EXCLUDED.name,
			llm_api_key = EXCLUDED.llm_api_key, llm_model = EXCLUDED.llm_model,
			book_auth_key = EXCLUDED.book_auth_key, book_customer_cd = EXCLUDED.book_customer_cd,
			wa_access_token = EXCLUDED.wa_access_token, wa_phone_number_id = EXCLUDED.wa_phone_number_id,
			persona_prompt = EXCLUDED.persona_prompt, verify_token = EXCLUDED.verify_token,
			active = EXCLUDED.active, updated_at = NOW()`,
		t.ID, t.BusinessPhone, t.Name, t.LLMAPIKey, t.LLMModel, t.BookAuthKey, t.BookCustomerCd,
		t.WAAccessToken, t.WAPhoneNumber, nilIfEmpty(t.PersonaPrompt), nilIfEmpty(t.VerifyToken), t.Active,
	)
	if err != nil {
		slog.Error("PostgresStore.UpsertTenant failed", "error", err, "tenant", t.ID)
		return fmt.Errorf("failed to upsert tenant %s: %w", t.ID, err)
	}
	slog.Debug("PostgresStore.UpsertTenant succeeded", "tenant", t.ID, "business_phone", t.BusinessPhone)
	return nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore.ListTenants query failed", "error", err)
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()
	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenant rows: %w", err)
	}
	slog.Debug("PostgresStore.ListTenants succeeded", "count", len(tenants))
	return tenants, nil
}

// FindTenantByPhones matches all variants in a single indexed query.
func (s *PostgresStore) FindTenantByPhones(ctx context.Context, variants []string) (*models.Tenant, error) {
	if len(variants) == 0 {
		return nil, models.ErrTenantNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE business_phone = ANY($1)
		ORDER BY active DESC, updated_at DESC LIMIT 1`, pq.Array(variants))
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTenantNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.FindTenantByPhones failed", "error", err, "variants", variants)
		return nil, fmt.Errorf("failed to look up tenant: %w", err)
	}
	return &t, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
